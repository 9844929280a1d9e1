package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"kasira/backend/internal/domain"
)

var csvHeader = []string{"Invoice", "Date", "Revenue", "COGS", "Discount", "NetProfit", "Tax"}

// WriteCSV writes one row per successful transaction.
func WriteCSV(w io.Writer, transactions []domain.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, tx := range transactions {
		if tx.PaymentStatus != domain.PaymentSuccess {
			continue
		}
		row := []string{
			tx.ID,
			tx.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(tx.Subtotal, 10),
			strconv.FormatInt(tx.COGS(), 10),
			strconv.FormatInt(tx.Discount, 10),
			strconv.FormatInt(tx.NetProfit(), 10),
			strconv.FormatInt(tx.Tax, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
