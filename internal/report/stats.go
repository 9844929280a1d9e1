package report

import (
	"slices"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/store"
)

// StatusAll disables the status predicate in FilterTransactions.
const StatusAll = "all"

// ComputeStats folds successful transactions into financial totals. Tax is
// tracked but never counted as profit.
func ComputeStats(transactions []domain.Transaction) domain.FinancialStats {
	var stats domain.FinancialStats
	for _, tx := range transactions {
		if tx.PaymentStatus != domain.PaymentSuccess {
			continue
		}
		stats.Revenue += tx.Subtotal
		stats.COGS += tx.COGS()
		stats.TotalDiscount += tx.Discount
		stats.TotalTax += tx.Tax
		stats.OrderCount++
	}
	stats.GrossProfit = stats.Revenue - stats.COGS
	stats.NetProfit = stats.GrossProfit - stats.TotalDiscount
	return stats
}

// FilterTransactions keeps transactions inside the inclusive date range on the
// given branch. Status defaults to success; StatusAll keeps every status.
// The result is ordered newest first.
func FilterTransactions(all []domain.Transaction, filter domain.ReportFilter) []domain.Transaction {
	predicate := store.TransactionFilter{
		From:   filter.StartDate,
		To:     filter.EndDate,
		Status: filter.Status,
	}
	if filter.BranchID != "" {
		predicate.BranchIDs = []string{filter.BranchID}
	}
	switch filter.Status {
	case "":
		predicate.Status = domain.PaymentSuccess
	case StatusAll:
		predicate.Status = ""
	}

	out := make([]domain.Transaction, 0, len(all))
	for _, tx := range all {
		if store.MatchTransaction(tx, predicate) {
			out = append(out, tx)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// EndOfDay widens a date-only bound so the whole day is included.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
