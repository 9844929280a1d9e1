package payment

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/store"
)

type Intent struct {
	Reference string
	Amount    int64
	Bank      string
}

type Initiation struct {
	Status  string
	Details *domain.PaymentDetails
}

// Initiator starts a payment for one method. Implementations stand in for a
// gateway and can be swapped without touching the transaction engine.
// Initiate runs inside the store's atomic section, so a gateway-backed
// implementation must treat Intent.Reference as an idempotency key.
type Initiator interface {
	Method() string
	Initiate(ctx context.Context, intent Intent) (Initiation, error)
}

type Cash struct{}

func (Cash) Method() string { return domain.PaymentCash }

func (Cash) Initiate(_ context.Context, _ Intent) (Initiation, error) {
	return Initiation{Status: domain.PaymentSuccess}, nil
}

var supportedBanks = map[string]bool{
	"BCA":     true,
	"BNI":     true,
	"BRI":     true,
	"MANDIRI": true,
	"PERMATA": true,
}

// Transfer issues a virtual account number: Prefix followed by Digits random digits.
type Transfer struct {
	Prefix      string
	Digits      int
	DefaultBank string
}

func NewTransfer(prefix string, digits int, defaultBank string) Transfer {
	return Transfer{Prefix: prefix, Digits: digits, DefaultBank: defaultBank}
}

func (Transfer) Method() string { return domain.PaymentTransfer }

func (t Transfer) Initiate(ctx context.Context, intent Intent) (Initiation, error) {
	if err := ctx.Err(); err != nil {
		return Initiation{}, err
	}
	bank := strings.ToUpper(strings.TrimSpace(intent.Bank))
	if bank == "" {
		bank = t.DefaultBank
	}
	if !supportedBanks[bank] {
		return Initiation{}, fmt.Errorf("%w: unsupported bank %q", store.ErrValidation, intent.Bank)
	}
	digits, err := randomDigits(t.Digits)
	if err != nil {
		return Initiation{}, err
	}
	return Initiation{
		Status: domain.PaymentPending,
		Details: &domain.PaymentDetails{
			OrderID:  OrderID(intent.Reference),
			Bank:     bank,
			VANumber: t.Prefix + digits,
		},
	}, nil
}

// QRIS renders a QR payload of PayloadPrefix plus the reference.
type QRIS struct {
	PayloadPrefix string
	ImageBaseURL  string
}

func NewQRIS(payloadPrefix string) QRIS {
	return QRIS{
		PayloadPrefix: payloadPrefix,
		ImageBaseURL:  "https://api.qrserver.com/v1/create-qr-code/?size=300x300&data=",
	}
}

func (QRIS) Method() string { return domain.PaymentQRIS }

func (q QRIS) Initiate(ctx context.Context, intent Intent) (Initiation, error) {
	if err := ctx.Err(); err != nil {
		return Initiation{}, err
	}
	payload := q.PayloadPrefix + intent.Reference
	return Initiation{
		Status: domain.PaymentPending,
		Details: &domain.PaymentDetails{
			OrderID:   OrderID(intent.Reference),
			QRPayload: payload,
			QRURL:     q.ImageBaseURL + url.QueryEscape(payload),
		},
	}, nil
}

func OrderID(reference string) string {
	return "MID-" + reference
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
