package payment

import (
	"fmt"
	"strings"

	"kasira/backend/internal/store"
)

type Registry struct {
	initiators map[string]Initiator
}

func NewRegistry(initiators ...Initiator) *Registry {
	r := &Registry{initiators: make(map[string]Initiator, len(initiators))}
	for _, in := range initiators {
		r.initiators[in.Method()] = in
	}
	return r
}

// SalesRegistry serves point-of-sale transactions.
func SalesRegistry() *Registry {
	return NewRegistry(
		Cash{},
		NewTransfer("88000", 8, "BCA"),
		NewQRIS("KASIRA-TX-"),
	)
}

// RegistrationRegistry serves subscription payments, which never accept cash.
func RegistrationRegistry() *Registry {
	return NewRegistry(
		NewTransfer("88920", 9, "MANDIRI"),
		NewQRIS("KASIRA-REG-"),
	)
}

func (r *Registry) For(method string) (Initiator, error) {
	in, ok := r.initiators[strings.ToUpper(strings.TrimSpace(method))]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrValidation, method)
	}
	return in, nil
}
