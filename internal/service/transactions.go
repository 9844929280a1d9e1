package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/payment"
	"kasira/backend/internal/realtime"
	"kasira/backend/internal/store"
	"kasira/backend/internal/validate"
	"kasira/backend/internal/xid"
)

// CreateTransaction turns a cart into a committed sale. Line validation, stock
// decrement, payment initiation and the transaction record succeed or fail
// together.
func (s *Service) CreateTransaction(ctx context.Context, req domain.TransactionCreateRequest) (domain.Transaction, error) {
	req.PaymentMethod = strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	if err := validate.Struct(req); err != nil {
		return domain.Transaction{}, err
	}
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	branch, err := s.authorizeBranch(ctx, actor, req.BranchID)
	if err != nil {
		return domain.Transaction{}, err
	}
	initiator, err := s.payments.For(req.PaymentMethod)
	if err != nil {
		return domain.Transaction{}, err
	}

	draft := domain.Transaction{
		ID:            xid.New("TX"),
		BranchID:      branch.ID,
		CashierID:     actor.UserID,
		Items:         normalizeLines(req.Items),
		Discount:      req.Discount,
		Tax:           req.Tax,
		PaymentMethod: initiator.Method(),
		CreatedAt:     s.now(),
	}

	// The store may run the finalizer again when it retries a serialization
	// failure. The draft ID is fixed, so a repeat with the same amount reuses
	// the first initiation instead of opening a second payment.
	var (
		initiated  *payment.Intent
		initiation payment.Initiation
	)
	tx, err := s.repo.CreateTransaction(ctx, draft, func(tx *domain.Transaction) error {
		if tx.Total < 0 {
			return fmt.Errorf("%w: discount %d exceeds subtotal plus tax", store.ErrValidation, tx.Discount)
		}
		intent := payment.Intent{Reference: tx.ID, Amount: tx.Total, Bank: req.Bank}
		if initiated == nil || *initiated != intent {
			started, err := initiator.Initiate(ctx, intent)
			if err != nil {
				return upstreamError(strings.ToLower(tx.PaymentMethod)+" payment initiation", err)
			}
			initiated, initiation = &intent, started
		}
		tx.PaymentStatus = initiation.Status
		tx.PaymentDetails = initiation.Details
		if initiation.Status == domain.PaymentSuccess {
			at := tx.CreatedAt
			tx.SettledAt = &at
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.metrics.TransactionCreated(tx.PaymentMethod, tx.PaymentStatus)

	s.publishStock(ctx, tx.BranchID, tx.ID, domain.StockReasonSale, saleChanges(tx, -1))
	if tx.PaymentStatus == domain.PaymentSuccess {
		s.notifier.Publish(ctx, realtime.OwnerChannel(branch.OwnerID), domain.EventTransactionCreated, *tx)
	}
	return *tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, tx.BranchID); err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

// ApplySettlement moves a pending transaction into a terminal payment status.
// A repeated callback for the status already applied returns
// store.ErrAlreadySettled and changes nothing.
func (s *Service) ApplySettlement(ctx context.Context, transactionID string, status string) (domain.Transaction, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !store.IsTerminalStatus(status) {
		return domain.Transaction{}, fmt.Errorf("%w: unsupported settlement status %q", store.ErrValidation, status)
	}

	tx, err := s.repo.SettleTransaction(ctx, transactionID, status, s.now())
	if err != nil {
		s.metrics.Settlement(status, settlementOutcome(err))
		return domain.Transaction{}, err
	}
	s.metrics.Settlement(status, "applied")

	s.notifier.Publish(ctx, realtime.BranchChannel(tx.BranchID), domain.EventPaymentStatusUpdated, domain.PaymentStatusEvent{
		TransactionID: tx.ID,
		BranchID:      tx.BranchID,
		Status:        tx.PaymentStatus,
		Total:         tx.Total,
	})

	switch {
	case status == domain.PaymentSuccess:
		if branch, err := s.repo.GetBranch(ctx, tx.BranchID); err == nil {
			s.notifier.Publish(ctx, realtime.OwnerChannel(branch.OwnerID), domain.EventTransactionCreated, *tx)
		} else {
			log.Printf("[service] WARN: owner lookup failed for settled transaction id=%s: %v", tx.ID, err)
		}
		s.publishStock(ctx, tx.BranchID, tx.ID, domain.StockReasonSettled, saleChanges(tx, 0))
	case store.ReleasesStock(status):
		s.publishStock(ctx, tx.BranchID, tx.ID, domain.StockReasonRelease, saleChanges(tx, 1))
	}
	return *tx, nil
}

// SettleTransaction is the manual settlement path used by staff of the
// branch, for example to confirm a transfer seen on the bank statement.
func (s *Service) SettleTransaction(ctx context.Context, transactionID string, status string) (domain.Transaction, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, tx.BranchID); err != nil {
		return domain.Transaction{}, err
	}
	return s.ApplySettlement(ctx, transactionID, status)
}

// ExpireStalePayments expires pending transactions created more than
// olderThan ago and returns how many were expired.
func (s *Service) ExpireStalePayments(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	pending, err := s.repo.ListTransactions(ctx, store.TransactionFilter{
		To:     &cutoff,
		Status: domain.PaymentPending,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := s.ApplySettlement(ctx, tx.ID, domain.PaymentExpired); err != nil {
			if errors.Is(err, store.ErrAlreadySettled) || errors.Is(err, store.ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		log.Printf("[service] expired %d stale pending payments", expired)
	}
	return expired, nil
}

func settlementOutcome(err error) string {
	switch {
	case errors.Is(err, store.ErrAlreadySettled):
		return "duplicate"
	case errors.Is(err, store.ErrInvalidTransition):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// normalizeLines merges repeated products while keeping first-seen order.
func normalizeLines(lines []domain.TransactionLineRequest) []domain.TransactionItem {
	index := make(map[string]int, len(lines))
	items := make([]domain.TransactionItem, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if pos, ok := index[id]; ok {
			items[pos].Quantity += line.Quantity
			continue
		}
		index[id] = len(items)
		items = append(items, domain.TransactionItem{ProductID: id, Quantity: line.Quantity})
	}
	return items
}
