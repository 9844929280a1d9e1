package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kasira/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUnauthorizedBranch  = errors.New("product does not belong to branch")
	ErrAlreadySettled      = errors.New("payment already settled")
	ErrInvalidTransition   = errors.New("invalid payment status transition")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrSubscriptionExpired = errors.New("subscription expired")
)

// OutOfStockError names the product whose stock could not cover a line.
type OutOfStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

func (e *OutOfStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type TransactionFilter struct {
	BranchIDs []string
	From      *time.Time
	To        *time.Time
	Status    string
}

type UserFilter struct {
	Role      string
	BranchIDs []string
}

// Finalizer runs inside CreateTransaction after lines are snapshotted and
// totals computed, before anything is written. Returning an error aborts the
// whole transaction.
type Finalizer func(tx *domain.Transaction) error

type Repository interface {
	ListBranches(ctx context.Context, ownerID string) ([]domain.Branch, error)
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	UpdateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	DeleteBranch(ctx context.Context, id string) error

	// ListCategories returns the shared categories plus those owned by ownerID.
	ListCategories(ctx context.Context, ownerID string) ([]domain.Category, error)
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	DeleteCategory(ctx context.Context, id string) error

	ListProducts(ctx context.Context, branchIDs []string) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	AdjustStock(ctx context.Context, movement domain.StockMovement) (*domain.Product, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	UpdateUser(ctx context.Context, user domain.User) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateTransaction(ctx context.Context, draft domain.Transaction, finalize Finalizer) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	SettleTransaction(ctx context.Context, id string, status string, at time.Time) (*domain.Transaction, error)

	CreateRegistration(ctx context.Context, registration domain.Registration) (*domain.Registration, error)
	GetRegistration(ctx context.Context, id string) (*domain.Registration, error)
	SettleRegistration(ctx context.Context, id string, status string, at time.Time) (*domain.Registration, error)
}

// CheckSettlement applies the payment lifecycle rule: only pending moves, and
// only into success, failed or expired. Repeating the current terminal status
// is reported as ErrAlreadySettled so callers can treat it as a duplicate.
func CheckSettlement(current string, target string) error {
	if !IsTerminalStatus(target) {
		return fmt.Errorf("%w: unsupported settlement status %q", ErrValidation, target)
	}
	if current == target {
		return ErrAlreadySettled
	}
	if current != domain.PaymentPending {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, target)
	}
	return nil
}

func IsTerminalStatus(status string) bool {
	switch status {
	case domain.PaymentSuccess, domain.PaymentFailed, domain.PaymentExpired:
		return true
	}
	return false
}

// ReleasesStock reports whether settling into status returns the sold
// quantities to stock.
func ReleasesStock(status string) bool {
	return status == domain.PaymentFailed || status == domain.PaymentExpired
}

// MatchTransaction applies a TransactionFilter in memory. Bounds are inclusive.
func MatchTransaction(tx domain.Transaction, filter TransactionFilter) bool {
	if len(filter.BranchIDs) > 0 && !containsString(filter.BranchIDs, tx.BranchID) {
		return false
	}
	if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && tx.CreatedAt.After(*filter.To) {
		return false
	}
	if filter.Status != "" && tx.PaymentStatus != filter.Status {
		return false
	}
	return true
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
