package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/insight"
	"kasira/backend/internal/metrics"
	"kasira/backend/internal/payment"
	"kasira/backend/internal/realtime"
	"kasira/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo          store.Repository
	notifier      *realtime.Notifier
	payments      *payment.Registry
	registrations *payment.Registry
	insights      *insight.Engine
	metrics       *metrics.Metrics
	now           func() time.Time
}

// New wires the service to its collaborators. Nil collaborators fall back to
// an in-process notifier, the built-in payment initiators and an uncached
// insight engine.
func New(repo store.Repository, notifier *realtime.Notifier, payments *payment.Registry, insights *insight.Engine) *Service {
	if notifier == nil {
		notifier = realtime.NewNotifier()
	}
	if payments == nil {
		payments = payment.SalesRegistry()
	}
	if insights == nil {
		insights = insight.NewEngine(nil, 0)
	}

	return &Service{
		repo:          repo,
		notifier:      notifier,
		payments:      payments,
		registrations: payment.RegistrationRegistry(),
		insights:      insights,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) Notifier() *realtime.Notifier {
	return s.notifier
}

func (s *Service) requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, fmt.Errorf("%w: login required", store.ErrUnauthorized)
	}
	return actor, nil
}

func (s *Service) requireOwner(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleOwner {
		return domain.Actor{}, fmt.Errorf("%w: owner role required", store.ErrUnauthorized)
	}
	return actor, nil
}

// authorizeBranch loads a branch the actor may operate on: owners their own
// branches, cashiers only the branch they are assigned to.
func (s *Service) authorizeBranch(ctx context.Context, actor domain.Actor, branchID string) (*domain.Branch, error) {
	branch, err := s.repo.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleOwner:
		if branch.OwnerID != actor.UserID {
			return nil, fmt.Errorf("%w: branch %s belongs to another owner", store.ErrUnauthorized, branchID)
		}
	case domain.RoleCashier:
		if actor.BranchID != branchID {
			return nil, fmt.Errorf("%w: cashier is assigned to another branch", store.ErrUnauthorized)
		}
	default:
		return nil, store.ErrUnauthorized
	}
	return branch, nil
}

// tenantOf resolves the owner whose data the actor works on: the actor
// itself for owners, the branch owner for cashiers.
func (s *Service) tenantOf(ctx context.Context, actor domain.Actor) (string, error) {
	if actor.Role == domain.RoleOwner {
		return actor.UserID, nil
	}
	branch, err := s.repo.GetBranch(ctx, actor.BranchID)
	if err != nil {
		return "", err
	}
	return branch.OwnerID, nil
}

// branchScope returns the branch IDs visible to the actor. An owner without
// branches gets an empty, non-nil slice.
func (s *Service) branchScope(ctx context.Context, actor domain.Actor) ([]string, error) {
	if actor.Role == domain.RoleCashier {
		return []string{actor.BranchID}, nil
	}
	branches, err := s.repo.ListBranches(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(branches))
	for _, b := range branches {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (s *Service) scopeFor(ctx context.Context, actor domain.Actor, branchID string) ([]string, error) {
	if branchID != "" {
		if _, err := s.authorizeBranch(ctx, actor, branchID); err != nil {
			return nil, err
		}
		return []string{branchID}, nil
	}
	return s.branchScope(ctx, actor)
}

// AuthorizeChannel decides whether the actor may follow a realtime channel.
// Owners follow their own channel and their branches; cashiers only their
// assigned branch.
func (s *Service) AuthorizeChannel(ctx context.Context, channel string) error {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return err
	}
	if ownerID, ok := strings.CutPrefix(channel, "owner."); ok {
		if actor.Role != domain.RoleOwner || ownerID != actor.UserID {
			return fmt.Errorf("%w: channel %s", store.ErrUnauthorized, channel)
		}
		return nil
	}
	if branchID, ok := strings.CutPrefix(channel, "branch."); ok && branchID != "" {
		_, err := s.authorizeBranch(ctx, actor, branchID)
		return err
	}
	return fmt.Errorf("%w: unknown channel %q", store.ErrValidation, channel)
}

func (s *Service) publishStock(ctx context.Context, branchID string, txID string, reason string, changes []domain.StockChange) {
	if len(changes) == 0 {
		return
	}
	s.notifier.Publish(ctx, realtime.BranchChannel(branchID), domain.EventStockChanged, domain.StockChangedEvent{
		BranchID:      branchID,
		TransactionID: txID,
		Reason:        reason,
		Changes:       changes,
	})
}

func saleChanges(tx *domain.Transaction, sign int) []domain.StockChange {
	changes := make([]domain.StockChange, 0, len(tx.Items))
	for _, item := range tx.Items {
		changes = append(changes, domain.StockChange{ProductID: item.ProductID, Delta: sign * item.Quantity})
	}
	return changes
}

func isDomainError(err error) bool {
	for _, target := range []error{
		store.ErrNotFound,
		store.ErrValidation,
		store.ErrInsufficientStock,
		store.ErrUnauthorized,
		store.ErrUnauthorizedBranch,
		store.ErrAlreadySettled,
		store.ErrInvalidTransition,
		store.ErrConflict,
		store.ErrUpstreamUnavailable,
		store.ErrSubscriptionExpired,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func upstreamError(what string, err error) error {
	if isDomainError(err) {
		return err
	}
	log.Printf("[service] WARN: %s failed: %v", what, err)
	return fmt.Errorf("%w: %s", store.ErrUpstreamUnavailable, what)
}
