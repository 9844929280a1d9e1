package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/payment"
	"kasira/backend/internal/store"
	"kasira/backend/internal/validate"
	"kasira/backend/internal/xid"
)

var errInvalidCredentials = fmt.Errorf("%w: invalid email or password", store.ErrUnauthorized)

// Authenticate checks credentials and the subscription behind the account.
// Cashiers are bound by their branch owner's subscription.
func (s *Service) Authenticate(ctx context.Context, req domain.LoginRequest) (domain.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(req); err != nil {
		return domain.User{}, err
	}

	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, errInvalidCredentials
		}
		return domain.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return domain.User{}, errInvalidCredentials
	}

	owner := user
	if user.Role == domain.RoleCashier {
		branch, err := s.repo.GetBranch(ctx, user.BranchID)
		if err != nil {
			return domain.User{}, err
		}
		if owner, err = s.repo.GetUser(ctx, branch.OwnerID); err != nil {
			return domain.User{}, err
		}
	}
	if err := s.checkSubscription(ctx, owner); err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

// checkSubscription persists the expired status the first time an owner is
// seen past expired_at.
func (s *Service) checkSubscription(ctx context.Context, owner *domain.User) error {
	switch owner.Status {
	case domain.AccountPendingPayment:
		return fmt.Errorf("%w: registration payment is still pending", store.ErrSubscriptionExpired)
	case domain.AccountExpired:
		return fmt.Errorf("%w: subscription ended", store.ErrSubscriptionExpired)
	}
	if owner.ExpiredAt == nil || s.now().Before(*owner.ExpiredAt) {
		return nil
	}

	owner.Status = domain.AccountExpired
	if _, err := s.repo.UpdateUser(ctx, *owner); err != nil {
		log.Printf("[service] WARN: failed to mark subscription expired user=%s: %v", owner.ID, err)
	}
	return fmt.Errorf("%w: subscription ended on %s", store.ErrSubscriptionExpired, owner.ExpiredAt.Format(time.DateOnly))
}

func (s *Service) CurrentUser(ctx context.Context) (domain.User, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.User{}, err
	}
	user, err := s.repo.GetUser(ctx, actor.UserID)
	if err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

// RegisterTrial creates an owner that can log in straight away for
// domain.TrialDays days.
func (s *Service) RegisterTrial(ctx context.Context, req domain.TrialRegistrationRequest) (domain.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.BusinessName = strings.TrimSpace(req.BusinessName)
	if err := validate.Struct(req); err != nil {
		return domain.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	now := s.now()
	expiry := now.AddDate(0, 0, domain.TrialDays)
	created, err := s.repo.CreateUser(ctx, domain.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         domain.RoleOwner,
		BusinessName: req.BusinessName,
		PackageType:  domain.PackageTrial,
		Status:       domain.AccountTrial,
		ExpiredAt:    &expiry,
		CreatedAt:    now,
	})
	if err != nil {
		return domain.User{}, err
	}
	return *created, nil
}

// RegisterPaid creates a pending owner and a registration whose payment
// details come from the registration initiators. The account activates once
// the payment callback reports success.
func (s *Service) RegisterPaid(ctx context.Context, req domain.PaidRegistrationRequest) (domain.RegistrationResponse, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.BusinessName = strings.TrimSpace(req.BusinessName)
	req.Package = strings.ToLower(strings.TrimSpace(req.Package))
	req.PaymentMethod = strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	if err := validate.Struct(req); err != nil {
		return domain.RegistrationResponse{}, err
	}
	pkg, ok := domain.SubscriptionPackages[req.Package]
	if !ok {
		return domain.RegistrationResponse{}, fmt.Errorf("%w: unknown package %q", store.ErrValidation, req.Package)
	}
	initiator, err := s.registrations.For(req.PaymentMethod)
	if err != nil {
		return domain.RegistrationResponse{}, err
	}
	if _, err := s.repo.GetUserByEmail(ctx, req.Email); err == nil {
		return domain.RegistrationResponse{}, fmt.Errorf("%w: email %s already registered", store.ErrConflict, req.Email)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.RegistrationResponse{}, err
	}

	registrationID := xid.New("REG")
	init, err := initiator.Initiate(ctx, payment.Intent{Reference: registrationID, Amount: pkg.Price, Bank: req.Bank})
	if err != nil {
		return domain.RegistrationResponse{}, upstreamError("registration payment initiation", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.RegistrationResponse{}, err
	}
	now := s.now()
	user, err := s.repo.CreateUser(ctx, domain.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         domain.RoleOwner,
		BusinessName: req.BusinessName,
		PackageType:  pkg.Code,
		Status:       domain.AccountPendingPayment,
		CreatedAt:    now,
	})
	if err != nil {
		return domain.RegistrationResponse{}, err
	}

	registration, err := s.repo.CreateRegistration(ctx, domain.Registration{
		ID:             registrationID,
		UserID:         user.ID,
		Package:        pkg.Code,
		Amount:         pkg.Price,
		PaymentMethod:  initiator.Method(),
		PaymentStatus:  init.Status,
		PaymentDetails: init.Details,
		CreatedAt:      now,
	})
	if err != nil {
		if delErr := s.repo.DeleteUser(ctx, user.ID); delErr != nil {
			log.Printf("[service] WARN: failed to roll back pending owner user=%s: %v", user.ID, delErr)
		}
		return domain.RegistrationResponse{}, err
	}

	return domain.RegistrationResponse{User: *user, Registration: *registration}, nil
}

// HandleRegistrationCallback settles a registration payment with the same
// rules as sales. Success activates the owner for the package duration.
func (s *Service) HandleRegistrationCallback(ctx context.Context, req domain.RegistrationCallbackRequest) (domain.RegistrationResponse, error) {
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if err := validate.Struct(req); err != nil {
		return domain.RegistrationResponse{}, err
	}

	now := s.now()
	registration, err := s.repo.SettleRegistration(ctx, req.RegistrationID, req.Status, now)
	if err != nil {
		s.metrics.Settlement(req.Status, settlementOutcome(err))
		return domain.RegistrationResponse{}, err
	}
	s.metrics.Settlement(req.Status, "applied")

	user, err := s.repo.GetUser(ctx, registration.UserID)
	if err != nil {
		return domain.RegistrationResponse{}, err
	}
	if registration.PaymentStatus == domain.PaymentSuccess {
		days := domain.SubscriptionPackages[registration.Package].Days
		expiry := now.AddDate(0, 0, days)
		user.Status = domain.AccountActive
		user.PackageType = registration.Package
		user.ExpiredAt = &expiry
	} else {
		user.Status = domain.AccountExpired
	}
	updated, err := s.repo.UpdateUser(ctx, *user)
	if err != nil {
		return domain.RegistrationResponse{}, err
	}
	return domain.RegistrationResponse{User: *updated, Registration: *registration}, nil
}
