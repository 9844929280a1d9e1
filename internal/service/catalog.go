package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/store"
	"kasira/backend/internal/validate"
)

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleCashier {
		branch, err := s.repo.GetBranch(ctx, actor.BranchID)
		if err != nil {
			return nil, err
		}
		return []domain.Branch{*branch}, nil
	}
	return s.repo.ListBranches(ctx, actor.UserID)
}

func (s *Service) CreateBranch(ctx context.Context, req domain.BranchCreateRequest) (domain.Branch, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.Branch{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Location = strings.TrimSpace(req.Location)
	if err := validate.Struct(req); err != nil {
		return domain.Branch{}, err
	}

	created, err := s.repo.CreateBranch(ctx, domain.Branch{
		Name:     req.Name,
		Location: req.Location,
		OwnerID:  actor.UserID,
	})
	if err != nil {
		return domain.Branch{}, err
	}
	return *created, nil
}

func (s *Service) UpdateBranch(ctx context.Context, id string, req domain.BranchUpdateRequest) (domain.Branch, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.Branch{}, err
	}
	if err := validate.Struct(req); err != nil {
		return domain.Branch{}, err
	}
	branch, err := s.authorizeBranch(ctx, actor, id)
	if err != nil {
		return domain.Branch{}, err
	}

	updated := *branch
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Branch{}, fmt.Errorf("%w: branch name is required", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Location != nil {
		updated.Location = strings.TrimSpace(*req.Location)
	}

	saved, err := s.repo.UpdateBranch(ctx, updated)
	if err != nil {
		return domain.Branch{}, err
	}
	return *saved, nil
}

// DeleteBranch removes a branch with its products and cashiers. Past
// transactions stay in the log.
func (s *Service) DeleteBranch(ctx context.Context, id string) error {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return err
	}
	if _, err := s.authorizeBranch(ctx, actor, id); err != nil {
		return err
	}
	return s.repo.DeleteBranch(ctx, id)
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	ownerID, err := s.tenantOf(ctx, actor)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCategories(ctx, ownerID)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (domain.Category, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.Category{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return domain.Category{}, err
	}
	created, err := s.repo.CreateCategory(ctx, domain.Category{Name: req.Name, OwnerID: actor.UserID})
	if err != nil {
		return domain.Category{}, err
	}
	return *created, nil
}

// DeleteCategory removes one of the actor's own categories. Shared rows and
// other tenants' rows are refused.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return err
	}
	category, err := s.repo.GetCategory(ctx, id)
	if err != nil {
		return err
	}
	if category.OwnerID == "" {
		return fmt.Errorf("%w: category %s is shared", store.ErrUnauthorized, id)
	}
	if category.OwnerID != actor.UserID {
		return fmt.Errorf("%w: category %s belongs to another owner", store.ErrUnauthorized, id)
	}
	return s.repo.DeleteCategory(ctx, id)
}

// ListProducts lists products of one branch, or of every branch visible to
// the actor when branchID is empty.
func (s *Service) ListProducts(ctx context.Context, branchID string) ([]domain.Product, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return nil, err
	}
	scope, err := s.scopeFor(ctx, actor, branchID)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return []domain.Product{}, nil
	}
	return s.repo.ListProducts(ctx, scope)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, product.BranchID); err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if err := validate.Struct(req); err != nil {
		return domain.Product{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, req.BranchID); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		BranchID:  req.BranchID,
		Name:      req.Name,
		Category:  req.Category,
		Price:     req.Price,
		CostPrice: req.CostPrice,
		Stock:     req.Stock,
	})
	if err != nil {
		return domain.Product{}, err
	}
	if created.Stock > 0 {
		s.publishStock(ctx, created.BranchID, "", domain.StockReasonInitial, []domain.StockChange{{ProductID: created.ID, Delta: created.Stock}})
	}
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if err := validate.Struct(req); err != nil {
		return domain.Product{}, err
	}
	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, existing.BranchID); err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: product name is required", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.CostPrice != nil {
		updated.CostPrice = *req.CostPrice
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return err
	}
	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.authorizeBranch(ctx, actor, existing.BranchID); err != nil {
		return err
	}
	return s.repo.DeleteProduct(ctx, id)
}

// AdjustStock applies a signed correction, for example after a stock count
// or a delivery. The result may never go below zero.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustRequest) (domain.Product, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	req.Note = strings.TrimSpace(req.Note)
	if err := validate.Struct(req); err != nil {
		return domain.Product{}, err
	}
	existing, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, existing.BranchID); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.AdjustStock(ctx, domain.StockMovement{
		ProductID: productID,
		Delta:     req.Amount,
		Reason:    domain.StockReasonAdjust,
		Reference: actor.UserID,
		Note:      req.Note,
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.publishStock(ctx, updated.BranchID, "", domain.StockReasonAdjust, []domain.StockChange{{ProductID: updated.ID, Delta: req.Amount}})
	return *updated, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListStockMovements(ctx, productID, limit)
}

func (s *Service) ListStaff(ctx context.Context) ([]domain.User, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return nil, err
	}
	scope, err := s.branchScope(ctx, actor)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return []domain.User{}, nil
	}
	return s.repo.ListUsers(ctx, store.UserFilter{Role: domain.RoleCashier, BranchIDs: scope})
}

func (s *Service) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.User, error) {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return domain.User{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(req); err != nil {
		return domain.User{}, err
	}
	if _, err := s.authorizeBranch(ctx, actor, req.BranchID); err != nil {
		return domain.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	created, err := s.repo.CreateUser(ctx, domain.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         domain.RoleCashier,
		BranchID:     req.BranchID,
		Status:       domain.AccountActive,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return domain.User{}, err
	}
	return *created, nil
}

func (s *Service) DeleteStaff(ctx context.Context, id string) error {
	actor, err := s.requireOwner(ctx)
	if err != nil {
		return err
	}
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user.Role != domain.RoleCashier {
		return fmt.Errorf("%w: staff %s", store.ErrNotFound, id)
	}
	if _, err := s.authorizeBranch(ctx, actor, user.BranchID); err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return fmt.Errorf("%w: staff %s", store.ErrNotFound, id)
		}
		return err
	}
	return s.repo.DeleteUser(ctx, id)
}
