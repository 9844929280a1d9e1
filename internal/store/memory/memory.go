package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/store"
	"kasira/backend/internal/xid"
)

// Store keeps every collection behind one mutex, so each repository call is
// applied atomically with respect to all others.
type Store struct {
	mu            sync.RWMutex
	branches      map[string]domain.Branch
	categories    map[string]domain.Category
	products      map[string]domain.Product
	users         map[string]domain.User
	transactions  map[string]*domain.Transaction
	movements     []domain.StockMovement
	registrations map[string]domain.Registration
}

func New() *Store {
	return &Store{
		branches:      make(map[string]domain.Branch),
		categories:    make(map[string]domain.Category),
		products:      make(map[string]domain.Product),
		users:         make(map[string]domain.User),
		transactions:  make(map[string]*domain.Transaction),
		registrations: make(map[string]domain.Registration),
	}
}

func (s *Store) ListBranches(_ context.Context, ownerID string) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		if ownerID != "" && b.OwnerID != ownerID {
			continue
		}
		result = append(result, b)
	}
	slices.SortFunc(result, func(a, b domain.Branch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetBranch(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.branches[id]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, id)
	}
	return &b, nil
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.Name == "" || branch.OwnerID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.ID == "" {
		branch.ID = xid.New("BR")
	}
	if _, exists := s.branches[branch.ID]; exists {
		return nil, fmt.Errorf("%w: branch %s exists", store.ErrConflict, branch.ID)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	s.branches[branch.ID] = branch
	return &branch, nil
}

func (s *Store) UpdateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.branches[branch.ID]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, branch.ID)
	}
	existing.Name = branch.Name
	existing.Location = branch.Location
	s.branches[branch.ID] = existing
	return &existing, nil
}

// DeleteBranch cascades to the branch's products and cashiers. Transactions
// keep their snapshots and are never removed.
func (s *Store) DeleteBranch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[id]; !ok {
		return fmt.Errorf("%w: branch %s", store.ErrNotFound, id)
	}
	delete(s.branches, id)
	for pid, p := range s.products {
		if p.BranchID == id {
			delete(s.products, pid)
		}
	}
	for uid, u := range s.users {
		if u.Role == domain.RoleCashier && u.BranchID == id {
			delete(s.users, uid)
		}
	}
	return nil
}

func (s *Store) ListCategories(_ context.Context, ownerID string) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if c.OwnerID == "" || c.OwnerID == ownerID {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b domain.Category) int {
		return cmpString(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if category.Name == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.categories {
		if (c.OwnerID == "" || c.OwnerID == category.OwnerID) && strings.EqualFold(c.Name, category.Name) {
			return nil, fmt.Errorf("%w: category %s exists", store.ErrConflict, category.Name)
		}
	}
	if category.ID == "" {
		category.ID = xid.New("CAT")
	}
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[id]
	if !ok {
		return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, id)
	}
	return &c, nil
}

func (s *Store) DeleteCategory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[id]; !ok {
		return fmt.Errorf("%w: category %s", store.ErrNotFound, id)
	}
	delete(s.categories, id)
	return nil
}

func (s *Store) ListProducts(_ context.Context, branchIDs []string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if len(branchIDs) > 0 && !slices.Contains(branchIDs, p.BranchID) {
			continue
		}
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if c := cmpString(a.Name, b.Name); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price < 1 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[product.BranchID]; !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, product.BranchID)
	}
	if product.ID == "" {
		product.ID = xid.New("PRD")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s exists", store.ErrConflict, product.ID)
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product

	if product.Stock > 0 {
		s.movements = append(s.movements, domain.StockMovement{
			ID:        xid.New("MOV"),
			ProductID: product.ID,
			BranchID:  product.BranchID,
			Delta:     product.Stock,
			Reason:    domain.StockReasonInitial,
			CreatedAt: now,
		})
	}
	return &product, nil
}

// UpdateProduct changes descriptive and price fields only; stock moves through
// AdjustStock and CreateTransaction.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price < 1 || product.CostPrice < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}
	existing.Name = product.Name
	existing.Category = product.Category
	existing.Price = product.Price
	existing.CostPrice = product.CostPrice
	existing.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = existing
	return &existing, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	delete(s.products, id)
	return nil
}

func (s *Store) AdjustStock(_ context.Context, movement domain.StockMovement) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[movement.ProductID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, movement.ProductID)
	}
	next := p.Stock + movement.Delta
	if next < 0 {
		return nil, fmt.Errorf("%w: stock of %s cannot go below zero (have %d, change %d)", store.ErrValidation, p.Name, p.Stock, movement.Delta)
	}

	now := time.Now().UTC()
	p.Stock = next
	p.UpdatedAt = now
	s.products[p.ID] = p

	if movement.ID == "" {
		movement.ID = xid.New("MOV")
	}
	if movement.Reason == "" {
		movement.Reason = domain.StockReasonAdjust
	}
	movement.BranchID = p.BranchID
	movement.CreatedAt = now
	s.movements = append(s.movements, movement)
	return &p, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListUsers(_ context.Context, filter store.UserFilter) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if len(filter.BranchIDs) > 0 && !slices.Contains(filter.BranchIDs, u.BranchID) {
			continue
		}
		result = append(result, cloneUser(u))
	}
	slices.SortFunc(result, func(a, b domain.User) int {
		if c := cmpString(a.Name, b.Name); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, id)
	}
	dup := cloneUser(u)
	return &dup, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			dup := cloneUser(u)
			return &dup, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, email)
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	if user.Email == "" || user.Role == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = strings.ToLower(user.Email)
	if s.emailTaken(user.Email, "") {
		return nil, fmt.Errorf("%w: email %s already registered", store.ErrConflict, user.Email)
	}
	if user.ID == "" {
		user.ID = xid.New("USR")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = cloneUser(user)
	dup := cloneUser(user)
	return &dup, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, user.ID)
	}
	user.Email = strings.ToLower(user.Email)
	if s.emailTaken(user.Email, user.ID) {
		return nil, fmt.Errorf("%w: email %s already registered", store.ErrConflict, user.Email)
	}
	if user.PasswordHash == "" {
		user.PasswordHash = existing.PasswordHash
	}
	user.CreatedAt = existing.CreatedAt
	s.users[user.ID] = cloneUser(user)
	dup := cloneUser(user)
	return &dup, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, id)
	}
	delete(s.users, id)
	return nil
}

func (s *Store) emailTaken(email string, exceptID string) bool {
	for id, u := range s.users {
		if id != exceptID && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

// CreateTransaction validates every line, snapshots prices, runs finalize and
// only then decrements stock and records the transaction. Any failure leaves
// the store untouched.
func (s *Store) CreateTransaction(_ context.Context, draft domain.Transaction, finalize store.Finalizer) (*domain.Transaction, error) {
	if len(draft.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction has no items", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[draft.BranchID]; !ok {
		return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, draft.BranchID)
	}

	requested := make(map[string]int, len(draft.Items))
	items := make([]domain.TransactionItem, 0, len(draft.Items))
	for _, line := range draft.Items {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
		}
		product, ok := s.products[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if product.BranchID != draft.BranchID {
			return nil, fmt.Errorf("%w: %s", store.ErrUnauthorizedBranch, product.Name)
		}
		requested[product.ID] += line.Quantity
		if requested[product.ID] > product.Stock {
			return nil, &store.OutOfStockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Requested:   requested[product.ID],
				Available:   product.Stock,
			}
		}
		items = append(items, domain.TransactionItem{
			ProductID:     product.ID,
			Name:          product.Name,
			Quantity:      line.Quantity,
			PriceSnapshot: product.Price,
			CostSnapshot:  product.CostPrice,
		})
	}

	tx := draft
	tx.Items = items
	tx.Recalculate()
	if tx.ID == "" {
		tx.ID = xid.New("TX")
	}
	if _, exists := s.transactions[tx.ID]; exists {
		return nil, fmt.Errorf("%w: transaction %s exists", store.ErrConflict, tx.ID)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if finalize != nil {
		if err := finalize(&tx); err != nil {
			return nil, err
		}
	}
	if tx.PaymentStatus == "" {
		tx.PaymentStatus = domain.PaymentPending
	}

	now := time.Now().UTC()
	for _, item := range tx.Items {
		p := s.products[item.ProductID]
		p.Stock -= item.Quantity
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.movements = append(s.movements, domain.StockMovement{
			ID:        xid.New("MOV"),
			ProductID: p.ID,
			BranchID:  p.BranchID,
			Delta:     -item.Quantity,
			Reason:    domain.StockReasonSale,
			Reference: tx.ID,
			CreatedAt: now,
		})
	}
	s.transactions[tx.ID] = cloneTransaction(&tx)
	return cloneTransaction(&tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if !store.MatchTransaction(*tx, filter) {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) SettleTransaction(_ context.Context, id string, status string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
	}
	if err := store.CheckSettlement(tx.PaymentStatus, status); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, err)
	}

	settledAt := at.UTC()
	tx.PaymentStatus = status
	tx.SettledAt = &settledAt

	if store.ReleasesStock(status) {
		for _, item := range tx.Items {
			p, ok := s.products[item.ProductID]
			if !ok {
				continue
			}
			p.Stock += item.Quantity
			p.UpdatedAt = settledAt
			s.products[p.ID] = p
			s.movements = append(s.movements, domain.StockMovement{
				ID:        xid.New("MOV"),
				ProductID: p.ID,
				BranchID:  p.BranchID,
				Delta:     item.Quantity,
				Reason:    domain.StockReasonRelease,
				Reference: tx.ID,
				CreatedAt: settledAt,
			})
		}
	}
	return cloneTransaction(tx), nil
}

func (s *Store) CreateRegistration(_ context.Context, registration domain.Registration) (*domain.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[registration.UserID]; !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, registration.UserID)
	}
	if registration.ID == "" {
		registration.ID = xid.New("REG")
	}
	if registration.CreatedAt.IsZero() {
		registration.CreatedAt = time.Now().UTC()
	}
	if registration.PaymentStatus == "" {
		registration.PaymentStatus = domain.PaymentPending
	}
	s.registrations[registration.ID] = cloneRegistration(registration)
	dup := cloneRegistration(registration)
	return &dup, nil
}

func (s *Store) GetRegistration(_ context.Context, id string) (*domain.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: registration %s", store.ErrNotFound, id)
	}
	dup := cloneRegistration(reg)
	return &dup, nil
}

func (s *Store) SettleRegistration(_ context.Context, id string, status string, at time.Time) (*domain.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: registration %s", store.ErrNotFound, id)
	}
	if err := store.CheckSettlement(reg.PaymentStatus, status); err != nil {
		return nil, fmt.Errorf("registration %s: %w", id, err)
	}
	settledAt := at.UTC()
	reg.PaymentStatus = status
	reg.SettledAt = &settledAt
	s.registrations[id] = reg
	dup := cloneRegistration(reg)
	return &dup, nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if src.PaymentDetails != nil {
		details := *src.PaymentDetails
		dup.PaymentDetails = &details
	}
	if src.SettledAt != nil {
		at := *src.SettledAt
		dup.SettledAt = &at
	}
	return &dup
}

func cloneUser(src domain.User) domain.User {
	dup := src
	if src.ExpiredAt != nil {
		at := *src.ExpiredAt
		dup.ExpiredAt = &at
	}
	return dup
}

func cloneRegistration(src domain.Registration) domain.Registration {
	dup := src
	if src.PaymentDetails != nil {
		details := *src.PaymentDetails
		dup.PaymentDetails = &details
	}
	if src.SettledAt != nil {
		at := *src.SettledAt
		dup.SettledAt = &at
	}
	return dup
}

var _ store.Repository = (*Store)(nil)
