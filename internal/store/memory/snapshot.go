package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"kasira/backend/internal/domain"
)

// Snapshot is the serialisable form of a Store. Password hashes are carried
// explicitly because domain.User hides them from JSON.
type Snapshot struct {
	Branches      []domain.Branch        `json:"branches"`
	Categories    []domain.Category      `json:"categories"`
	Products      []domain.Product       `json:"products"`
	Users         []userRecord           `json:"users"`
	Transactions  []domain.Transaction   `json:"transactions"`
	Movements     []domain.StockMovement `json:"movements"`
	Registrations []domain.Registration  `json:"registrations"`
}

type userRecord struct {
	domain.User
	PasswordHash string `json:"password_hash"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Branches:      make([]domain.Branch, 0, len(s.branches)),
		Categories:    make([]domain.Category, 0, len(s.categories)),
		Products:      make([]domain.Product, 0, len(s.products)),
		Users:         make([]userRecord, 0, len(s.users)),
		Transactions:  make([]domain.Transaction, 0, len(s.transactions)),
		Movements:     append([]domain.StockMovement(nil), s.movements...),
		Registrations: make([]domain.Registration, 0, len(s.registrations)),
	}
	for _, b := range s.branches {
		snap.Branches = append(snap.Branches, b)
	}
	for _, c := range s.categories {
		snap.Categories = append(snap.Categories, c)
	}
	for _, p := range s.products {
		snap.Products = append(snap.Products, p)
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, userRecord{User: cloneUser(u), PasswordHash: u.PasswordHash})
	}
	for _, tx := range s.transactions {
		snap.Transactions = append(snap.Transactions, *cloneTransaction(tx))
	}
	for _, r := range s.registrations {
		snap.Registrations = append(snap.Registrations, cloneRegistration(r))
	}
	return snap
}

// Restore replaces the whole store content with snap.
func (s *Store) Restore(snap Snapshot) {
	next := New()
	for _, b := range snap.Branches {
		next.branches[b.ID] = b
	}
	for _, c := range snap.Categories {
		next.categories[c.ID] = c
	}
	for _, p := range snap.Products {
		next.products[p.ID] = p
	}
	for _, rec := range snap.Users {
		u := cloneUser(rec.User)
		u.PasswordHash = rec.PasswordHash
		next.users[u.ID] = u
	}
	for i := range snap.Transactions {
		next.transactions[snap.Transactions[i].ID] = cloneTransaction(&snap.Transactions[i])
	}
	next.movements = append(next.movements, snap.Movements...)
	for _, r := range snap.Registrations {
		next.registrations[r.ID] = cloneRegistration(r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = next.branches
	s.categories = next.categories
	s.products = next.products
	s.users = next.users
	s.transactions = next.transactions
	s.movements = next.movements
	s.registrations = next.registrations
}

// SaveFile writes the snapshot through a temp file and rename so a crash never
// leaves a truncated file behind.
func (s *Store) SaveFile(path string) error {
	raw, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// LoadFile restores from path. A missing file is not an error and reports
// false so callers can keep the seeded data.
func (s *Store) LoadFile(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	s.Restore(snap)
	return true, nil
}
