package memory

import (
	"log"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasira/backend/internal/domain"
)

// Seed account passwords come from SEED_OWNER_PASSWORD and
// SEED_CASHIER_PASSWORD. Dev defaults are used with a warning when unset; the
// seeded store is never used when DATABASE_URL is configured.
func seedUsers(now time.Time) map[string]domain.User {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "kasir123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	expiry := now.AddDate(0, 0, 30)
	users := map[string]domain.User{}
	for _, u := range []struct {
		id       string
		name     string
		email    string
		password string
		role     string
		branchID string
	}{
		{"u-owner", "Pemilik Kasira", "owner@kasira.id", ownerPwd, domain.RoleOwner, ""},
		{"u-kasir", "Kasir Pusat", "kasir@kasira.id", cashierPwd, domain.RoleCashier, "b1"},
		{"u-kasir2", "Kasir Bandung", "kasir2@kasira.id", cashierPwd, domain.RoleCashier, "b2"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.email, err)
		}
		user := domain.User{
			ID:           u.id,
			Name:         u.name,
			Email:        u.email,
			PasswordHash: string(hash),
			Role:         u.role,
			BranchID:     u.branchID,
			Status:       domain.AccountActive,
			CreatedAt:    now,
		}
		if u.role == domain.RoleOwner {
			user.BusinessName = "Kasira Demo"
			user.PackageType = domain.PackagePro
			user.ExpiredAt = &expiry
		}
		users[u.id] = user
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with one owner, two branches and a small menu.
func NewSeeded() *Store {
	now := time.Now().UTC()
	s := New()
	s.users = seedUsers(now)

	for _, b := range []domain.Branch{
		{ID: "b1", Name: "Kasira Pusat", Location: "Jakarta", OwnerID: "u-owner", CreatedAt: now},
		{ID: "b2", Name: "Kasira Bandung", Location: "Bandung", OwnerID: "u-owner", CreatedAt: now.Add(time.Second)},
	} {
		s.branches[b.ID] = b
	}
	for _, c := range []domain.Category{
		{ID: "c1", Name: "Makanan"},
		{ID: "c2", Name: "Minuman"},
	} {
		s.categories[c.ID] = c
	}
	for _, p := range []domain.Product{
		{ID: "p1", BranchID: "b1", Name: "Nasi Goreng", Category: "Makanan", Price: 25000, CostPrice: 15000, Stock: 50},
		{ID: "p2", BranchID: "b1", Name: "Es Teh", Category: "Minuman", Price: 5000, CostPrice: 1500, Stock: 100},
		{ID: "p3", BranchID: "b2", Name: "Mie Ayam", Category: "Makanan", Price: 20000, CostPrice: 11000, Stock: 40},
		{ID: "p4", BranchID: "b2", Name: "Kopi Susu", Category: "Minuman", Price: 18000, CostPrice: 8000, Stock: 60},
	} {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	return s
}
