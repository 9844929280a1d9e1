package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/store"
	"kasira/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const maxTxAttempts = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn in a serializable transaction and retries serialization
// failures. fn must be safe to run more than once.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		err = fn(pgTx)
		if err == nil {
			err = pgTx.Commit()
		}
		if err == nil {
			return nil
		}
		_ = pgTx.Rollback()
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", store.ErrConflict, lastErr)
}

func (s *Store) ListBranches(ctx context.Context, ownerID string) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, location, owner_id, created_at
		FROM branches
		WHERE $1 = '' OR owner_id = $1
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Location, &b.OwnerID, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, owner_id, created_at
		FROM branches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Location, &b.OwnerID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.Name == "" || branch.OwnerID == "" {
		return nil, store.ErrValidation
	}
	if branch.ID == "" {
		branch.ID = xid.New("BR")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, location, owner_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, branch.ID, branch.Name, branch.Location, branch.OwnerID, branch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: branch %s exists", store.ErrConflict, branch.ID)
		}
		return nil, err
	}
	return &branch, nil
}

func (s *Store) UpdateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	var updated domain.Branch
	err := s.db.QueryRowContext(ctx, `
		UPDATE branches
		SET name = $2, location = $3
		WHERE id = $1
		RETURNING id, name, location, owner_id, created_at
	`, branch.ID, branch.Name, branch.Location).Scan(&updated.ID, &updated.Name, &updated.Location, &updated.OwnerID, &updated.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: branch %s", store.ErrNotFound, branch.ID)
		}
		return nil, err
	}
	updated.CreatedAt = updated.CreatedAt.UTC()
	return &updated, nil
}

// DeleteBranch removes the branch with its cashiers; products follow through
// the foreign key cascade.
func (s *Store) DeleteBranch(ctx context.Context, id string) error {
	return s.inTx(ctx, func(pgTx *sql.Tx) error {
		if _, err := pgTx.ExecContext(ctx, `DELETE FROM users WHERE role = $1 AND branch_id = $2`, domain.RoleCashier, id); err != nil {
			return err
		}
		res, err := pgTx.ExecContext(ctx, `DELETE FROM branches WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: branch %s", store.ErrNotFound, id)
		}
		return nil
	})
}

func (s *Store) ListCategories(ctx context.Context, ownerID string) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id FROM categories
		WHERE owner_id = '' OR owner_id = $1
		ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.OwnerID); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.Name == "" {
		return nil, store.ErrValidation
	}
	if category.ID == "" {
		category.ID = xid.New("CAT")
	}
	errExists := fmt.Errorf("%w: category %s exists", store.ErrConflict, category.Name)
	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		var taken bool
		if err := pgTx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM categories
				WHERE lower(name) = lower($1) AND (owner_id = '' OR owner_id = $2)
			)`, category.Name, category.OwnerID).Scan(&taken); err != nil {
			return err
		}
		if taken {
			return errExists
		}
		_, err := pgTx.ExecContext(ctx, `INSERT INTO categories (id, name, owner_id) VALUES ($1,$2,$3)`,
			category.ID, category.Name, category.OwnerID)
		if isUniqueViolation(err) {
			return errExists
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &category, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name, owner_id FROM categories WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	return execAffectingOne(ctx, s.db, "category", id, `DELETE FROM categories WHERE id = $1`)
}

const productColumns = `id, branch_id, name, category, price, cost_price, stock, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.BranchID, &p.Name, &p.Category, &p.Price, &p.CostPrice, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, branchIDs []string) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	args := []any{}
	if len(branchIDs) > 0 {
		query += ` WHERE branch_id = ANY($1)`
		args = append(args, branchIDs)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price < 1 || product.CostPrice < 0 || product.Stock < 0 {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("PRD")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)`, product.BranchID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: branch %s", store.ErrNotFound, product.BranchID)
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO products (`+productColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, product.ID, product.BranchID, product.Name, product.Category, product.Price, product.CostPrice, product.Stock, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: product %s exists", store.ErrConflict, product.ID)
			}
			return err
		}
		if product.Stock > 0 {
			return insertMovement(ctx, pgTx, domain.StockMovement{
				ProductID: product.ID,
				BranchID:  product.BranchID,
				Delta:     product.Stock,
				Reason:    domain.StockReasonInitial,
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price < 1 || product.CostPrice < 0 {
		return nil, store.ErrValidation
	}
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price = $4, cost_price = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, product.ID, product.Name, product.Category, product.Price, product.CostPrice))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return execAffectingOne(ctx, s.db, "product", id, `DELETE FROM products WHERE id = $1`)
}

func (s *Store) AdjustStock(ctx context.Context, movement domain.StockMovement) (*domain.Product, error) {
	var updated domain.Product
	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		p, err := scanProduct(pgTx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, movement.ProductID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: product %s", store.ErrNotFound, movement.ProductID)
			}
			return err
		}
		next := p.Stock + movement.Delta
		if next < 0 {
			return fmt.Errorf("%w: stock of %s cannot go below zero (have %d, change %d)", store.ErrValidation, p.Name, p.Stock, movement.Delta)
		}
		now := time.Now().UTC()
		if _, err := pgTx.ExecContext(ctx, `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1`, p.ID, next, now); err != nil {
			return err
		}

		m := movement
		m.BranchID = p.BranchID
		m.CreatedAt = now
		if m.Reason == "" {
			m.Reason = domain.StockReasonAdjust
		}
		if err := insertMovement(ctx, pgTx, m); err != nil {
			return err
		}
		p.Stock = next
		p.UpdatedAt = now
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, branch_id, delta, reason, COALESCE(reference,''), COALESCE(note,''), created_at
		FROM stock_movements
		WHERE $1 = '' OR product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.BranchID, &m.Delta, &m.Reason, &m.Reference, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func insertMovement(ctx context.Context, pgTx *sql.Tx, m domain.StockMovement) error {
	if m.ID == "" {
		m.ID = xid.New("MOV")
	}
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, branch_id, delta, reason, reference, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.ProductID, m.BranchID, m.Delta, m.Reason, nullIfEmpty(m.Reference), nullIfEmpty(m.Note), m.CreatedAt)
	return err
}

const userColumns = `id, name, email, password_hash, role, COALESCE(branch_id,''), COALESCE(business_name,''), COALESCE(package_type,''), status, expired_at, created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var expiredAt sql.NullTime
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.BranchID, &u.BusinessName, &u.PackageType, &u.Status, &expiredAt, &u.CreatedAt); err != nil {
		return domain.User{}, err
	}
	if expiredAt.Valid {
		at := expiredAt.Time.UTC()
		u.ExpiredAt = &at
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, filter store.UserFilter) ([]domain.User, error) {
	conds := []string{}
	args := []any{}
	if filter.Role != "" {
		args = append(args, filter.Role)
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if len(filter.BranchIDs) > 0 {
		args = append(args, filter.BranchIDs)
		conds = append(conds, fmt.Sprintf("branch_id = ANY($%d)", len(args)))
	}
	query := `SELECT ` + userColumns + ` FROM users`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, email)
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Email == "" || user.Role == "" {
		return nil, store.ErrValidation
	}
	user.Email = strings.ToLower(user.Email)
	if user.ID == "" {
		user.ID = xid.New("USR")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, branch_id, business_name, package_type, status, expired_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, nullIfEmpty(user.BranchID),
		nullIfEmpty(user.BusinessName), nullIfEmpty(user.PackageType), user.Status, nullTime(user.ExpiredAt), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email %s already registered", store.ErrConflict, user.Email)
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET name = $2, email = $3, password_hash = COALESCE(NULLIF($4,''), password_hash), role = $5,
			branch_id = $6, business_name = $7, package_type = $8, status = $9, expired_at = $10
		WHERE id = $1
		RETURNING `+userColumns, user.ID, user.Name, strings.ToLower(user.Email), user.PasswordHash, user.Role,
		nullIfEmpty(user.BranchID), nullIfEmpty(user.BusinessName), nullIfEmpty(user.PackageType), user.Status, nullTime(user.ExpiredAt)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, user.ID)
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email %s already registered", store.ErrConflict, user.Email)
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return execAffectingOne(ctx, s.db, "user", id, `DELETE FROM users WHERE id = $1`)
}

func execAffectingOne(ctx context.Context, db *sql.DB, kind string, id string, query string) error {
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

var _ store.Repository = (*Store)(nil)
