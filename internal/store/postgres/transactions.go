package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/store"
	"kasira/backend/internal/xid"
)

// CreateTransaction locks every referenced product row, validates the lines,
// runs finalize and writes the sale in one serializable transaction.
func (s *Store) CreateTransaction(ctx context.Context, draft domain.Transaction, finalize store.Finalizer) (*domain.Transaction, error) {
	if len(draft.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction has no items", store.ErrValidation)
	}

	var created domain.Transaction
	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		var branchExists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)`, draft.BranchID).Scan(&branchExists); err != nil {
			return err
		}
		if !branchExists {
			return fmt.Errorf("%w: branch %s", store.ErrNotFound, draft.BranchID)
		}

		productRows, err := pgTx.QueryContext(ctx, `
			SELECT `+productColumns+`
			FROM products
			WHERE id = ANY($1)
			ORDER BY id
			FOR UPDATE
		`, uniqueProductIDs(draft.Items))
		if err != nil {
			return err
		}
		products := make(map[string]domain.Product, len(draft.Items))
		for productRows.Next() {
			p, err := scanProduct(productRows)
			if err != nil {
				_ = productRows.Close()
				return err
			}
			products[p.ID] = p
		}
		if err := productRows.Err(); err != nil {
			_ = productRows.Close()
			return err
		}
		_ = productRows.Close()

		requested := make(map[string]int, len(draft.Items))
		items := make([]domain.TransactionItem, 0, len(draft.Items))
		for _, line := range draft.Items {
			if line.Quantity < 1 {
				return fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
			}
			product, ok := products[line.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
			}
			if product.BranchID != draft.BranchID {
				return fmt.Errorf("%w: %s", store.ErrUnauthorizedBranch, product.Name)
			}
			requested[product.ID] += line.Quantity
			if requested[product.ID] > product.Stock {
				return &store.OutOfStockError{
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
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = time.Now().UTC()
		}
		if finalize != nil {
			if err := finalize(&tx); err != nil {
				return err
			}
		}
		if tx.PaymentStatus == "" {
			tx.PaymentStatus = domain.PaymentPending
		}

		details, err := encodeDetails(tx.PaymentDetails)
		if err != nil {
			return err
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, branch_id, cashier_id, subtotal, discount, tax, total,
				payment_method, payment_status, payment_details, created_at, settled_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, tx.ID, tx.BranchID, tx.CashierID, tx.Subtotal, tx.Discount, tx.Tax, tx.Total,
			tx.PaymentMethod, tx.PaymentStatus, details, tx.CreatedAt, nullTime(tx.SettledAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: transaction %s exists", store.ErrConflict, tx.ID)
			}
			return err
		}

		now := time.Now().UTC()
		for _, item := range tx.Items {
			if _, err := pgTx.ExecContext(ctx, `
				INSERT INTO transaction_items (transaction_id, product_id, name, quantity, price_snapshot, cost_snapshot)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, tx.ID, item.ProductID, item.Name, item.Quantity, item.PriceSnapshot, item.CostSnapshot); err != nil {
				return err
			}
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE products SET stock = stock - $2, updated_at = $3 WHERE id = $1
			`, item.ProductID, item.Quantity, now); err != nil {
				return err
			}
			if err := insertMovement(ctx, pgTx, domain.StockMovement{
				ProductID: item.ProductID,
				BranchID:  tx.BranchID,
				Delta:     -item.Quantity,
				Reason:    domain.StockReasonSale,
				Reference: tx.ID,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		created = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

const transactionColumns = `id, branch_id, cashier_id, subtotal, discount, tax, total, payment_method, payment_status, payment_details, created_at, settled_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var tx domain.Transaction
	var details []byte
	var settledAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.BranchID, &tx.CashierID, &tx.Subtotal, &tx.Discount, &tx.Tax, &tx.Total,
		&tx.PaymentMethod, &tx.PaymentStatus, &details, &tx.CreatedAt, &settledAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.PaymentDetails, err = decodeDetails(details); err != nil {
		return domain.Transaction{}, err
	}
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		tx.SettledAt = &at
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	items, err := s.loadItems(ctx, s.db, []string{tx.ID})
	if err != nil {
		return nil, err
	}
	tx.Items = items[tx.ID]
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	conds := []string{}
	args := []any{}
	if len(filter.BranchIDs) > 0 {
		args = append(args, filter.BranchIDs)
		conds = append(conds, fmt.Sprintf("branch_id = ANY($%d)", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(txs) == 0 {
		return txs, nil
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	items, err := s.loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].Items = items[txs[i].ID]
	}
	return txs, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) loadItems(ctx context.Context, q queryer, txIDs []string) (map[string][]domain.TransactionItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT transaction_id, product_id, name, quantity, price_snapshot, cost_snapshot
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY id ASC
	`, txIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.TransactionItem, len(txIDs))
	for rows.Next() {
		var txID string
		var item domain.TransactionItem
		if err := rows.Scan(&txID, &item.ProductID, &item.Name, &item.Quantity, &item.PriceSnapshot, &item.CostSnapshot); err != nil {
			return nil, err
		}
		items[txID] = append(items[txID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SettleTransaction(ctx context.Context, id string, status string, at time.Time) (*domain.Transaction, error) {
	var settled domain.Transaction
	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := scanTransaction(pgTx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: transaction %s", store.ErrNotFound, id)
			}
			return err
		}
		if err := store.CheckSettlement(tx.PaymentStatus, status); err != nil {
			return fmt.Errorf("transaction %s: %w", id, err)
		}
		items, err := s.loadItems(ctx, pgTx, []string{id})
		if err != nil {
			return err
		}
		tx.Items = items[id]

		settledAt := at.UTC()
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE transactions
			SET payment_status = $2, settled_at = $3
			WHERE id = $1 AND payment_status = $4
		`, id, status, settledAt, domain.PaymentPending); err != nil {
			return err
		}

		if store.ReleasesStock(status) {
			for _, item := range tx.Items {
				res, err := pgTx.ExecContext(ctx, `
					UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1
				`, item.ProductID, item.Quantity, settledAt)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 0 {
					continue
				}
				if err := insertMovement(ctx, pgTx, domain.StockMovement{
					ProductID: item.ProductID,
					BranchID:  tx.BranchID,
					Delta:     item.Quantity,
					Reason:    domain.StockReasonRelease,
					Reference: id,
					CreatedAt: settledAt,
				}); err != nil {
					return err
				}
			}
		}

		tx.PaymentStatus = status
		tx.SettledAt = &settledAt
		settled = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &settled, nil
}

const registrationColumns = `id, user_id, package, amount, payment_method, payment_status, payment_details, created_at, settled_at`

func scanRegistration(row rowScanner) (domain.Registration, error) {
	var reg domain.Registration
	var details []byte
	var settledAt sql.NullTime
	err := row.Scan(&reg.ID, &reg.UserID, &reg.Package, &reg.Amount, &reg.PaymentMethod, &reg.PaymentStatus, &details, &reg.CreatedAt, &settledAt)
	if err != nil {
		return domain.Registration{}, err
	}
	if reg.PaymentDetails, err = decodeDetails(details); err != nil {
		return domain.Registration{}, err
	}
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		reg.SettledAt = &at
	}
	reg.CreatedAt = reg.CreatedAt.UTC()
	return reg, nil
}

func (s *Store) CreateRegistration(ctx context.Context, registration domain.Registration) (*domain.Registration, error) {
	if registration.ID == "" {
		registration.ID = xid.New("REG")
	}
	if registration.CreatedAt.IsZero() {
		registration.CreatedAt = time.Now().UTC()
	}
	if registration.PaymentStatus == "" {
		registration.PaymentStatus = domain.PaymentPending
	}
	details, err := encodeDetails(registration.PaymentDetails)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registrations (`+registrationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, registration.ID, registration.UserID, registration.Package, registration.Amount, registration.PaymentMethod,
		registration.PaymentStatus, details, registration.CreatedAt, nullTime(registration.SettledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: registration %s exists", store.ErrConflict, registration.ID)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, registration.UserID)
		}
		return nil, err
	}
	return &registration, nil
}

func (s *Store) GetRegistration(ctx context.Context, id string) (*domain.Registration, error) {
	reg, err := scanRegistration(s.db.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: registration %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &reg, nil
}

func (s *Store) SettleRegistration(ctx context.Context, id string, status string, at time.Time) (*domain.Registration, error) {
	var settled domain.Registration
	err := s.inTx(ctx, func(pgTx *sql.Tx) error {
		reg, err := scanRegistration(pgTx.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: registration %s", store.ErrNotFound, id)
			}
			return err
		}
		if err := store.CheckSettlement(reg.PaymentStatus, status); err != nil {
			return fmt.Errorf("registration %s: %w", id, err)
		}
		settledAt := at.UTC()
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE registrations SET payment_status = $2, settled_at = $3 WHERE id = $1
		`, id, status, settledAt); err != nil {
			return err
		}
		reg.PaymentStatus = status
		reg.SettledAt = &settledAt
		settled = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &settled, nil
}

func uniqueProductIDs(items []domain.TransactionItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func encodeDetails(details *domain.PaymentDetails) (any, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeDetails(raw []byte) (*domain.PaymentDetails, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var details domain.PaymentDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("decode payment details: %w", err)
	}
	return &details, nil
}
