package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	orderColumns = `id, user_id, total_amount, status, shipping_snapshot, estimated_delivery,
		carrier, tracking_number, version, created_at, updated_at`
)

type orderLedger struct {
	db *sql.DB
}

// NewOrderLedger создаёт PostgreSQL-реализацию OrderLedger.
func NewOrderLedger(store *Store) domain.OrderLedger {
	return &orderLedger{db: store.DB()}
}

func (r *orderLedger) CreateOrder(ctx context.Context, in domain.NewOrder) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order := in.Build()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,'','',0,$7,$7)
	`,
		order.ID, order.UserID, order.TotalAmount.StringFixed(2), string(order.Status),
		order.ShippingSnapshot, order.EstimatedDelivery, order.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, domain.ErrOrderAlreadyExists
		}
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}

	return order, nil
}

// AddLineItem дописывает позицию. Конфликт по ID означает повтор реконсилера:
// возвращается уже записанная позиция, снимок цены не перезаписывается.
func (r *orderLedger) AddLineItem(ctx context.Context, orderID string, item domain.OrderItem) (domain.OrderItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	item.OrderID = orderID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO order_items (
			id, order_id, product_id, size, color, quantity, unit_price, image_url, vendor_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`,
		item.ID, orderID, item.ProductID, item.Size, item.Color, item.Quantity,
		item.UnitPrice.StringFixed(2), item.ImageURL, item.VendorID, item.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.OrderItem{}, domain.ErrOrderNotFound
		}
		return domain.OrderItem{}, fmt.Errorf("insert order item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return r.getItem(ctx, item.ID)
	}
	return item, nil
}

func (r *orderLedger) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

func (r *orderLedger) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *orderLedger) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    carrier = $2,
		    tracking_number = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
	`,
		string(order.Status),
		order.Tracking.Carrier,
		order.Tracking.TrackingNumber,
		time.Now().UTC(),
		order.ID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		exists, err = orderExistsTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			err = domain.ErrOrderNotFound
			return err
		}
		err = domain.ErrOrderVersionConflict
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save order: %w", err)
	}

	return nil
}

const itemColumns = `id, order_id, product_id, size, color, quantity, unit_price, image_url, vendor_id, created_at`

func (r *orderLedger) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

func (r *orderLedger) getItem(ctx context.Context, id string) (domain.OrderItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM order_items WHERE id = $1`, id))
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("select order item: %w", err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
		total  decimal.Decimal
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &total, &status, &order.ShippingSnapshot, &order.EstimatedDelivery,
		&order.Tracking.Carrier, &order.Tracking.TrackingNumber, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.TotalAmount = total
	order.Items = []domain.OrderItem{}
	return order, nil
}

func scanItem(row rowScanner) (domain.OrderItem, error) {
	var item domain.OrderItem
	err := row.Scan(
		&item.ID, &item.OrderID, &item.ProductID, &item.Size, &item.Color, &item.Quantity,
		&item.UnitPrice, &item.ImageURL, &item.VendorID, &item.CreatedAt,
	)
	return item, err
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == "23503"
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var _ domain.OrderLedger = (*orderLedger)(nil)
