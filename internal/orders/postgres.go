package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-saga/internal/events"
)

// PgRepository stores orders, their items and the outbox in one database.
type PgRepository struct{ DB *pgxpool.Pool }

func (r *PgRepository) Create(ctx context.Context, o Order, outbox []OutboxRecord) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_amount, shipping_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		o.ID, o.UserID, string(o.Status), o.TotalAmount.String(), o.ShippingAddress, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, product_id, product_name, qty, price)
			VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
			o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.Price.String())
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := insertOutbox(ctx, tx, outbox); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id string, from, to events.OrderStatus, at time.Time, outbox []OutboxRecord) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() != 1 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}

	if err := insertOutbox(ctx, tx, outbox); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, recs []OutboxRecord) error {
	for _, rec := range recs {
		headers, err := json.Marshal(rec.Headers)
		if err != nil {
			return fmt.Errorf("encode outbox headers: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox(id, topic, msg_key, payload, headers, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, rec.Topic, rec.Key, rec.Value, headers, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
	}
	return nil
}

const selectOrder = `SELECT id, user_id, status, total_amount::text, shipping_address, created_at, updated_at FROM orders`

func (r *PgRepository) FindByID(ctx context.Context, id string) (Order, error) {
	out, err := r.query(ctx, selectOrder+` WHERE id=$1`, id)
	if err != nil {
		return Order{}, err
	}
	if len(out) == 0 {
		return Order{}, ErrNotFound
	}
	return out[0], nil
}

func (r *PgRepository) FindByUser(ctx context.Context, userID string) ([]Order, error) {
	return r.query(ctx, selectOrder+` WHERE user_id=$1 ORDER BY created_at, id`, userID)
}

func (r *PgRepository) FindAll(ctx context.Context) ([]Order, error) {
	return r.query(ctx, selectOrder+` ORDER BY created_at, id`)
}

func (r *PgRepository) query(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []Order
		ids []string
	)
	for rows.Next() {
		var (
			o             Order
			status, total string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &status, &total, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Status = events.OrderStatus(status)
		if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse total of %s: %w", o.ID, err)
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r *PgRepository) items(ctx context.Context, orderIDs []string) (map[string][]Item, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, product_name, qty, price::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line_no`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]Item{}
	for rows.Next() {
		var (
			orderID, price string
			it             Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.ProductName, &it.Quantity, &price); err != nil {
			return nil, err
		}
		if it.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price on %s: %w", orderID, err)
		}
		out[orderID] = append(out[orderID], it)
	}
	return out, rows.Err()
}

func (r *PgRepository) Pending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, topic, msg_key, payload, headers, attempts, last_error, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var (
			rec     OutboxRecord
			headers []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Key, &rec.Value, &headers, &rec.Attempts, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, err
		}
		var hs []kafkago.Header
		if err := json.Unmarshal(headers, &hs); err != nil {
			return nil, fmt.Errorf("decode outbox headers of %s: %w", rec.ID, err)
		}
		rec.Headers = hs
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PgRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `UPDATE outbox SET sent_at=$2 WHERE id=$1`, id, at)
	return err
}

func (r *PgRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.DB.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=$2 WHERE id=$1`, id, reason)
	return err
}

var _ interface {
	Repository
	OutboxStore
} = (*PgRepository)(nil)
