package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PgLedger stores ProductInventory rows in product_inventory.
type PgLedger struct{ DB *pgxpool.Pool }

const selectInventory = `SELECT product_id, product_name, available_quantity, reserved_quantity,
       sold_quantity, price::text, version, updated_at FROM product_inventory`

func scanInventory(row pgx.Row) (ProductInventory, error) {
	var (
		p     ProductInventory
		price string
	)
	if err := row.Scan(&p.ProductID, &p.ProductName, &p.AvailableQuantity, &p.ReservedQuantity,
		&p.SoldQuantity, &price, &p.Version, &p.UpdatedAt); err != nil {
		return ProductInventory{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return ProductInventory{}, fmt.Errorf("parse price of %s: %w", p.ProductID, err)
	}
	p.Price = d
	return p, nil
}

func (r *PgLedger) FindByID(ctx context.Context, productID string) (ProductInventory, error) {
	p, err := scanInventory(r.DB.QueryRow(ctx, selectInventory+` WHERE product_id=$1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductInventory{}, ErrNotFound
	}
	return p, err
}

func (r *PgLedger) FindAll(ctx context.Context) ([]ProductInventory, error) {
	rows, err := r.DB.Query(ctx, selectInventory+` ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProductInventory
	for rows.Next() {
		p, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PgLedger) ExistsByID(ctx context.Context, productID string) (bool, error) {
	var ok bool
	err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM product_inventory WHERE product_id=$1)`, productID).Scan(&ok)
	return ok, err
}

func (r *PgLedger) Count(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM product_inventory`).Scan(&n)
	return n, err
}

// Save inserts when inv.Version is zero and otherwise updates WHERE version matches.
func (r *PgLedger) Save(ctx context.Context, inv ProductInventory) (ProductInventory, error) {
	if inv.Version == 0 {
		ct, err := r.DB.Exec(ctx, `
			INSERT INTO product_inventory(product_id, product_name, available_quantity, reserved_quantity,
			                              sold_quantity, price, version, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6::numeric,1,$7)
			ON CONFLICT (product_id) DO NOTHING`,
			inv.ProductID, inv.ProductName, inv.AvailableQuantity, inv.ReservedQuantity,
			inv.SoldQuantity, inv.Price.String(), inv.UpdatedAt)
		if err != nil {
			return ProductInventory{}, err
		}
		if ct.RowsAffected() != 1 {
			return ProductInventory{}, ErrVersionConflict
		}
		inv.Version = 1
		return inv, nil
	}

	ct, err := r.DB.Exec(ctx, `
		UPDATE product_inventory
		SET product_name=$2, available_quantity=$3, reserved_quantity=$4, sold_quantity=$5,
		    price=$6::numeric, version=version+1, updated_at=$7
		WHERE product_id=$1 AND version=$8`,
		inv.ProductID, inv.ProductName, inv.AvailableQuantity, inv.ReservedQuantity,
		inv.SoldQuantity, inv.Price.String(), inv.UpdatedAt, inv.Version)
	if err != nil {
		return ProductInventory{}, err
	}
	if ct.RowsAffected() != 1 {
		exists, err := r.ExistsByID(ctx, inv.ProductID)
		if err != nil {
			return ProductInventory{}, err
		}
		if !exists {
			return ProductInventory{}, ErrNotFound
		}
		return ProductInventory{}, ErrVersionConflict
	}
	inv.Version++
	return inv, nil
}

// ReserveFor inserts the dedup record and moves stock from available to reserved in
// one transaction. A record that already exists leaves the row untouched.
func (r *PgLedger) ReserveFor(ctx context.Context, res Reservation) (ProductInventory, ProductInventory, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ProductInventory{}, ProductInventory{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, qty, status, published, created_at, updated_at)
		VALUES ($1,$2,$3,$4,false,$5,$6)
		ON CONFLICT (order_id, product_id) DO NOTHING`,
		res.OrderID, res.ProductID, res.Quantity, string(ReservationReserved), res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return ProductInventory{}, ProductInventory{}, false, err
	}
	if ct.RowsAffected() == 0 {
		return ProductInventory{}, ProductInventory{}, false, nil
	}

	before, err := scanInventory(tx.QueryRow(ctx, selectInventory+` WHERE product_id=$1 FOR UPDATE`, res.ProductID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductInventory{}, ProductInventory{}, false, ErrNotFound
	}
	if err != nil {
		return ProductInventory{}, ProductInventory{}, false, err
	}
	after := before
	if err := after.Reserve(res.Quantity); err != nil {
		return before, before, false, err
	}
	after.UpdatedAt = res.UpdatedAt
	if err := casStock(ctx, tx, after); err != nil {
		return before, before, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return before, before, false, err
	}
	after.Version++
	return before, after, true, nil
}

// ReleaseFor flips a RESERVED record to RELEASED and returns its quantity in one transaction.
func (r *PgLedger) ReleaseFor(ctx context.Context, orderID, productID string, at time.Time) (ProductInventory, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ProductInventory{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var qty int
	err = tx.QueryRow(ctx, `
		UPDATE reservations SET status=$3, published=false, updated_at=$4
		WHERE order_id=$1 AND product_id=$2 AND status=$5
		RETURNING qty`,
		orderID, productID, string(ReservationReleased), at, string(ReservationReserved)).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := r.FindByID(ctx, productID)
		return cur, false, err
	}
	if err != nil {
		return ProductInventory{}, false, err
	}

	inv, err := scanInventory(tx.QueryRow(ctx, selectInventory+` WHERE product_id=$1 FOR UPDATE`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductInventory{}, false, ErrNotFound
	}
	if err != nil {
		return ProductInventory{}, false, err
	}
	if err := inv.Release(qty); err != nil {
		return inv, false, err
	}
	inv.UpdatedAt = at
	if err := casStock(ctx, tx, inv); err != nil {
		return inv, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return inv, false, err
	}
	inv.Version++
	return inv, true, nil
}

func casStock(ctx context.Context, tx pgx.Tx, inv ProductInventory) error {
	ct, err := tx.Exec(ctx, `
		UPDATE product_inventory
		SET available_quantity=$2, reserved_quantity=$3, sold_quantity=$4, version=version+1, updated_at=$5
		WHERE product_id=$1 AND version=$6`,
		inv.ProductID, inv.AvailableQuantity, inv.ReservedQuantity, inv.SoldQuantity, inv.UpdatedAt, inv.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrVersionConflict
	}
	return nil
}

// PgReservations stores the (order, product) dedup records.
type PgReservations struct{ DB *pgxpool.Pool }

const selectReservation = `SELECT order_id, product_id, qty, status, published, created_at, updated_at FROM reservations`

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		res    Reservation
		status string
	)
	err := row.Scan(&res.OrderID, &res.ProductID, &res.Quantity, &status, &res.Published, &res.CreatedAt, &res.UpdatedAt)
	res.Status = ReservationStatus(status)
	return res, err
}

func (r *PgReservations) Find(ctx context.Context, orderID, productID string) (Reservation, error) {
	res, err := scanReservation(r.DB.QueryRow(ctx, selectReservation+` WHERE order_id=$1 AND product_id=$2`, orderID, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNoReservation
	}
	return res, err
}

func (r *PgReservations) ListByOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx, selectReservation+` WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *PgReservations) Save(ctx context.Context, res Reservation) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, qty, status, published, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (order_id, product_id)
		DO UPDATE SET qty=EXCLUDED.qty, status=EXCLUDED.status, published=EXCLUDED.published, updated_at=EXCLUDED.updated_at`,
		res.OrderID, res.ProductID, res.Quantity, string(res.Status), res.Published, res.CreatedAt, res.UpdatedAt)
	return err
}
