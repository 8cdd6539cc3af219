package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInsufficientHeld  = errors.New("insufficient reserved quantity")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrVersionConflict   = errors.New("inventory version conflict")
	ErrNoReservation     = errors.New("reservation not found")
)

// ProductInventory is one ledger row. Version drives compare-and-swap saves:
// zero means "not stored yet".
type ProductInventory struct {
	ProductID         string          `json:"productId"`
	ProductName       string          `json:"productName"`
	AvailableQuantity int             `json:"availableQuantity"`
	ReservedQuantity  int             `json:"reservedQuantity"`
	SoldQuantity      int             `json:"soldQuantity"`
	Price             decimal.Decimal `json:"price"`
	Version           int64           `json:"version"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (p ProductInventory) CanReserve(qty int) bool {
	return qty > 0 && p.AvailableQuantity >= qty
}

// Reserve moves qty from available to reserved.
func (p *ProductInventory) Reserve(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if !p.CanReserve(qty) {
		return ErrInsufficientStock
	}
	p.AvailableQuantity -= qty
	p.ReservedQuantity += qty
	return nil
}

// Release moves qty from reserved back to available.
func (p *ProductInventory) Release(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if p.ReservedQuantity < qty {
		return ErrInsufficientHeld
	}
	p.ReservedQuantity -= qty
	p.AvailableQuantity += qty
	return nil
}

// Sell moves qty from reserved to sold.
func (p *ProductInventory) Sell(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if p.ReservedQuantity < qty {
		return ErrInsufficientHeld
	}
	p.ReservedQuantity -= qty
	p.SoldQuantity += qty
	return nil
}

// Restock adds qty to available. Zero is a no-op.
func (p *ProductInventory) Restock(qty int) error {
	if qty < 0 {
		return ErrInvalidQuantity
	}
	p.AvailableQuantity += qty
	return nil
}

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationReleased ReservationStatus = "RELEASED"
)

// Reservation is the dedup record for one (order, product) pair. Published tracks
// whether the event for the current Status reached the log, so a redelivery can
// finish the job.
type Reservation struct {
	OrderID   string
	ProductID string
	Quantity  int
	Status    ReservationStatus
	Published bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
