package aggregator

import (
	"context"
	"sync"
	"time"
)

// Contribution is one RESERVED event folded into the views. Partition and
// Offset make Apply idempotent under redelivery.
type Contribution struct {
	Partition   int
	Offset      int64
	ProductID   string
	WindowStart time.Time
}

// Counts are the view values after a contribution.
type Counts struct {
	Running int64
	Window  int64
}

type Views interface {
	// Apply increments both counts unless the offset was already applied on
	// that partition, in which case it reports false.
	Apply(ctx context.Context, c Contribution) (Counts, bool, error)
	Running(ctx context.Context, productID string) (int64, error)
	Window(ctx context.Context, start time.Time, productID string) (int64, error)
	// DropBefore forgets windows starting before cutoff.
	DropBefore(ctx context.Context, cutoff time.Time) error
}

type MemoryViews struct {
	mu      sync.Mutex
	offsets map[int]int64
	running map[string]int64
	windows map[time.Time]map[string]int64
}

func NewMemoryViews() *MemoryViews {
	return &MemoryViews{
		offsets: map[int]int64{},
		running: map[string]int64{},
		windows: map[time.Time]map[string]int64{},
	}
}

func (v *MemoryViews) Apply(_ context.Context, c Contribution) (Counts, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.offsets[c.Partition]; ok && c.Offset <= last {
		return Counts{}, false, nil
	}
	v.offsets[c.Partition] = c.Offset

	v.running[c.ProductID]++
	w, ok := v.windows[c.WindowStart]
	if !ok {
		w = map[string]int64{}
		v.windows[c.WindowStart] = w
	}
	w[c.ProductID]++
	return Counts{Running: v.running[c.ProductID], Window: w[c.ProductID]}, true, nil
}

func (v *MemoryViews) Running(_ context.Context, productID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running[productID], nil
}

func (v *MemoryViews) Window(_ context.Context, start time.Time, productID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.windows[start][productID], nil
}

func (v *MemoryViews) DropBefore(_ context.Context, cutoff time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for start := range v.windows {
		if start.Before(cutoff) {
			delete(v.windows, start)
		}
	}
	return nil
}
