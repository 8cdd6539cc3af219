package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-saga/internal/aggregator"
	"github.com/ariefcatur/go-order-saga/internal/events"
)

type dropForwarder struct{}

func (dropForwarder) Publish(kafkago.Message) error { return nil }

func TestAnalytics_Reservations(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	agg := aggregator.New(aggregator.NewMemoryViews(), dropForwarder{}, nil)
	for i, at := range []time.Time{base.Add(5 * time.Minute), base.Add(65 * time.Minute)} {
		ev := events.InventoryEvent{ProductID: "prod001", Quantity: 1, UpdateType: events.UpdateReserved, OrderID: "o-1", Timestamp: at}
		require.NoError(t, agg.Handle(context.Background(), kafkago.Message{Offset: int64(i), Value: events.MustMarshal(ev)}))
	}

	r := NewRouter(nil)
	(&AnalyticsHandler{Agg: agg, Now: func() time.Time { return base.Add(90 * time.Minute) }}).Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	get := func(path string) (int, aggregator.Update) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var u aggregator.Update
		_ = json.NewDecoder(resp.Body).Decode(&u)
		return resp.StatusCode, u
	}

	code, u := get("/analytics/reservations/prod001")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, u.Running)
	assert.EqualValues(t, 1, u.WindowCount)
	assert.True(t, u.WindowStart.Equal(base.Add(time.Hour)))

	code, u = get("/analytics/reservations/prod001?at=2025-03-01T10:30:00Z")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, u.WindowStart.Equal(base))
	assert.EqualValues(t, 1, u.WindowCount)

	code, _ = get("/analytics/reservations/prod001?at=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)
}
