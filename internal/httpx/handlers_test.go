package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-saga/internal/auth"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

type sink struct {
	mu   sync.Mutex
	sent []kafkago.Message
}

func (s *sink) Send(_ context.Context, msgs ...kafkago.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msgs...)
	return nil
}

func (s *sink) messages() []kafkago.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kafkago.Message(nil), s.sent...)
}

type testServer struct {
	srv      *httptest.Server
	verifier *auth.Verifier
	coord    *orders.Coordinator
	out      *sink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	ledger := inventory.NewMemoryLedger()
	_, err := inventory.Seed(ctx, ledger, inventory.DefaultCatalog(), nil)
	require.NoError(t, err)

	out := &sink{}
	engine := inventory.NewEngine(ledger, ledger.Reservations(), out, nil)
	coord := orders.NewCoordinator(orders.NewMemoryRepository(), out, nil)
	v := auth.NewVerifier("test-secret-test-secret-test-secret")

	r := NewRouter(nil)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(v))
		(&OrdersHandler{Coord: coord}).Register(r)
		(&InventoryHandler{Engine: engine}).Register(r)
	})
	ts := &testServer{srv: httptest.NewServer(r), verifier: v, coord: coord, out: out}
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, p *auth.Principal, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		tok, err := ts.verifier.Issue(*p, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var (
	alice = auth.Principal{Username: "alice", Roles: []string{"ROLE_USER"}}
	bob   = auth.Principal{Username: "bob", Roles: []string{"ROLE_USER"}}
	ops   = auth.Principal{Username: "ops", Roles: []string{"ROLE_ADMIN"}}
)

const laptopOrder = `{"items":[{"productId":"prod001","productName":"Laptop","quantity":5,"price":"999.99"}],"shippingAddress":"1 Main St"}`

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrders_RequireToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, nil, http.MethodPost, "/orders", laptopOrder)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOrders_CreateAndRead(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, &alice, http.MethodPost, "/orders", laptopOrder)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", body["userId"])
	assert.Equal(t, "CREATED", body["status"])
	assert.Equal(t, "4999.95", body["totalAmount"])
	assert.Equal(t, "delivered", body["publishOutcome"])
	id := body["id"].(string)
	assert.Len(t, ts.out.sent, 2)

	resp, body = ts.do(t, &alice, http.MethodGet, "/orders/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])

	resp, body = ts.do(t, &alice, http.MethodGet, "/orders/"+id+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CREATED", body["status"])

	resp, _ = ts.do(t, &bob, http.MethodGet, "/orders/"+id, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, &alice, http.MethodGet, "/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOrders_ListByUser(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, &alice, http.MethodPost, "/orders", laptopOrder)
	ts.do(t, &alice, http.MethodPost, "/orders", laptopOrder)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/orders/user/alice", nil)
	tok, _ := ts.verifier.Issue(alice, time.Minute)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []orders.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 2)

	r2, _ := ts.do(t, &bob, http.MethodGet, "/orders/user/alice", "")
	assert.Equal(t, http.StatusForbidden, r2.StatusCode)
}

func TestOrders_InvalidRequest(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, &alice, http.MethodPost, "/orders", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, &alice, http.MethodPost, "/orders", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, &alice, http.MethodPost, "/orders",
		`{"items":[{"productId":"prod001","quantity":2,"price":"1"},{"productId":"prod001","quantity":3,"price":"1"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "product prod001 already listed")
	assert.Empty(t, ts.out.messages())
}

func TestOrders_CancelAndAdvance(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.do(t, &alice, http.MethodPost, "/orders", laptopOrder)
	id := body["id"].(string)

	resp, _ := ts.do(t, &alice, http.MethodPost, "/orders/"+id+"/status", `{"status":"SHIPPED"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, &ops, http.MethodPost, "/orders/"+id+"/status", `{"status":"DELIVERED"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, &ops, http.MethodPost, "/orders/"+id+"/status", `{"status":"BOGUS"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, &alice, http.MethodPost, "/orders/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])
}

func TestInventory_GetAndRestock(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, &alice, http.MethodGet, "/inventory/prod001", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 50, body["availableQuantity"])

	resp, _ = ts.do(t, &alice, http.MethodPost, "/inventory/prod001/restock/5", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, &ops, http.MethodPost, "/inventory/prod001/restock/5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 55, body["availableQuantity"])

	resp, _ = ts.do(t, &ops, http.MethodPost, "/inventory/prod001/restock/-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, &ops, http.MethodPost, "/inventory/prod001/restock/many", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, &ops, http.MethodPost, "/inventory/prod999/restock/5", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
