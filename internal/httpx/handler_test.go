package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/analytics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/checkout"
	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/gateway"
	"github.com/ariefcatur/go-pharmacy-orders/internal/identity"
	"github.com/ariefcatur/go-pharmacy-orders/internal/orders"
	"github.com/ariefcatur/go-pharmacy-orders/internal/payments"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okGateway struct{}

func (okGateway) Verify(_ context.Context, ref string) (*gateway.Verification, error) {
	return &gateway.Verification{OK: true, Reference: ref, Status: "success", AmountMinor: 2000, Amount: decimal.New(2000, -2), Channel: "card", Currency: "NGN"}, nil
}

type env struct {
	srv      *httptest.Server
	st       *memstore.Store
	resolver *identity.Resolver
	admin    string
	customer string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	st.AddDrug(domain.Drug{ID: "d1", Name: "Paracetamol", Price: decimal.NewFromInt(10), StockQuantity: 30, Revenue: decimal.Zero})
	st.AddUser(domain.User{ID: "admin-1", ExternalID: "ext-admin", Email: "admin@example.com", Role: identity.RoleAdmin})
	st.AddUser(domain.User{ID: "cust-1", ExternalID: "ext-cust", Email: "cust@example.com", Role: identity.RoleCustomer})

	p := retry.Default("test")
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	res := identity.NewResolver(st, p, "secret", true, time.Minute)
	ord := &orders.Service{Store: st, Retry: p}
	reader := &analytics.Reader{Store: st}
	h := &Handler{
		Checkout: &checkout.Service{
			Identity: res, Gateway: okGateway{}, Store: st, Orders: ord,
			Payments: &payments.Reconciler{Store: st, Retry: p, Analytics: reader},
			Retry:    p, Currency: "NGN",
		},
		Orders:    ord,
		Identity:  res,
		Store:     st,
		Retry:     p,
		Analytics: reader,
	}
	r := NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	adminTok, err := res.Issue(&domain.User{ExternalID: "ext-admin", Email: "admin@example.com"}, time.Hour)
	require.NoError(t, err)
	custTok, err := res.Issue(&domain.User{ExternalID: "ext-cust", Email: "cust@example.com"}, time.Hour)
	require.NoError(t, err)
	return &env{srv: srv, st: st, resolver: res, admin: adminTok, customer: custTok}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestVerifyPayment(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/verify-payment", e.customer, map[string]any{
		"reference":       "ref_123",
		"cart":            []map[string]any{{"drugId": "d1", "quantity": 2, "price": "10.00"}},
		"deliveryAddress": "1 Broad St",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	order := body["order"].(map[string]any)
	assert.Equal(t, "CONFIRMED", order["status"])
	assert.Equal(t, "20", order["total"])
	payment := body["payment"].(map[string]any)
	assert.Equal(t, "20", payment["amount"])
}

func TestVerifyPayment_Errors(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/verify-payment", e.customer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = e.do(t, http.MethodPost, "/api/verify-payment", "forged.token.value", map[string]any{"reference": "r"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetOrder(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/orders", e.customer, map[string]any{
		"items":     []map[string]any{{"drugId": "d1", "quantity": 1, "price": "10"}},
		"addressId": "addr-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["order"].(map[string]any)["id"].(string)

	resp, body = e.do(t, http.MethodGet, "/api/orders/"+id, e.customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["order"].(map[string]any)["status"])

	resp, body = e.do(t, http.MethodGet, "/api/orders/"+id+"/status", e.customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, []any{"CONFIRMED", "CANCELLED"}, body["allowedNext"])

	other, err := e.resolver.Issue(&domain.User{ExternalID: "ext-other", Email: "other@example.com"}, time.Hour)
	require.NoError(t, err)
	resp, _ = e.do(t, http.MethodGet, "/api/orders/"+id, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/orders", e.customer, map[string]any{"items": []any{}, "addressId": "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateOrder_UnknownDrug(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/orders", e.customer, map[string]any{
		"items": []map[string]any{
			{"drugId": "d1", "quantity": 1, "price": "10"},
			{"drugId": "d9", "quantity": 1, "price": "5"},
		},
		"addressId": "addr-1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []any{"d9"}, body["invalidDrugIds"])
	assert.Contains(t, body["message"], "d9")
	assert.Empty(t, e.st.Orders())
}

func TestOrderStatus_RequiresOwner(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/api/orders", e.customer, map[string]any{
		"items": []map[string]any{{"drugId": "d1", "quantity": 1, "price": "10"}}, "addressId": "a",
	})
	id := body["order"].(map[string]any)["id"].(string)
	path := "/api/orders/" + id + "/status"

	resp, _ := e.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := e.resolver.Issue(&domain.User{ExternalID: "ext-other", Email: "other@example.com"}, time.Hour)
	require.NoError(t, err)
	resp, body = e.do(t, http.MethodGet, path, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Nil(t, body["status"])

	resp, body = e.do(t, http.MethodGet, path, e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
}

func TestAdminStatusUpdate(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/api/orders", e.customer, map[string]any{
		"items": []map[string]any{{"drugId": "d1", "quantity": 1, "price": "10"}}, "addressId": "a",
	})
	id := body["order"].(map[string]any)["id"].(string)
	path := "/api/admin/orders/" + id + "/status"

	resp, _ := e.do(t, http.MethodPost, path, e.customer, map[string]any{"status": "CANCELLED"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path, "", map[string]any{"status": "CANCELLED"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path, e.admin, map[string]any{"status": "SHIPPED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path, e.admin, map[string]any{"status": "CONFIRMED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path, e.admin, map[string]any{"status": "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, path, e.admin, map[string]any{"status": "CANCELLED", "notes": "customer request"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["order"].(map[string]any)["status"])

	resp, body = e.do(t, http.MethodGet, "/api/admin/notifications?limit=1", e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(2), body["pages"])
	assert.Equal(t, "Order Status Updated", body["notifications"].([]any)[0].(map[string]any)["title"])
}

func TestAdminAnalytics(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/verify-payment", e.customer, map[string]any{
		"reference": "ref_a", "cart": []map[string]any{{"drugId": "d1", "quantity": 2, "price": "10"}}, "deliveryAddress": "x",
	})
	resp, body := e.do(t, http.MethodGet, "/api/admin/analytics", e.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["totalOrders"])
	assert.Equal(t, float64(2), body["totalDrugsSold"])
}

func TestPrescriptionAndHealth(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/prescriptions", e.customer, map[string]any{"text": "Amoxicillin 500mg x 21"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "cust-1", body["prescription"].(map[string]any)["userId"])

	resp, _ = e.do(t, http.MethodPost, "/api/prescriptions", e.customer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
}
