package offline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleepPolicy() retry.Policy {
	p := retry.Default("test")
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestAPIClient_RoutesByType(t *testing.T) {
	type hit struct {
		path, auth, body string
	}
	hits := make(chan hit, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		hits <- hit{r.URL.Path, r.Header.Get("Authorization"), string(b)}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL+"/", "tok", noSleepPolicy())
	ds := c.Dispatchers()
	require.Len(t, ds, 3)

	payload := json.RawMessage(`{"reference":"ref_123"}`)
	require.NoError(t, ds[TypePayment].Dispatch(context.Background(), Operation{ID: "1", Type: TypePayment, Payload: payload}))
	h := <-hits
	assert.Equal(t, "/api/verify-payment", h.path)
	assert.Equal(t, "Bearer tok", h.auth)
	assert.JSONEq(t, string(payload), h.body)

	require.NoError(t, ds[TypeOrder].Dispatch(context.Background(), Operation{ID: "2", Type: TypeOrder, Payload: json.RawMessage(`{}`)}))
	assert.Equal(t, "/api/orders", (<-hits).path)

	require.NoError(t, ds[TypePrescription].Dispatch(context.Background(), Operation{ID: "3", Type: TypePrescription, Payload: json.RawMessage(`{}`)}))
	assert.Equal(t, "/api/prescriptions", (<-hits).path)
}

func TestAPIClient_ServerErrorsAreRetriedThenNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "", noSleepPolicy())
	err := c.Dispatchers()[TypePayment].Dispatch(context.Background(), Operation{Type: TypePayment, Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, int32(4), calls.Load())
}

func TestAPIClient_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "reference is required"})
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "", noSleepPolicy())
	err := c.Dispatchers()[TypePayment].Dispatch(context.Background(), Operation{Type: TypePayment, Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "reference is required")
	assert.False(t, IsNetworkError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClient_SuccessFalseIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "payment failed"})
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "", noSleepPolicy())
	err := c.Dispatchers()[TypePayment].Dispatch(context.Background(), Operation{Type: TypePayment, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestAPIClient_UnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewAPIClient(url, "", noSleepPolicy())
	err := c.Dispatchers()[TypeOrder].Dispatch(context.Background(), Operation{Type: TypeOrder, Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

func TestMonitor_Transitions(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var onlines, offlines int
	m := NewMonitor(srv.URL, time.Minute)
	m.OnOnline = func(context.Context) { onlines++ }
	m.OnOffline = func(context.Context) { offlines++ }

	ctx := context.Background()
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Online())

	up.Store(true)
	assert.True(t, m.Probe(ctx))
	assert.True(t, m.Probe(ctx))

	up.Store(false)
	m.Probe(ctx)

	assert.Equal(t, 1, onlines)
	assert.Equal(t, 1, offlines)
}
