package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
)

var (
	// ErrServerUnavailable wraps 5xx answers; the operation waits for a
	// later drain.
	ErrServerUnavailable = errors.New("api unavailable")
	ErrRejected          = errors.New("api rejected operation")
)

// APIClient replays queued operations against the pharmacy API.
type APIClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Retry   retry.Policy
}

func NewAPIClient(baseURL, token string, p retry.Policy) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Retry:   p,
	}
}

var routes = map[Type]string{
	TypePayment:      "/api/verify-payment",
	TypeOrder:        "/api/orders",
	TypePrescription: "/api/prescriptions",
}

// Dispatchers returns one dispatcher per operation type.
func (c *APIClient) Dispatchers() map[Type]Dispatcher {
	out := make(map[Type]Dispatcher, len(routes))
	for typ, path := range routes {
		path := path
		out[typ] = DispatcherFunc(func(ctx context.Context, op Operation) error {
			return c.post(ctx, string(op.Type), path, op.Payload)
		})
	}
	return out
}

func (c *APIClient) post(ctx context.Context, name, path string, body []byte) error {
	p := c.Retry.Named("replay " + name)
	p.Retryable = IsNetworkError
	return p.Do(ctx, func(ctx context.Context) error {
		return c.postOnce(ctx, path, body)
	})
}

type apiReply struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *APIClient) postOnce(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	var reply apiReply
	_ = json.Unmarshal(raw, &reply)
	msg := reply.Message
	if msg == "" {
		msg = reply.Error
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %d %s", ErrServerUnavailable, path, resp.StatusCode, msg)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %d %s", ErrRejected, path, resp.StatusCode, msg)
	case reply.Success != nil && !*reply.Success:
		return fmt.Errorf("%w: %s %s", ErrRejected, path, msg)
	}
	return nil
}

func (c *APIClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
