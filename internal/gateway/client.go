// Package gateway verifies payments against the payment gateway by
// reference.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
)

var (
	ErrPaymentFailed = errors.New("payment verification failed")
	// ErrUnavailable wraps gateway 5xx responses, which are retried.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

type Client struct {
	BaseURL   string
	SecretKey string
	HTTP      *http.Client
	Retry     retry.Policy
}

func NewClient(baseURL, secretKey string, p retry.Policy) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
		Retry:     p,
	}
}

// Verify calls GET {base}/transaction/verify/{reference}. Network faults
// and 5xx responses are retried; a well-formed failure is returned as
// ErrPaymentFailed and a malformed body as *ShapeError.
func (c *Client) Verify(ctx context.Context, reference string) (*Verification, error) {
	retryable := func(err error) bool {
		return errors.Is(err, ErrUnavailable) || retry.IsTransient(err)
	}
	p := c.Retry.Named("verify payment")
	p.Retryable = retryable

	v, err := retry.Value(ctx, p, func(ctx context.Context) (*Verification, error) {
		return c.verifyOnce(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	if !v.Succeeded() {
		msg := v.Message
		if v.OK {
			msg = "transaction status " + v.Status
		}
		return v, retry.Permanent(fmt.Errorf("%w: %s", ErrPaymentFailed, msg))
	}
	return v, nil
}

func (c *Client) verifyOnce(ctx context.Context, reference string) (*Verification, error) {
	endpoint := c.BaseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", reference, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	v, err := ParseVerification(body)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, retry.Permanent(fmt.Errorf("%w: status %d", ErrPaymentFailed, resp.StatusCode))
		}
		return nil, retry.Permanent(err)
	}
	return v, nil
}
