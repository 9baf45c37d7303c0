package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/payments"
)

// Client implements payments.Processor against the processor's REST API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

type createHandleRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type refundRequest struct {
	Charge string `json:"charge"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return "payments api: status " + http.StatusText(e.Status) + ": " + e.Message
}

func (c *Client) CreateHandle(ctx context.Context, req payments.CreateRequest) (payments.Handle, error) {
	var h payments.Handle
	err := c.do(ctx, http.MethodPost, "/v1/payment_handles", req.IdempotencyKey, createHandleRequest{
		Amount:   req.AmountCents,
		Currency: strings.ToLower(req.Currency),
		Metadata: req.Metadata,
	}, &h)
	if err != nil {
		return payments.Handle{}, errors.Wrap(err, "create payment handle")
	}
	return h, nil
}

func (c *Client) RetrieveHandle(ctx context.Context, id string) (payments.Handle, error) {
	var h payments.Handle
	err := c.do(ctx, http.MethodGet, "/v1/payment_handles/"+url.PathEscape(id), "", nil, &h)
	if isStatus(err, http.StatusNotFound) {
		return payments.Handle{}, payments.ErrHandleNotFound
	}
	if err != nil {
		return payments.Handle{}, errors.Wrap(err, "retrieve payment handle")
	}
	return h, nil
}

// CancelHandle treats a handle the processor refuses to cancel (already captured or
// already canceled) as done.
func (c *Client) CancelHandle(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodPost, "/v1/payment_handles/"+url.PathEscape(id)+"/cancel", "cancel:"+id, nil, nil)
	switch {
	case err == nil, isStatus(err, http.StatusConflict):
		return nil
	case isStatus(err, http.StatusNotFound):
		return payments.ErrHandleNotFound
	default:
		return errors.Wrap(err, "cancel payment handle")
	}
}

func (c *Client) Refund(ctx context.Context, chargeRef, idempotencyKey string) error {
	if chargeRef == "" {
		return errors.New("refund requires a charge reference")
	}
	err := c.do(ctx, http.MethodPost, "/v1/refunds", idempotencyKey, refundRequest{Charge: chargeRef}, nil)
	return errors.Wrap(err, "refund charge")
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isStatus(err error, status int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
