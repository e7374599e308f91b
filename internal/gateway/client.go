// Package gateway implements the hosted checkout provider's HTTP API as a
// payment.Gateway. The client is constructor-injected so tests can substitute
// a fake; no global SDK state.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/petalmarket/checkout/internal/domain/payment"
)

var _ payment.Gateway = (*Client)(nil)

// Config holds the provider endpoint and credentials.
type Config struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	Timeout   time.Duration
}

// Client talks to the provider over JSON/HTTP with basic auth and an
// Idempotence-Key header on create calls.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a Client. A nil httpClient gets a default with the
// configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type amountJSON struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type receiptItemJSON struct {
	Description string     `json:"description"`
	Quantity    int        `json:"quantity"`
	Amount      amountJSON `json:"amount"`
}

type paymentJSON struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type refundJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorJSON struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// CreatePayment registers a charge and returns the hosted confirmation URL.
func (c *Client) CreatePayment(ctx context.Context, req payment.CreatePaymentRequest) (*payment.GatewayPayment, error) {
	body := map[string]any{
		"amount":      amountJSON{Value: req.Amount.StringFixed(2), Currency: req.Currency},
		"capture":     true,
		"description": req.Description,
		"metadata":    req.Metadata,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"receipt": map[string]any{"items": receiptItems(req.Receipt, req.Currency)},
	}

	var out paymentJSON
	if err := c.call(ctx, http.MethodPost, "/payments", req.IdempotenceKey.String(), body, &out); err != nil {
		return nil, err
	}
	return &payment.GatewayPayment{
		ExternalID:      out.ID,
		Status:          out.Status,
		ConfirmationURL: out.Confirmation.ConfirmationURL,
	}, nil
}

// FindPayment fetches the current status of a charge.
func (c *Client) FindPayment(ctx context.Context, externalID string) (*payment.GatewayPayment, error) {
	var out paymentJSON
	if err := c.call(ctx, http.MethodGet, "/payments/"+externalID, "", nil, &out); err != nil {
		return nil, err
	}
	return &payment.GatewayPayment{
		ExternalID:      out.ID,
		Status:          out.Status,
		ConfirmationURL: out.Confirmation.ConfirmationURL,
	}, nil
}

// CreateRefund returns money against an earlier charge.
func (c *Client) CreateRefund(ctx context.Context, req payment.CreateRefundRequest) (*payment.GatewayRefund, error) {
	body := map[string]any{
		"payment_id": req.PaymentID,
		"amount":     amountJSON{Value: req.Amount.StringFixed(2), Currency: req.Currency},
		"receipt":    map[string]any{"items": receiptItems(req.Receipt, req.Currency)},
	}

	var out refundJSON
	if err := c.call(ctx, http.MethodPost, "/refunds", req.IdempotenceKey.String(), body, &out); err != nil {
		return nil, err
	}
	return &payment.GatewayRefund{ExternalID: out.ID, Status: out.Status}, nil
}

// FindRefund fetches the current status of a money return.
func (c *Client) FindRefund(ctx context.Context, externalID string) (*payment.GatewayRefund, error) {
	var out refundJSON
	if err := c.call(ctx, http.MethodGet, "/refunds/"+externalID, "", nil, &out); err != nil {
		return nil, err
	}
	return &payment.GatewayRefund{ExternalID: out.ID, Status: out.Status}, nil
}

// call runs one HTTP round trip. Provider business errors come back as
// payment.GatewayError so the caller sees the upstream reason.
func (c *Client) call(ctx context.Context, method, path, idempotenceKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &payment.GatewayError{Op: method + " " + path, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode >= 400 {
		var ge errorJSON
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		if json.Unmarshal(raw, &ge) == nil && ge.Description != "" {
			msg = ge.Description
		}
		return &payment.GatewayError{Op: method + " " + path, Message: msg}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func receiptItems(items []payment.ReceiptItem, currency string) []receiptItemJSON {
	out := make([]receiptItemJSON, len(items))
	for i, it := range items {
		out[i] = receiptItemJSON{
			Description: it.Description,
			Quantity:    it.Quantity,
			Amount:      amountJSON{Value: it.UnitPrice.StringFixed(2), Currency: currency},
		}
	}
	return out
}
