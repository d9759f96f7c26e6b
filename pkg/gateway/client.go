package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nearmarket/escrow-engine/pkg/config"
	"github.com/nearmarket/escrow-engine/pkg/logger"
)

const defaultTimeout = 10 * time.Second

var (
	errBaseURLRequired = errors.New("gateway base url is required")
	errAPIKeyRequired  = errors.New("gateway api key is required")
	errSecretRequired  = errors.New("gateway signing secret is required")

	// ErrReferenceNotFound is returned when the gateway has no record of
	// the payment reference.
	ErrReferenceNotFound = errors.New("gateway: payment reference not found")
	// ErrUnavailable is returned on timeouts and 5xx responses. Callers
	// treat it as retryable and leave state untouched.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// PaymentStatus is the gateway's view of a captured payment.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusDeclined  PaymentStatus = "declined"
	PaymentStatusPending   PaymentStatus = "pending"
)

// VerificationResult is the gateway's answer for a payment reference.
type VerificationResult struct {
	Reference   string        `json:"reference"`
	Status      PaymentStatus `json:"status"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	FailureCode string        `json:"failure_code,omitempty"`
}

// RefundResult reports the outcome of a refund submission.
type RefundResult struct {
	RefundID    string `json:"refund_id"`
	Reference   string `json:"reference"`
	AmountCents int64  `json:"amount_cents"`
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the payment gateway's verification and refund API.
type Client struct {
	baseURL       string
	apiKey        string
	signingSecret string
	http          httpDoer
	logg          *logger.Logger
}

// NewClient validates the gateway configuration and builds a client.
func NewClient(cfg config.GatewayConfig, logg *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errAPIKeyRequired
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errSecretRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		signingSecret: cfg.SigningSecret,
		http:          &http.Client{Timeout: timeout},
		logg:          logg,
	}, nil
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Verify fetches the gateway's record for a payment reference.
func (c *Client) Verify(ctx context.Context, reference string) (*VerificationResult, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, errors.New("gateway: reference is required")
	}

	endpoint := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, url.PathEscape(reference))
	var result VerificationResult
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type refundRequest struct {
	Reference   string `json:"reference"`
	AmountCents int64  `json:"amount_cents"`
	// IdempotencyKey makes replays of the same refund safe on the
	// gateway side.
	IdempotencyKey string `json:"idempotency_key"`
}

// Refund pushes amountCents back to the payer of the referenced payment.
func (c *Client) Refund(ctx context.Context, reference string, amountCents int64, idempotencyKey string) (*RefundResult, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, errors.New("gateway: reference is required")
	}
	if amountCents <= 0 {
		return nil, errors.New("gateway: refund amount must be positive")
	}

	endpoint := fmt.Sprintf("%s/v1/refunds", c.baseURL)
	body := refundRequest{
		Reference:      reference,
		AmountCents:    amountCents,
		IdempotencyKey: idempotencyKey,
	}
	var result RefundResult
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader *strings.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = strings.NewReader(string(encoded))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrReferenceNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("gateway: %s (%s)", apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("gateway: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}
