package controllers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
)

type memoryIdempotencyStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{values: map[string]string{}}
}

func (m *memoryIdempotencyStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memoryIdempotencyStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = "1"
	return true, nil
}

func (m *memoryIdempotencyStore) IdempotencyKey(scope, id string) string {
	return "idemp:" + scope + ":" + id
}

func (m *memoryIdempotencyStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

type staticSecret string

func (s staticSecret) SigningSecret() string { return string(s) }

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(eventID string, txnID uuid.UUID, reference string) string {
	return `{"event_id": "` + eventID + `", "type": "payment.captured", "data": {"transaction_id": "` + txnID.String() + `", "reference": "` + reference + `"}}`
}

func TestGatewayWebhookVerifiesAndAcks(t *testing.T) {
	txnID := uuid.New()
	secret := "whsec_test"

	var captured payments.VerifyInput
	svc := &testPaymentsService{
		verifyFn: func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
			captured = input
			return &models.EscrowTransaction{ID: input.TransactionID}, nil
		},
	}
	guard := NewWebhookGuard(newMemoryIdempotencyStore())

	body := webhookBody("evt_001", txnID, "pay_9f2c")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(gatewaySignatureHeader, signBody(secret, []byte(body)))

	resp := httptest.NewRecorder()
	GatewayWebhook(svc, staticSecret(secret), guard, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if captured.TransactionID != txnID {
		t.Fatalf("unexpected transaction id %s", captured.TransactionID)
	}
	if captured.Reference != "pay_9f2c" {
		t.Fatalf("unexpected reference %q", captured.Reference)
	}
}

func TestGatewayWebhookRejectsBadSignature(t *testing.T) {
	svc := &testPaymentsService{
		verifyFn: func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	guard := NewWebhookGuard(newMemoryIdempotencyStore())

	body := webhookBody("evt_002", uuid.New(), "pay_9f2c")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(gatewaySignatureHeader, signBody("wrong-secret", []byte(body)))

	resp := httptest.NewRecorder()
	GatewayWebhook(svc, staticSecret("whsec_test"), guard, testLogger())(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestGatewayWebhookDedupesByEventID(t *testing.T) {
	txnID := uuid.New()
	secret := "whsec_test"

	calls := 0
	svc := &testPaymentsService{
		verifyFn: func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
			calls++
			return &models.EscrowTransaction{ID: input.TransactionID}, nil
		},
	}
	guard := NewWebhookGuard(newMemoryIdempotencyStore())
	handler := GatewayWebhook(svc, staticSecret(secret), guard, testLogger())

	body := webhookBody("evt_003", txnID, "pay_9f2c")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
		req.Header.Set(gatewaySignatureHeader, signBody(secret, []byte(body)))
		resp := httptest.NewRecorder()
		handler(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("delivery %d: unexpected status %d", i, resp.Code)
		}
	}

	if calls != 1 {
		t.Fatalf("expected one verify call got %d", calls)
	}
}

func TestGatewayWebhookReleasesClaimOnTransientError(t *testing.T) {
	txnID := uuid.New()
	secret := "whsec_test"

	calls := 0
	svc := &testPaymentsService{
		verifyFn: func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
			calls++
			if calls == 1 {
				return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway unavailable")
			}
			return &models.EscrowTransaction{ID: input.TransactionID}, nil
		},
	}
	guard := NewWebhookGuard(newMemoryIdempotencyStore())
	handler := GatewayWebhook(svc, staticSecret(secret), guard, testLogger())

	body := webhookBody("evt_004", txnID, "pay_9f2c")

	first := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
	first.Header.Set(gatewaySignatureHeader, signBody(secret, []byte(body)))
	resp := httptest.NewRecorder()
	handler(resp, first)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}

	retry := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
	retry.Header.Set(gatewaySignatureHeader, signBody(secret, []byte(body)))
	resp = httptest.NewRecorder()
	handler(resp, retry)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed got %d", resp.Code)
	}
	if calls != 2 {
		t.Fatalf("expected two verify calls got %d", calls)
	}
}

func TestGatewayWebhookAcksDeclinedPayments(t *testing.T) {
	txnID := uuid.New()
	secret := "whsec_test"

	svc := &testPaymentsService{
		verifyFn: func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
			return nil, pkgerrors.New(pkgerrors.CodePaymentFailed, "card declined")
		},
	}
	guard := NewWebhookGuard(newMemoryIdempotencyStore())

	body := webhookBody("evt_005", txnID, "pay_declined")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(gatewaySignatureHeader, signBody(secret, []byte(body)))

	resp := httptest.NewRecorder()
	GatewayWebhook(svc, staticSecret(secret), guard, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected decline to be acked got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "recorded") {
		t.Fatalf("expected recorded status, body %s", resp.Body.String())
	}
}
