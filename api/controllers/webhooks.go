package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/api/responses"
	"github.com/nearmarket/escrow-engine/internal/payments"
	pkgerrors "github.com/nearmarket/escrow-engine/pkg/errors"
	"github.com/nearmarket/escrow-engine/pkg/gateway"
	"github.com/nearmarket/escrow-engine/pkg/logger"
	pkgredis "github.com/nearmarket/escrow-engine/pkg/redis"
)

const (
	gatewaySignatureHeader = "X-Gateway-Signature"
	webhookGuardScope      = "gateway-webhook"
	webhookGuardTTL        = 7 * 24 * time.Hour
)

type signingSecretSource interface {
	SigningSecret() string
}

// GatewayWebhookEvent is the push notification the payment gateway sends when
// a capture settles or fails.
type GatewayWebhookEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		TransactionID string `json:"transaction_id"`
		Reference     string `json:"reference"`
	} `json:"data"`
}

// WebhookGuard dedupes webhook deliveries by gateway event id.
type WebhookGuard struct {
	store pkgredis.IdempotencyStore
	ttl   time.Duration
}

// NewWebhookGuard builds a guard over the shared Redis store.
func NewWebhookGuard(store pkgredis.IdempotencyStore) *WebhookGuard {
	return &WebhookGuard{store: store, ttl: webhookGuardTTL}
}

// CheckAndMark returns true if the event was already handled, and otherwise
// claims it.
func (g *WebhookGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if g == nil || g.store == nil {
		return false, nil
	}
	ok, err := g.store.SetNX(ctx, g.store.IdempotencyKey(webhookGuardScope, eventID), "1", g.ttl)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Delete releases a claim so the gateway's retry can be processed.
func (g *WebhookGuard) Delete(ctx context.Context, eventID string) error {
	if g == nil || g.store == nil {
		return nil
	}
	return g.store.Del(ctx, g.store.IdempotencyKey(webhookGuardScope, eventID))
}

// GatewayWebhook ingests capture notifications. The event only names the
// transaction and reference; the verifier re-reads the authoritative result
// from the gateway before touching the ledger.
func GatewayWebhook(svc payments.Service, secrets signingSecretSource, guard *WebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || secrets == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook pipeline unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := r.Header.Get(gatewaySignatureHeader)
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "gateway signature missing"))
			return
		}
		if !gateway.VerifySignature(secrets.SigningSecret(), payload, signature) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid gateway signature"))
			return
		}

		var event GatewayWebhookEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event"))
			return
		}

		eventID := strings.TrimSpace(event.EventID)
		if eventID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event id missing"))
			return
		}

		txnID, err := uuid.Parse(strings.TrimSpace(event.Data.TransactionID))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction id"))
			return
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, eventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			responses.WriteSuccess(w, map[string]string{"status": "duplicate"})
			return
		}

		_, err = svc.Verify(ctx, payments.VerifyInput{
			TransactionID: txnID,
			Reference:     strings.TrimSpace(event.Data.Reference),
		})
		if err != nil {
			// A decline or mismatch is a handled outcome; the event must not
			// be replayed against the ledger.
			if pkgerrors.HasCode(err, pkgerrors.CodePaymentFailed) || pkgerrors.HasCode(err, pkgerrors.CodeAmountMismatch) {
				if logg != nil {
					logCtx := logg.WithFields(ctx, map[string]any{
						"event_id":       eventID,
						"transaction_id": txnID.String(),
						"outcome":        string(pkgerrors.As(err).Code()),
					})
					logg.Info(logCtx, "gateway webhook recorded non-success outcome")
				}
				responses.WriteSuccess(w, map[string]string{"status": "recorded"})
				return
			}
			_ = guard.Delete(ctx, eventID)
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logCtx := logg.WithFields(ctx, map[string]any{
				"event_id":       eventID,
				"transaction_id": txnID.String(),
			})
			logg.Info(logCtx, "gateway webhook processed")
		}
		responses.WriteSuccess(w, map[string]string{"status": "processed"})
	}
}
