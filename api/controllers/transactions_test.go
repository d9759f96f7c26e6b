package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nearmarket/escrow-engine/api/middleware"
	"github.com/nearmarket/escrow-engine/internal/escrow"
	"github.com/nearmarket/escrow-engine/internal/payments"
	"github.com/nearmarket/escrow-engine/pkg/db/models"
	"github.com/nearmarket/escrow-engine/pkg/enums"
	"github.com/nearmarket/escrow-engine/pkg/logger"
)

type testEscrowService struct {
	escrow.Service

	createFn func(ctx context.Context, input escrow.CreateInput) (*models.EscrowTransaction, error)
	cancelFn func(ctx context.Context, input escrow.CancelInput) (*models.EscrowTransaction, error)
}

func (s *testEscrowService) Create(ctx context.Context, input escrow.CreateInput) (*models.EscrowTransaction, error) {
	return s.createFn(ctx, input)
}

func (s *testEscrowService) Cancel(ctx context.Context, input escrow.CancelInput) (*models.EscrowTransaction, error) {
	return s.cancelFn(ctx, input)
}

type testPaymentsService struct {
	verifyFn func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error)
}

func (s *testPaymentsService) Verify(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
	return s.verifyFn(ctx, input)
}

func (s *testPaymentsService) IssueRefund(ctx context.Context, disputeID uuid.UUID) error {
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func authedRequest(method, target, body string, userID uuid.UUID, role enums.ActorRole) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, role.String())
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestCreateTransactionUsesCallerAsBuyer(t *testing.T) {
	buyerID := uuid.New()
	sellerID := uuid.New()
	listingID := uuid.New()

	var captured escrow.CreateInput
	svc := &testEscrowService{
		createFn: func(ctx context.Context, input escrow.CreateInput) (*models.EscrowTransaction, error) {
			captured = input
			return &models.EscrowTransaction{ID: uuid.New(), BuyerID: input.BuyerID}, nil
		},
	}

	body := `{
		"seller_id": "` + sellerID.String() + `",
		"listing_id": "` + listingID.String() + `",
		"amount_cents": 10000,
		"payment_method": "card",
		"delivery": {"option": "seller_delivery", "address": "12 Elm St"}
	}`
	req := authedRequest(http.MethodPost, "/api/v1/transactions", body, buyerID, enums.ActorRoleMember)

	resp := httptest.NewRecorder()
	CreateTransaction(svc, testLogger())(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if captured.BuyerID != buyerID {
		t.Fatalf("expected buyer %s got %s", buyerID, captured.BuyerID)
	}
	if captured.SellerID != sellerID {
		t.Fatalf("expected seller %s got %s", sellerID, captured.SellerID)
	}
	if captured.AmountCents != 10000 {
		t.Fatalf("unexpected amount %d", captured.AmountCents)
	}
	if captured.PaymentMethod != enums.PaymentMethodCard {
		t.Fatalf("unexpected payment method %s", captured.PaymentMethod)
	}
}

func TestCreateTransactionRejectsBadPaymentMethod(t *testing.T) {
	svc := &testEscrowService{
		createFn: func(ctx context.Context, input escrow.CreateInput) (*models.EscrowTransaction, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}

	body := `{
		"seller_id": "` + uuid.NewString() + `",
		"listing_id": "` + uuid.NewString() + `",
		"amount_cents": 10000,
		"payment_method": "barter",
		"delivery": {"option": "seller_delivery", "address": "12 Elm St"}
	}`
	req := authedRequest(http.MethodPost, "/api/v1/transactions", body, uuid.New(), enums.ActorRoleMember)

	resp := httptest.NewRecorder()
	CreateTransaction(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestCreateTransactionRejectsUnknownFields(t *testing.T) {
	svc := &testEscrowService{
		createFn: func(ctx context.Context, input escrow.CreateInput) (*models.EscrowTransaction, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}

	req := authedRequest(http.MethodPost, "/api/v1/transactions", `{"bogus": true}`, uuid.New(), enums.ActorRoleMember)

	resp := httptest.NewRecorder()
	CreateTransaction(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestCancelTransactionPassesReason(t *testing.T) {
	txnID := uuid.New()
	actorID := uuid.New()

	var captured escrow.CancelInput
	svc := &testEscrowService{
		cancelFn: func(ctx context.Context, input escrow.CancelInput) (*models.EscrowTransaction, error) {
			captured = input
			return &models.EscrowTransaction{ID: input.TransactionID}, nil
		},
	}

	req := authedRequest(http.MethodPost, "/api/v1/transactions/"+txnID.String()+"/cancel", `{"reason": "changed my mind"}`, actorID, enums.ActorRoleMember)
	req = withURLParam(req, "transactionId", txnID.String())

	resp := httptest.NewRecorder()
	CancelTransaction(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if captured.TransactionID != txnID {
		t.Fatalf("unexpected transaction id %s", captured.TransactionID)
	}
	if captured.Reason == nil || *captured.Reason != "changed my mind" {
		t.Fatalf("unexpected reason %v", captured.Reason)
	}
	if captured.Actor.UserID != actorID {
		t.Fatalf("unexpected actor %s", captured.Actor.UserID)
	}
}

func TestVerifyPaymentTrimsReference(t *testing.T) {
	txnID := uuid.New()

	var captured payments.VerifyInput
	svc := &testPaymentsService{
		verifyFn: func(ctx context.Context, input payments.VerifyInput) (*models.EscrowTransaction, error) {
			captured = input
			return &models.EscrowTransaction{ID: input.TransactionID, Status: enums.TransactionStatusPaid}, nil
		},
	}

	req := authedRequest(http.MethodPost, "/api/v1/transactions/"+txnID.String()+"/verify", `{"payment_reference": "  pay_9f2c  "}`, uuid.New(), enums.ActorRoleMember)
	req = withURLParam(req, "transactionId", txnID.String())

	resp := httptest.NewRecorder()
	VerifyPayment(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body.String())
	}
	if captured.Reference != "pay_9f2c" {
		t.Fatalf("expected trimmed reference got %q", captured.Reference)
	}

	var envelope struct {
		Data models.EscrowTransaction `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if envelope.Data.Status != enums.TransactionStatusPaid {
		t.Fatalf("unexpected status %s", envelope.Data.Status)
	}
}

func TestTransactionEndpointsRejectMissingIdentity(t *testing.T) {
	svc := &testEscrowService{
		cancelFn: func(ctx context.Context, input escrow.CancelInput) (*models.EscrowTransaction, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/"+uuid.NewString()+"/cancel", strings.NewReader(`{}`))
	resp := httptest.NewRecorder()
	CancelTransaction(svc, testLogger())(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}
