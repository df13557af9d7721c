package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaylinkCreateInvoice(t *testing.T) {
	authCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			authCalls++
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "app-1", creds["apiId"])
			assert.Equal(t, "s3cret", creds["secretKey"])
			json.NewEncoder(w).Encode(map[string]string{"id_token": "tok-abc"})
		case "/addInvoice":
			assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
			var inv paylinkInvoiceRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&inv))
			assert.Equal(t, "29.99", inv.Amount)
			assert.Equal(t, "USD", inv.Currency)
			assert.Equal(t, "https://app.example.com/billing/return", inv.CallBackURL)
			json.NewEncoder(w).Encode(paylinkInvoiceResponse{
				TransactionNo: "TXN-100",
				URL:           "https://pay.example.com/i/TXN-100",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewPaylink(srv.URL, "app-1", "s3cret", 5*time.Second, nil)
	charge := Charge{
		Amount:      decimal.RequireFromString("29.99"),
		Currency:    "USD",
		CustomerRef: "user-42",
		ReturnURL:   "https://app.example.com/billing/return",
	}

	inv, err := p.CreateInvoice(context.Background(), charge)
	require.NoError(t, err)
	assert.Equal(t, "TXN-100", inv.TransactionID)
	assert.Equal(t, "https://pay.example.com/i/TXN-100", inv.URL)

	// The bearer token is cached until expiry, so a second invoice must
	// not hit /auth again.
	_, err = p.CreateInvoice(context.Background(), charge)
	require.NoError(t, err)
	assert.Equal(t, 1, authCalls)
}

func TestPaylinkAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewPaylink(srv.URL, "app-1", "wrong", 5*time.Second, nil)
	_, err := p.CreateInvoice(context.Background(), Charge{Amount: decimal.NewFromInt(10), Currency: "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth returned 401")
}

func TestPaylinkRejectsIncompleteInvoiceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth" {
			json.NewEncoder(w).Encode(map[string]string{"id_token": "tok"})
			return
		}
		json.NewEncoder(w).Encode(paylinkInvoiceResponse{TransactionNo: "TXN-1"})
	}))
	defer srv.Close()

	p := NewPaylink(srv.URL, "app-1", "s3cret", 5*time.Second, nil)
	_, err := p.CreateInvoice(context.Background(), Charge{Amount: decimal.NewFromInt(10), Currency: "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing transaction or url")
}

func TestPaylinkAuthorizedPaymentsUnsupported(t *testing.T) {
	p := NewPaylink("http://unused", "app-1", "s3cret", 0, nil)

	assert.False(t, p.SupportsAuthorizedPayments())
	assert.True(t, p.IsConfigured())

	_, err := p.ChargeAuthorized(context.Background(), "payer-1", Charge{Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = p.GetAuthorizationURL(context.Background(), "sub-1", "https://app.example.com/return")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestPaylinkVerifyPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth":
			json.NewEncoder(w).Encode(map[string]string{"id_token": "tok"})
		case r.URL.Path == "/getInvoice/TXN-7":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]string{"orderStatus": "Paid"})
		case r.URL.Path == "/getInvoice/TXN-8":
			json.NewEncoder(w).Encode(map[string]string{"orderStatus": "Pending"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewPaylink(srv.URL, "app-1", "s3cret", 5*time.Second, nil)

	paid, err := p.VerifyPayment(context.Background(), "TXN-7")
	require.NoError(t, err)
	assert.True(t, paid)

	paid, err = p.VerifyPayment(context.Background(), "TXN-8")
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestPaylinkParseWebhook(t *testing.T) {
	p := NewPaylink("http://unused", "app-1", "s3cret", 0, nil)

	ev, err := p.ParseWebhook([]byte(`{"transactionNo": "TXN-1", "orderStatus": "Paid", "merchantOrderNumber": "order-9"}`))
	require.NoError(t, err)
	assert.Equal(t, EventPaymentCompleted, ev.Type)
	assert.Equal(t, "TXN-1", ev.TransactionID)
	assert.Equal(t, "order-9", ev.RemoteID)

	ev, err = p.ParseWebhook([]byte(`{"transactionNo": "TXN-2", "orderStatus": "Cancelled"}`))
	require.NoError(t, err)
	assert.Equal(t, EventPaymentFailed, ev.Type)

	_, err = p.ParseWebhook([]byte(`{"transactionNo": "TXN-3", "orderStatus": "Pending"}`))
	require.ErrorIs(t, err, ErrUnhandledEvent)

	_, err = p.ParseWebhook([]byte(`{"orderStatus": "Paid"}`))
	require.Error(t, err)
}
