package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldspace/paygate"
)

func testRequirements() paygate.PaymentRequirements {
	return paygate.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		Asset:             "0xusdc",
		MaxAmountRequired: "300",
		PayTo:             "0xAAA",
	}
}

func TestVerify_Valid(t *testing.T) {
	var received request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/verify", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(paygate.VerifyResult{IsValid: true, Payer: "0xpayer"})
	}))
	defer server.Close()

	client := NewHTTPClient(Config{URL: server.URL, APIKey: "secret"})

	result, err := client.Verify(context.Background(), paygate.PaymentProof{TxHash: "0xtx"}, testRequirements())
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "0xpayer", result.Payer)
	assert.Equal(t, "0xtx", received.PaymentPayload.TxHash)
	assert.Equal(t, "300", received.PaymentRequirements.MaxAmountRequired)
}

func TestVerify_RejectionIsAVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(paygate.VerifyResult{IsValid: false, InvalidReason: "signature invalid"})
	}))
	defer server.Close()

	client := NewHTTPClient(Config{URL: server.URL})

	result, err := client.Verify(context.Background(), paygate.PaymentProof{TxHash: "0xtx"}, testRequirements())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, "signature invalid", result.InvalidReason)
}

func TestVerify_UnstructuredErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Config{URL: server.URL})

	_, err := client.Verify(context.Background(), paygate.PaymentProof{TxHash: "0xtx"}, testRequirements())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(paygate.SettleResult{Success: true, Transaction: "0xsettled", Network: "base-sepolia"})
	}))
	defer server.Close()

	client := NewHTTPClient(Config{URL: server.URL})

	result, err := client.Settle(context.Background(), paygate.PaymentProof{TxHash: "0xtx"}, testRequirements())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0xsettled", result.Transaction)
}

func TestSettle_FailureWithReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(paygate.SettleResult{Success: false, ErrorReason: "insufficient allowance"})
	}))
	defer server.Close()

	client := NewHTTPClient(Config{URL: server.URL})

	result, err := client.Settle(context.Background(), paygate.PaymentProof{TxHash: "0xtx"}, testRequirements())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "insufficient allowance", result.ErrorReason)
}

func TestVerify_ServerUnreachable(t *testing.T) {
	client := NewHTTPClient(Config{URL: "http://127.0.0.1:1"})

	_, err := client.Verify(context.Background(), paygate.PaymentProof{TxHash: "0xtx"}, testRequirements())
	require.Error(t, err)
}
