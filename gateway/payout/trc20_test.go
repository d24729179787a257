package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func trc20Instruction() Instruction {
	return Instruction{
		Ref:        "po-trc-1",
		Asset:      AssetUSDTTRC20,
		Amount:     SettlementAmount(2500),
		Wallet:     "TXYZmerchantwallet00000000000000001",
		MerchantID: "merchant-1",
	}
}

func TestTRC20Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "po-trc-1", req.Reference)
		require.Equal(t, "USDT_TRC20", req.Asset)
		require.Equal(t, "25.000000", req.Amount)
		require.Equal(t, "TXYZmerchantwallet00000000000000001", req.ToAddress)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(transferResponse{
			Reference: req.Reference,
			Status:    "CONFIRMED",
			TxHash:    "0xfeed",
		})
	}))
	defer srv.Close()

	c := NewTRC20Client(srv.URL, "test-key", nil)
	sub, err := c.Submit(context.Background(), trc20Instruction())
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, sub.Status)
	require.Equal(t, "0xfeed", sub.Hash)
}

func TestTRC20SubmitConflictResolvesThroughStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case http.MethodGet:
			require.Equal(t, "/v1/transfers/po-trc-1", r.URL.Path)
			json.NewEncoder(w).Encode(transferResponse{
				Reference: "po-trc-1",
				Status:    "CONFIRMED",
				TxHash:    "0xoriginal",
			})
		}
	}))
	defer srv.Close()

	c := NewTRC20Client(srv.URL, "", nil)
	sub, err := c.Submit(context.Background(), trc20Instruction())
	require.NoError(t, err)
	require.Equal(t, "0xoriginal", sub.Hash, "conflict replays the first transfer")
}

func TestTRC20ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.name, tt.status)
			}))
			defer srv.Close()

			c := NewTRC20Client(srv.URL, "", nil)
			_, err := c.Submit(context.Background(), trc20Instruction())
			require.Error(t, err)
			require.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestTRC20NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := NewTRC20Client(srv.URL, "", nil)
	_, err := c.Submit(context.Background(), trc20Instruction())
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestTRC20Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers/po-trc-9", r.URL.Path)
		json.NewEncoder(w).Encode(transferResponse{
			Reference: "po-trc-9",
			Status:    "failed",
			Reason:    "insufficient liquidity",
		})
	}))
	defer srv.Close()

	c := NewTRC20Client(srv.URL, "", nil)
	conf, err := c.Status(context.Background(), "po-trc-9")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, conf.Status, "status parsing is case-insensitive")
	require.Equal(t, "insufficient liquidity", conf.Reason)
}

func TestTRC20UnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transferResponse{Reference: "po-trc-9", Status: "LIMBO"})
	}))
	defer srv.Close()

	c := NewTRC20Client(srv.URL, "", nil)
	_, err := c.Status(context.Background(), "po-trc-9")
	require.Error(t, err)
}

func TestTRC20Reverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v1/transfers/po-trc-5", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewTRC20Client(srv.URL, "", nil)
	require.NoError(t, c.Reverse(context.Background(), "po-trc-5"))
}

func TestSettlementAmount(t *testing.T) {
	tests := []struct {
		minor int64
		want  string
	}{
		{2500, "25.000000"},
		{1, "0.010000"},
		{999999, "9999.990000"},
		{100, "1.000000"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SettlementAmount(tt.minor).StringFixed(6))
	}
	require.True(t, SettlementAmount(50).Equal(decimal.RequireFromString("0.5")))
}
