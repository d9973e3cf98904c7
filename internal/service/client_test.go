package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	btcfg "btdeck/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(btcfg.ServiceConfig{BaseURL: server.URL})
	assert.NoError(t, err)
	return client, server
}

func TestListHistory(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history/list", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"BTC/USDT": {"1d": {"min_date": "2023-01-01", "max_date": "2023-12-31", "filename": "BTC_USDT-1d.json"}}}`))
	}))

	listing, err := client.ListHistory(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "2023-01-01", listing["BTC/USDT"]["1d"].MinDate)
	assert.Equal(t, "BTC_USDT-1d.json", listing["BTC/USDT"]["1d"].Filename)
}

func TestDeleteHistoryEscapesSymbol(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// symbol 里的斜杠必须保持转义，否则会命中错误的路由。
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/history/BTC%2FUSDT/1d", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true}`))
	}))

	resp, err := client.DeleteHistory(context.Background(), "BTC/USDT", "1d")
	assert.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSubmitBacktest(t *testing.T) {
	t.Run("Validation Error On 422", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"detail": [{"loc": ["body", "start_date"], "msg": "invalid date format", "type": "value_error"}]}`))
		}))

		_, err := client.SubmitBacktest(context.Background(), BacktestPayload{Strategy: "cross_sma"})
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
		assert.Equal(t, []string{"body.start_date: invalid date format"}, validation.Messages())
	})

	t.Run("Business Failure In Body", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"success": false, "error": "No historical data for BTC/USDT"}`))
		}))

		resp, err := client.SubmitBacktest(context.Background(), BacktestPayload{Strategy: "cross_sma"})
		assert.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "No historical data")
	})

	t.Run("Transport Failure Wrapped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client, err := NewClient(btcfg.ServiceConfig{BaseURL: server.URL})
		assert.NoError(t, err)
		server.Close()

		_, err = client.SubmitBacktest(context.Background(), BacktestPayload{Strategy: "cross_sma"})
		assert.True(t, errors.Is(err, ErrUnreachable))
	})
}

func TestFetchSummary(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/backtest/summary/cross_sma", r.URL.Path)
			assert.Equal(t, "2023-01-01", r.URL.Query().Get("start_date"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"total_trades": 5}`))
		}))

		raw, err := client.FetchSummary(context.Background(), "cross_sma", "2023-01-01", "2023-06-01")
		assert.NoError(t, err)
		assert.JSONEq(t, `{"total_trades": 5}`, string(raw))
	})

	t.Run("Missing Summary Is Not An Error", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		raw, err := client.FetchSummary(context.Background(), "cross_sma", "", "")
		assert.NoError(t, err)
		assert.Nil(t, raw)
	})
}

func TestNewClient(t *testing.T) {
	t.Run("Requires BaseURL", func(t *testing.T) {
		_, err := NewClient(btcfg.ServiceConfig{})
		assert.Error(t, err)
	})

	t.Run("Auth Header Applied", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{}`))
		}))
		t.Cleanup(server.Close)

		client, err := NewClient(btcfg.ServiceConfig{BaseURL: server.URL, APIToken: "secret"})
		assert.NoError(t, err)
		_, err = client.ListHistory(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "Bearer secret", gotAuth)
	})
}
