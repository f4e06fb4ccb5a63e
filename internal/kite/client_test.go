package kite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trade-mirror-go/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a Client configured to use it.
func setupTestServer(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)

	client := resty.New().SetBaseURL(server.URL).SetHeader("X-Kite-Version", apiVersion)

	c := &Client{
		client:     client,
		apiKey:     "test_api_key",
		logger:     zap.NewNop(),
		limiter:    rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		maxRetries: 2,
	}

	return c, server
}

func testCredential() (Credential, func()) {
	return NewCredential(42, []byte("access-token"))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestFetchRecentTrades(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/orders", r.URL.Path)
			assert.Equal(t, "token test_api_key:access-token", r.Header.Get("Authorization"))
			assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
			writeJSON(w, http.StatusOK, `{"status":"success","data":[
				{"order_id":"1001","tradingsymbol":"RELIANCE","transaction_type":"BUY","quantity":10,"status":"COMPLETE","order_timestamp":"2024-05-02 10:15:00"},
				{"order_id":"1002","tradingsymbol":"INFY","transaction_type":"SELL","quantity":"bad"}
			]}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		raws, err := c.FetchRecentTrades(context.Background(), cred)
		require.NoError(t, err)
		require.Len(t, raws, 2)

		first := Normalize(zap.NewNop(), raws[0])
		require.NotNil(t, first)
		assert.Equal(t, "1001", first.BrokerOrderID)
		// one malformed entry does not spoil the batch
		assert.Nil(t, Normalize(zap.NewNop(), raws[1]))
	})

	t.Run("ServerError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadGateway, `{"status":"error","message":"upstream down","error_type":"NetworkException"}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		_, err := c.FetchRecentTrades(context.Background(), cred)
		assert.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Contains(t, err.Error(), "upstream down")
	})

	t.Run("TokenRejected", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		_, err := c.FetchRecentTrades(context.Background(), cred)
		assert.ErrorIs(t, err, ErrTokenInvalid)
		assert.False(t, IsTransient(err))
	})

	t.Run("RateLimitedThenSuccess", func(t *testing.T) {
		calls := 0
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.Header().Set("Retry-After", "0")
				writeJSON(w, http.StatusTooManyRequests, `{"status":"error","message":"Too many requests","error_type":"NetworkException"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"status":"success","data":[]}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		raws, err := c.FetchRecentTrades(context.Background(), cred)
		assert.NoError(t, err)
		assert.Empty(t, raws)
		assert.Equal(t, 2, calls)
	})

	t.Run("ReleasedCredential", func(t *testing.T) {
		c, server := setupTestServer(http.NotFoundHandler())
		defer server.Close()

		cred, release := testCredential()
		release()

		_, err := c.FetchRecentTrades(context.Background(), cred)
		assert.ErrorIs(t, err, ErrCredentialReleased)
	})
}

func TestPlaceOrder(t *testing.T) {
	price := 2450.5
	spec := OrderSpec{
		Symbol: "RELIANCE", Exchange: "NSE", Side: "BUY", OrderType: "LIMIT",
		Product: "CNC", Quantity: 5, Price: &price,
	}

	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/orders/regular", r.URL.Path)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "RELIANCE", r.PostForm.Get("tradingsymbol"))
			assert.Equal(t, "5", r.PostForm.Get("quantity"))
			assert.Equal(t, "2450.5", r.PostForm.Get("price"))
			assert.Equal(t, "", r.PostForm.Get("trigger_price"))
			assert.Equal(t, "DAY", r.PostForm.Get("validity"))
			writeJSON(w, http.StatusOK, `{"status":"success","data":{"order_id":"151220000000000"}}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		id, err := c.PlaceOrder(context.Background(), cred, spec)
		assert.NoError(t, err)
		assert.Equal(t, "151220000000000", id)
	})

	t.Run("Rejected", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"status":"error","message":"Insufficient funds","error_type":"MarginException"}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		_, err := c.PlaceOrder(context.Background(), cred, spec)
		assert.True(t, IsRejection(err))
		assert.Contains(t, err.Error(), "Insufficient funds")
	})

	t.Run("NotRetriedOnRateLimit", func(t *testing.T) {
		calls := 0
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			writeJSON(w, http.StatusTooManyRequests, `{"status":"error","message":"slow down"}`)
		})
		c, server := setupTestServer(handler)
		defer server.Close()

		cred, release := testCredential()
		defer release()

		_, err := c.PlaceOrder(context.Background(), cred, spec)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 1, calls)
	})
}

func TestGetOrderStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/900", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"status":"success","data":[
			{"order_id":"900","status":"OPEN PENDING","average_price":0},
			{"order_id":"900","status":"REJECTED","average_price":0,"filled_quantity":0,"status_message":"RMS: margin exceeds"}
		]}`)
	})
	c, server := setupTestServer(handler)
	defer server.Close()

	cred, release := testCredential()
	defer release()

	status, err := c.GetOrderStatus(context.Background(), cred, "900")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", status.Status)
	assert.Equal(t, "RMS: margin exceeds", status.StatusMessage)
}

func TestGetPositions(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio/positions", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"status":"success","data":{"net":[
			{"tradingsymbol":"RELIANCE","exchange":"NSE","quantity":10,"average_price":2400,"last_price":2450,"unrealised":500}
		],"day":[]}}`)
	})
	c, server := setupTestServer(handler)
	defer server.Close()

	cred, release := testCredential()
	defer release()

	positions, err := c.GetPositions(context.Background(), cred)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2450.0, positions[0].LastPrice)
}

func TestNewClient(t *testing.T) {
	cfg := &config.Kite{ApiKey: "key", BaseURL: "https://api.kite.trade", RateLimit: 10, RateLimitBurst: 5, Timeout: time.Second, MaxRetries: 3}
	c := NewClient(cfg, zap.NewNop())
	assert.NotNil(t, c)
	assert.Equal(t, "key", c.apiKey)
	assert.Equal(t, 3, c.maxRetries)
}
