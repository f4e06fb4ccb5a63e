package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trade-mirror-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	apiVersion       = "3"
	errorTypeToken   = "TokenException"
	defaultRetryWait = time.Second
)

// Broker defines the brokerage operations used by the mirroring core.
type Broker interface {
	FetchRecentTrades(ctx context.Context, cred Credential) ([]RawTrade, error)
	PlaceOrder(ctx context.Context, cred Credential, spec OrderSpec) (string, error)
	GetOrderStatus(ctx context.Context, cred Credential, orderID string) (*OrderStatus, error)
	GetPositions(ctx context.Context, cred Credential) ([]Position, error)
}

// Client is a client for the Kite Connect REST API.
// It implements the Broker interface.
type Client struct {
	client     *resty.Client
	apiKey     string
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
}

// ensure Client implements the interface
var _ Broker = (*Client)(nil)

// NewClient creates a new Kite Connect API client.
func NewClient(cfg *config.Kite, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("X-Kite-Version", apiVersion)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:     client,
		apiKey:     cfg.ApiKey,
		logger:     logger.Named("kite"),
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
	}
}

// newRequest prepares an authorised request. The token is read from the credential
// at the last moment and only ever placed in the Authorization header.
func (c *Client) newRequest(ctx context.Context, cred Credential) (*resty.Request, error) {
	token, err := cred.accessToken()
	if err != nil {
		return nil, err
	}
	return c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "token "+c.apiKey+":"+token).
		SetError(&errorEnvelope{}), nil
}

// doRequest runs the request through the rate limiter and classifies failures.
// Only idempotent requests are retried, and only when the broker asks us to slow down.
func (c *Client) doRequest(ctx context.Context, op, method, path string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	attempts := 1
	if idempotent && c.maxRetries > 1 {
		attempts = c.maxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("op", op), zap.String("method", method), zap.String("path", path))
		resp, err := req.Execute(method, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &TransientError{Op: op, Err: ctxErr}
			}
			return nil, &TransientError{Op: op, Err: err}
		}
		if !resp.IsError() {
			return resp, nil
		}

		status := resp.StatusCode()
		apiErr, _ := resp.Error().(*errorEnvelope)
		if apiErr == nil {
			apiErr = &errorEnvelope{}
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}

		switch {
		case status == http.StatusTooManyRequests:
			lastErr = &TransientError{Op: op, StatusCode: status, Err: errors.New(apiErr.Message)}
		case status >= http.StatusInternalServerError:
			return nil, &TransientError{Op: op, StatusCode: status, Err: errors.New(apiErr.Message)}
		case status == http.StatusForbidden || apiErr.ErrorType == errorTypeToken:
			return nil, fmt.Errorf("kite %s: %s: %w", op, apiErr.Message, ErrTokenInvalid)
		default:
			return nil, &RejectionError{Op: op, StatusCode: status, ErrorType: apiErr.ErrorType, Message: apiErr.Message}
		}

		if i == attempts-1 {
			break
		}

		retryAfter := defaultRetryWait << i
		if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
			retryAfter = time.Duration(seconds) * time.Second
		}
		c.logger.Warn("Rate limited by broker, retrying...",
			zap.String("op", op),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, &TransientError{Op: op, Err: ctx.Err()}
		}
	}

	return nil, lastErr
}

// FetchRecentTrades returns today's orders of the credential owner, in broker order.
func (c *Client) FetchRecentTrades(ctx context.Context, cred Credential) ([]RawTrade, error) {
	req, err := c.newRequest(ctx, cred)
	if err != nil {
		return nil, err
	}
	result := &envelope[[]RawTrade]{}
	req.SetResult(result)

	if _, err := c.doRequest(ctx, "fetch_trades", http.MethodGet, "/orders", req, true); err != nil {
		return nil, fmt.Errorf("failed to fetch orders of user %d: %w", cred.UserID(), err)
	}

	c.logger.Debug("Fetched orders", zap.Uint("user_id", cred.UserID()), zap.Int("count", len(result.Data)))
	return result.Data, nil
}

// PlaceOrder places a regular order and returns the broker order id.
// It is never retried here: a timed out placement may still have reached the exchange.
func (c *Client) PlaceOrder(ctx context.Context, cred Credential, spec OrderSpec) (string, error) {
	form := map[string]string{
		"tradingsymbol":    spec.Symbol,
		"exchange":         spec.Exchange,
		"transaction_type": spec.Side,
		"order_type":       spec.OrderType,
		"product":          spec.Product,
		"quantity":         strconv.Itoa(spec.Quantity),
		"validity":         ValidityDay,
	}
	if spec.Price != nil {
		form["price"] = strconv.FormatFloat(*spec.Price, 'f', -1, 64)
	}
	if spec.TriggerPrice != nil {
		form["trigger_price"] = strconv.FormatFloat(*spec.TriggerPrice, 'f', -1, 64)
	}

	req, err := c.newRequest(ctx, cred)
	if err != nil {
		return "", err
	}
	result := &envelope[orderIDResponse]{}
	req.SetFormData(form).SetResult(result)

	l := c.logger.With(
		zap.Uint("user_id", cred.UserID()),
		zap.String("symbol", spec.Symbol),
		zap.String("side", spec.Side),
		zap.Int("quantity", spec.Quantity),
	)

	if _, err := c.doRequest(ctx, "place_order", http.MethodPost, "/orders/"+VarietyRegular, req, false); err != nil {
		l.Warn("Failed to place order", zap.Error(err))
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	if result.Data.OrderID == "" {
		return "", &RejectionError{Op: "place_order", StatusCode: http.StatusOK, Message: "no order id in response"}
	}

	l.Info("Successfully placed order", zap.String("broker_order_id", result.Data.OrderID))
	return result.Data.OrderID, nil
}

// GetOrderStatus returns the latest state of an order from its history.
func (c *Client) GetOrderStatus(ctx context.Context, cred Credential, orderID string) (*OrderStatus, error) {
	req, err := c.newRequest(ctx, cred)
	if err != nil {
		return nil, err
	}
	result := &envelope[[]orderPayload]{}
	req.SetResult(result)

	path := "/orders/" + url.PathEscape(orderID)
	if _, err := c.doRequest(ctx, "order_status", http.MethodGet, path, req, true); err != nil {
		return nil, fmt.Errorf("failed to get status of order %s: %w", orderID, err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("order %s has no history", orderID)
	}

	latest := result.Data[len(result.Data)-1]
	status := &OrderStatus{
		OrderID:        orderID,
		Status:         normalizeStatus(latest.Status),
		AveragePrice:   latest.AveragePrice,
		FilledQuantity: latest.FilledQuantity,
	}
	if latest.StatusMessage != nil {
		status.StatusMessage = *latest.StatusMessage
	}
	return status, nil
}

// GetPositions returns the net positions of the credential owner.
func (c *Client) GetPositions(ctx context.Context, cred Credential) ([]Position, error) {
	req, err := c.newRequest(ctx, cred)
	if err != nil {
		return nil, err
	}
	result := &envelope[positionsResponse]{}
	req.SetResult(result)

	if _, err := c.doRequest(ctx, "positions", http.MethodGet, "/portfolio/positions", req, true); err != nil {
		return nil, fmt.Errorf("failed to get positions of user %d: %w", cred.UserID(), err)
	}
	return result.Data.Net, nil
}

// decodeOrder is split out so Normalize and tests share the same decoding.
func decodeOrder(raw RawTrade) (*orderPayload, error) {
	var p orderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
