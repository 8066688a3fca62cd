// Package zinc is the HTTP client for the Zinc order-execution API used with a
// prepaid managed account (ZMA).
package zinc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	fastshot "github.com/opus-domini/fast-shot"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/giftpipe-backend/pkg/config"
)

const maxErrorBody = 2048

// Client talks to the vendor. Calls are rate limited client-side so sweeps
// and bulk releases cannot trip the vendor's own throttling.
type Client struct {
	baseURL     string
	authHeader  string
	timeout     time.Duration
	balancePath string
	limiter     *rate.Limiter
}

func New(cfg config.VendorConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("zinc base url is required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("zinc api token is required")
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	balancePath := cfg.BalancePath
	if balancePath == "" {
		balancePath = "/v1/addax/balance"
	}
	// the API token is the basic-auth username with an empty password
	token := base64.StdEncoding.EncodeToString([]byte(cfg.APIToken + ":"))
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		authHeader:  "Basic " + token,
		timeout:     timeout,
		balancePath: balancePath,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// PlaceOrder submits an order. The vendor deduplicates on IdempotencyKey.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	if len(req.Products) == 0 {
		return nil, errors.New("at least one product is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := fastshot.NewClient(c.baseURL).
		Config().SetTimeout(c.timeout).
		Header().Add("Authorization", c.authHeader).
		Build().POST("/v1/orders").
		Body().AsJSON(req).
		Send()
	var out PlaceOrderResponse
	if err := decode(res, err, &out); err != nil {
		return nil, err
	}
	if out.RequestID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: "missing_request_id", Message: "vendor response carried no request id"}
	}
	return &out, nil
}

// GetOrder fetches the current state of a request. A request the vendor is
// still processing is returned without error.
func (c *Client) GetOrder(ctx context.Context, requestID string) (*OrderResponse, error) {
	if requestID == "" {
		return nil, errors.New("request id is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := fastshot.NewClient(c.baseURL).
		Config().SetTimeout(c.timeout).
		Header().Add("Authorization", c.authHeader).
		Build().GET("/v1/orders/" + requestID).
		Send()
	var out OrderResponse
	if err := decodeOrder(res, err, &out); err != nil {
		return nil, err
	}
	if out.RequestID == "" {
		out.RequestID = requestID
	}
	return &out, nil
}

// GetBalance returns the managed-account balance in minor units.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	res, err := fastshot.NewClient(c.baseURL).
		Config().SetTimeout(c.timeout).
		Header().Add("Authorization", c.authHeader).
		Build().GET(c.balancePath).
		Send()
	var out Balance
	if err := decode(res, err, &out); err != nil {
		return 0, err
	}
	return out.Amount.Shift(2).Round(0).IntPart(), nil
}

func readBody(res fastshot.Response, sendErr error) (int, []byte, error) {
	if sendErr != nil || res.RawResponse == nil {
		if sendErr == nil {
			sendErr = errors.New("empty response")
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, sendErr)
	}
	defer res.RawResponse.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.RawResponse.Body, 1<<20))
	if err != nil {
		return res.RawResponse.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return res.RawResponse.StatusCode, body, nil
}

func decode(res fastshot.Response, sendErr error, out any) error {
	status, body, err := readBody(res, sendErr)
	if err != nil {
		return err
	}
	if status >= 300 {
		return newAPIError(status, body)
	}
	var envelope struct {
		Type    string `json:"_type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type == TypeError {
		return &APIError{StatusCode: status, Code: envelope.Code, Message: envelope.Message}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode vendor response: %w", err)
	}
	return nil
}

// decodeOrder keeps vendor-level error bodies as data: for an order lookup an
// "error" type is a status, not a transport failure.
func decodeOrder(res fastshot.Response, sendErr error, out *OrderResponse) error {
	status, body, err := readBody(res, sendErr)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusBadRequest {
		return newAPIError(status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode vendor order: %w", err)
	}
	if status == http.StatusBadRequest && out.Type != TypeError {
		return newAPIError(status, body)
	}
	return nil
}
