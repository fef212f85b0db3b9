// Package remote implements the store contracts against the server of
// record's JSON API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

const defaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// APIError is a non-2xx response the client could not map to a store
// sentinel.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is then ignored.
	HTTPClient *http.Client
}

type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

var (
	_ store.LogStore      = (*Client)(nil)
	_ store.DeviceStore   = (*Client)(nil)
	_ store.CustomerStore = (*Client)(nil)
)

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote: base url required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: hc, logger: logger.With(zap.String("component", "remote_store"))}, nil
}

// ── Logs ─────────────────────────────────────────────────────────────────────

func (c *Client) FetchLogPage(ctx context.Context, eventID string, page int) (types.LogPage, error) {
	if page < 1 {
		page = 1
	}
	path := "/v1/logs"
	if eventID != "" {
		path = "/v1/events/" + url.PathEscape(eventID) + "/logs"
	}
	q := url.Values{"page": {strconv.Itoa(page)}}

	var out types.LogPage
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return types.LogPage{}, fmt.Errorf("fetch log page %d: %w", page, err)
	}
	return out, nil
}

func (c *Client) SearchLogs(ctx context.Context, filter types.LogFilter) ([]types.ScanRecord, error) {
	q := url.Values{"q": {filter.Query}}
	if filter.EventID != "" {
		q.Set("event_id", filter.EventID)
	}

	var out []types.ScanRecord
	if err := c.do(ctx, http.MethodGet, "/v1/logs/search", q, nil, &out); err != nil {
		return nil, fmt.Errorf("search logs: %w", err)
	}
	return out, nil
}

func (c *Client) RecordScanResult(ctx context.Context, req types.RecordScanRequest) (types.RecordScanResponse, error) {
	var out types.RecordScanResponse
	if err := c.do(ctx, http.MethodPost, "/v1/logs", nil, req, &out); err != nil {
		return types.RecordScanResponse{}, fmt.Errorf("record scan %s: %w", req.CardID, err)
	}
	return out, nil
}

// ── Devices ──────────────────────────────────────────────────────────────────

func (c *Client) FindDevice(ctx context.Context, serial string) (types.DeviceRecord, error) {
	var out types.DeviceRecord
	if err := c.do(ctx, http.MethodGet, "/v1/devices", url.Values{"serial": {serial}}, nil, &out); err != nil {
		return types.DeviceRecord{}, fmt.Errorf("find device %s: %w", serial, err)
	}
	return out, nil
}

func (c *Client) CreateDevice(ctx context.Context, serial string, defaults types.DeviceDefaults) (types.DeviceRecord, error) {
	body := types.CreateDeviceRequest{Serial: serial, Status: defaults.Status, ExpiresAt: defaults.ExpiresAt}

	var out types.DeviceRecord
	if err := c.do(ctx, http.MethodPost, "/v1/devices", nil, body, &out); err != nil {
		return types.DeviceRecord{}, fmt.Errorf("create device %s: %w", serial, err)
	}
	return out, nil
}

func (c *Client) AssignDevice(ctx context.Context, deviceID, customerID string) (types.DeviceRecord, error) {
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/customer"

	var out types.DeviceRecord
	if err := c.do(ctx, http.MethodPut, path, nil, types.AssignDeviceRequest{CustomerID: customerID}, &out); err != nil {
		return types.DeviceRecord{}, fmt.Errorf("assign device %s: %w", deviceID, err)
	}
	return out, nil
}

// ── Customers ────────────────────────────────────────────────────────────────

func (c *Client) FindCustomers(ctx context.Context, query string) ([]types.Customer, error) {
	var out []types.Customer
	if err := c.do(ctx, http.MethodGet, "/v1/customers", url.Values{"q": {query}}, nil, &out); err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	return out, nil
}

// ── Transport ────────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// The status said success; a body cut short is a transport fault.
			return fmt.Errorf("%w: decode response: %w", store.ErrTransient, err)
		}
		return nil
	}

	return statusError(resp)
}

func statusError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(b, apiErr)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", store.ErrNotFound, apiErr)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %w", store.ErrConflict, apiErr)
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", store.ErrTransient, apiErr)
	default:
		return apiErr
	}
}
