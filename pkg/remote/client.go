package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/ipamctl/ipamctl/pkg/telemetry"
)

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is read for the
	// message; the rest is discarded.
	maxErrorBody = 4 << 10
)

// Config carries the connection settings for the address-manager API.
type Config struct {
	// BaseURL is the API root, e.g. "https://ipam.example.com/api/v2".
	BaseURL string

	// Username and Password authenticate the API session.
	Username string
	Password string

	// Timeout bounds a single request. Zero means 30 seconds.
	Timeout time.Duration

	// TLSInsecureSkipVerify disables certificate verification.
	TLSInsecureSkipVerify bool
}

// CallRecorder receives client-level measurements. A nil recorder disables
// collection.
type CallRecorder interface {
	RecordRemoteCall(method string, status int, duration time.Duration)
	RecordRemoteError(method string, class engine.ErrorClass)
	RecordRateLimit()
}

var _ CallRecorder = (*telemetry.Metrics)(nil)

// Client talks to the address-manager REST API. Requests carry the session
// credentials obtained from POST /sessions; an expired session is renewed
// once per request and responses map onto the engine's error classes.
// Methods are safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	catalog  engine.Catalog
	http     *http.Client
	logger   zerolog.Logger
	recorder CallRecorder

	mu    sync.Mutex
	creds string // Basic credentials for the current session
	gen   uint64 // bumped on every successful login
}

var _ engine.RemoteClient = (*Client)(nil)

// NewClient builds a client for the API at cfg.BaseURL. The catalog drives
// path walking in GetByPath and must declare every resource type the
// client resolves.
func NewClient(cfg Config, catalog engine.Catalog, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("remote username is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("resource catalog is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport
	if cfg.TLSInsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		catalog:  catalog,
		http:     &http.Client{Timeout: timeout, Transport: transport},
		logger:   logger.With().Str("component", "remote").Logger(),
	}, nil
}

// SetRecorder wires call metrics into the client. Call before the first
// request.
func (c *Client) SetRecorder(r CallRecorder) {
	c.recorder = r
}

// credentials returns the current session credentials, logging in first
// when the client has none. The returned generation identifies the session
// so a 401 observed against it triggers at most one renewal.
func (c *Client) credentials(ctx context.Context) (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == "" {
		if err := c.loginLocked(ctx); err != nil {
			return "", 0, err
		}
	}
	return c.creds, c.gen, nil
}

// renew replaces the session unless another request already did. The
// generation check keeps a burst of 401s from stampeding the session
// endpoint: the first caller logs in, the rest see a newer generation and
// reuse its credentials.
func (c *Client) renew(ctx context.Context, observed uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != observed {
		return nil
	}
	c.creds = ""
	return c.loginLocked(ctx)
}

// loginLocked opens a session and stores its credentials. Callers hold mu.
func (c *Client) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return engine.NewPermanentError("marshal login request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return engine.NewPermanentError("build login request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cerr := classifyTransport(err)
		c.recordError(http.MethodPost, cerr)
		return cerr
	}
	defer resp.Body.Close()
	c.record(http.MethodPost, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusCreated {
		msg := apiMessage(resp)
		var cerr *engine.EngineError
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			cerr = engine.NewPermanentError("authentication rejected: "+msg, nil).
				WithCode(engine.ErrCodeAuthFailed)
		} else {
			cerr = classifyStatus(resp.StatusCode, msg)
		}
		c.recordError(http.MethodPost, cerr)
		return cerr
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return engine.NewTransientError("decode login response", err)
	}
	if session.Credentials == "" {
		return engine.NewPermanentError("login response carried no session credentials", nil).
			WithCode(engine.ErrCodeAuthFailed)
	}

	c.creds = session.Credentials
	c.gen++
	c.logger.Info().Msg("authenticated with address manager")
	return nil
}

// do performs one authenticated exchange against an endpoint, decoding the
// response into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	ic := telemetry.StartOperation(ctx, "remote.request",
		attribute.String("http.method", method),
		attribute.String("api.endpoint", endpoint))
	err := c.exchange(ic.Ctx, method, endpoint, query, body, out, false)
	ic.End(err)
	return err
}

// exchange sends the request with the current session. A 401 renews the
// session and retries once; a second 401 fails permanently since the
// credentials themselves must be wrong.
func (c *Client) exchange(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}, renewed bool) error {
	creds, gen, err := c.credentials(ctx)
	if err != nil {
		return err
	}

	status, err := c.roundTrip(ctx, method, endpoint, query, body, creds, out)
	if status != http.StatusUnauthorized {
		return err
	}
	if renewed {
		cerr := engine.NewPermanentError("authentication failed after session renewal", nil).
			WithCode(engine.ErrCodeAuthFailed)
		c.recordError(method, cerr)
		return cerr
	}

	c.logger.Info().Str("endpoint", endpoint).Msg("session expired, renewing")
	if err := c.renew(ctx, gen); err != nil {
		return err
	}
	return c.exchange(ctx, method, endpoint, query, body, out, true)
}

// roundTrip performs a single HTTP exchange. Non-2xx statuses other than
// 401 come back as classified engine errors carrying the server's message;
// 401 is left to the caller's renewal logic.
func (c *Client) roundTrip(ctx context.Context, method, endpoint string, query url.Values, body interface{}, creds string, out interface{}) (int, error) {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, engine.NewPermanentError("marshal request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, engine.NewPermanentError("build request", err)
	}
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		cerr := classifyTransport(err)
		c.recordError(method, cerr)
		return 0, cerr
	}
	defer resp.Body.Close()
	c.record(method, resp.StatusCode, duration)

	c.logger.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("api call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		drain(resp.Body)
		return resp.StatusCode, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		if c.recorder != nil {
			c.recorder.RecordRateLimit()
		}
		cerr := engine.NewThrottledError("rate limited by address manager", nil).
			WithRetryAfter(retryAfterHeader(resp))
		drain(resp.Body)
		c.recordError(method, cerr)
		return resp.StatusCode, cerr

	case resp.StatusCode >= 400:
		cerr := classifyStatus(resp.StatusCode, apiMessage(resp))
		c.recordError(method, cerr)
		return resp.StatusCode, cerr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		drain(resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		cerr := engine.NewTransientError("decode response body", err)
		c.recordError(method, cerr)
		return resp.StatusCode, cerr
	}
	return resp.StatusCode, nil
}

func (c *Client) record(method string, status int, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordRemoteCall(method, status, d)
	}
}

func (c *Client) recordError(method string, err *engine.EngineError) {
	if c.recorder != nil {
		c.recorder.RecordRemoteError(method, err.Class)
	}
}

// classifyTransport maps transport-level failures onto engine error
// classes. Timeouts and connection failures are transient; a cancelled
// context is permanent because retrying it cannot succeed.
func classifyTransport(err error) *engine.EngineError {
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("request timed out", err).WithCode(engine.ErrCodeTimeout)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return engine.NewTransientError("request timed out", err).WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewTransientError("request failed", err)
}

// classifyStatus maps an HTTP status onto the engine's error classes:
// 404 permanent not-found, 409 conflict, other 4xx permanent, 5xx
// transient.
func classifyStatus(status int, message string) *engine.EngineError {
	switch {
	case status == http.StatusNotFound:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return engine.NewPermanentError(message, nil).WithCode(engine.ErrCodeValidation)
	case status == http.StatusConflict:
		return engine.NewConflictError(message, nil)
	case status >= 500:
		return engine.NewTransientError(fmt.Sprintf("server error %d: %s", status, message), nil)
	default:
		return engine.NewPermanentError(fmt.Sprintf("unexpected status %d: %s", status, message), nil)
	}
}

// apiMessage extracts the server's error message from a response body,
// falling back to the raw text when the body is not the JSON error shape.
func apiMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		return http.StatusText(resp.StatusCode)
	}

	var apiErr apiError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		msg := apiErr.Message
		if apiErr.Code != "" {
			msg += " (code " + apiErr.Code + ")"
		}
		if apiErr.Detail != "" && apiErr.Detail != apiErr.Message {
			detail := apiErr.Detail
			if len(detail) > 200 {
				detail = detail[:197] + "..."
			}
			msg += ": " + detail
		}
		return msg
	}
	return strings.TrimSpace(string(raw))
}

// retryAfterHeader reads the Retry-After hint in seconds. Zero when the
// header is absent or unreadable; the engine's own backoff applies then.
func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// drain discards the remaining response body so the connection can be
// reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxErrorBody))
}
