// Package supabase is the hosted platform adapter: PostgREST for records and
// procedures, GoTrue for accounts and Phoenix-channel realtime for change
// feeds.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
)

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is
// wrapped with request logging.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithToken sets where the bearer token comes from. An empty token falls
// back to the anon key.
func WithToken(fn func() string) Option { return func(c *Client) { c.token = fn } }

func WithLogger(log *zap.Logger) Option { return func(c *Client) { c.log = log } }

// WithSchema sets the schema realtime topics are scoped to. Default "public".
func WithSchema(schema string) Option { return func(c *Client) { c.schema = schema } }

// WithHeartbeat overrides the realtime heartbeat interval.
func WithHeartbeat(d time.Duration) Option { return func(c *Client) { c.heartbeat = d } }

// Client talks to one project.
type Client struct {
	base      *url.URL
	anonKey   string
	http      *http.Client
	token     func() string
	schema    string
	heartbeat time.Duration
	log       *zap.Logger

	rt *realtime
}

var (
	_ backend.Backend       = (*Client)(nil)
	_ backend.Authenticator = (*Client)(nil)
)

// New returns a client for the project at projectURL.
func New(projectURL, anonKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, backend.Invalid("SUPABASE_URL", fmt.Sprintf("not a project url: %q", projectURL))
	}
	if anonKey == "" {
		return nil, backend.Invalid("SUPABASE_ANON_KEY", "required")
	}
	c := &Client{
		base:      u,
		anonKey:   anonKey,
		http:      &http.Client{Timeout: 30 * time.Second},
		token:     func() string { return "" },
		schema:    "public",
		heartbeat: 25 * time.Second,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = &loggingTransport{next: next, log: c.log}
	c.http = &hc
	c.rt = newRealtime(c)
	return c, nil
}

func (c *Client) bearer() string {
	if t := c.token(); t != "" {
		return t
	}
	return c.anonKey
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Error bodies are classified by decodeError.
func (c *Client) do(ctx context.Context, op, method, endpoint, bearer string, body any, out any, header http.Header) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return backend.Transport(op, err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return backend.Transport(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Transport(op, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return backend.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// apiError covers both PostgREST and GoTrue error bodies.
type apiError struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Hint             string `json:"hint"`
	Details          string `json:"details"`
	Msg              string `json:"msg"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func (e apiError) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription} {
		if s != "" {
			return s
		}
	}
	return ""
}

// decodeError turns a failed response into the backend error taxonomy. A
// hint on a raised exception is the business rule code.
func decodeError(op string, status int, raw []byte) error {
	var e apiError
	if json.Unmarshal(raw, &e) != nil {
		return backend.Transport(op, fmt.Errorf("http %d: %s", status, bytes.TrimSpace(raw)))
	}
	switch {
	case e.Hint != "":
		return &backend.BusinessRuleError{Code: backend.ParseCode(e.Hint), Message: e.text()}
	case e.Code == "P0001" || e.Code == "23505":
		return &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: e.text()}
	case e.Code == "42501" || status == http.StatusForbidden:
		return &backend.BusinessRuleError{Code: backend.CodeForbidden, Message: e.text()}
	case status == http.StatusBadRequest && e.text() != "" && e.Code == "":
		// GoTrue rejections ("Invalid login credentials").
		return &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: e.text()}
	default:
		return backend.Transport(op, fmt.Errorf("http %d: %s", status, e.text()))
	}
}

// loggingTransport tags requests with an id and logs their outcome.
type loggingTransport struct {
	next http.RoundTripper
	log  *zap.Logger
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	traceID := r.Header.Get("X-Request-ID")
	if traceID == "" {
		traceID = uuid.NewString()
		r = r.Clone(r.Context())
		r.Header.Set("X-Request-ID", traceID)
	}
	logger := t.log.With(
		zap.String("trace_id", traceID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)

	resp, err := t.next.RoundTrip(r)
	if err != nil {
		logger.Warn("HTTP request failed", zap.Error(err), zap.Duration("duration_ms", time.Since(start)))
		return nil, err
	}
	logger.Debug("HTTP request complete",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration_ms", time.Since(start)),
	)
	return resp, nil
}

// Close drops the realtime connection.
func (c *Client) Close() {
	c.rt.close()
}
