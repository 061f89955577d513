// Package transport executes authenticated registry requests with bounded retries.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/iotcloud-client/pkg/errs"
	"github.com/and161185/iotcloud-client/pkg/telemetry"
	"github.com/and161185/iotcloud-client/pkg/token"
)

const (
	// DefaultRetryBound is the number of extra attempts for transient failures.
	DefaultRetryBound = 3
	// DefaultTimeout applies to calls whose context carries no deadline.
	DefaultTimeout = 30 * time.Second

	headerRequestID = "X-Request-Id"
	maxErrorMessage = 512
)

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenProvider supplies bearer credentials. *token.Cache implements it.
type TokenProvider interface {
	Token(ctx context.Context) (token.Credential, error)
	// ForceRefresh replaces the credential whose access token was rejected.
	ForceRefresh(ctx context.Context, rejected string) (token.Credential, error)
}

var _ TokenProvider = (*token.Cache)(nil)

// Config holds executor settings.
type Config struct {
	BaseURL string
	// RetryBound is the number of extra attempts after a transport failure or 5xx.
	RetryBound int
	Backoff    BackoffConfig
	// DefaultTimeout is applied when the caller's context has no deadline. Zero disables it.
	DefaultTimeout time.Duration
	UserAgent      string
}

// Request is one logical registry call.
type Request struct {
	// Operation and Collection label the call in telemetry.
	Operation  string
	Collection string

	Method string
	// Path segments are escaped individually and appended to the base URL.
	Path        []string
	Query       url.Values
	Body        []byte
	ContentType string

	// NoRetry disables retries on transport failures and 5xx.
	NoRetry bool
	// PassStatus lists non-2xx statuses returned as responses instead of errors.
	PassStatus []int
	// Anonymous sends no Authorization header and never refreshes on 401.
	Anonymous bool
}

// Response is a successful (or passed-through) HTTP response with its body read.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
}

// Executor sends requests with a bearer token, refreshing it once on 401 and
// retrying transient failures with backoff.
type Executor struct {
	cfg    Config
	base   *url.URL
	doer   Doer
	tokens TokenProvider
	hook   *telemetry.Hook
	log    *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTelemetry reports each attempt to h.
func WithTelemetry(h *telemetry.Hook) Option { return func(e *Executor) { e.hook = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.log = l } }

// NewExecutor validates cfg and returns an executor.
func NewExecutor(cfg Config, doer Doer, tokens TokenProvider, opts ...Option) (*Executor, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("base url %q: need http(s)://host", cfg.BaseURL)
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	if cfg.RetryBound < 0 {
		cfg.RetryBound = 0
	}
	e := &Executor{cfg: cfg, base: base, doer: doer, tokens: tokens, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

type state int

const (
	stateAttempting state = iota
	stateRetryAfterAuthRefresh
	stateRetryAfterTransientFailure
	stateExhausted
	stateDone
)

// call is the per-request retry state.
type call struct {
	req       Request
	url       string
	path      string
	id        string
	attempt   int
	transient int
	refreshed bool
	// bearer is the token sent on the latest attempt.
	bearer string

	resp *Response
	err  error
}

// Execute runs req to completion. Non-2xx statuses are returned as *errs.APIError
// unless listed in req.PassStatus.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && e.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DefaultTimeout)
		defer cancel()
	}

	u, err := e.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	c := &call{req: req, url: u.String(), path: u.EscapedPath(), id: newRequestID()}

	st := stateAttempting
	for {
		switch st {
		case stateAttempting:
			c.attempt++
			st = e.attempt(ctx, c)

		case stateRetryAfterAuthRefresh:
			c.refreshed = true
			e.log.Debug("registry call unauthorized, refreshing credential",
				zap.String("request_id", c.id), zap.Int("attempt", c.attempt))
			if _, err := e.tokens.ForceRefresh(ctx, c.bearer); err != nil {
				return nil, err
			}
			st = stateAttempting

		case stateRetryAfterTransientFailure:
			c.transient++
			e.log.Debug("registry call failed, retrying",
				zap.String("request_id", c.id), zap.Int("attempt", c.attempt), zap.Error(c.err))
			if err := e.wait(ctx, c.transient); err != nil {
				return nil, e.ctxError(c, err)
			}
			st = stateAttempting

		case stateExhausted:
			e.log.Warn("registry call retries exhausted",
				zap.String("request_id", c.id), zap.Int("attempts", c.attempt), zap.Error(c.err))
			return nil, c.err

		case stateDone:
			return c.resp, c.err
		}
	}
}

// attempt sends one HTTP request and decides the next state. Its telemetry span is
// ended on every path.
func (e *Executor) attempt(ctx context.Context, c *call) state {
	span := e.hook.Start(telemetry.SpanInfo{
		RequestID:  c.id,
		Operation:  c.req.Operation,
		Collection: c.req.Collection,
		Method:     c.req.Method,
		Path:       c.path,
		Attempt:    c.attempt,
	})

	bearer, provided := "", true
	if !c.req.Anonymous {
		var err error
		bearer, provided, err = e.bearer(ctx)
		if err != nil {
			span.End(0, OutcomeFor(err), err)
			c.err = err
			return stateDone
		}
	}
	c.bearer = bearer

	var body io.Reader = http.NoBody
	if c.req.Body != nil {
		body = bytes.NewReader(c.req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, c.req.Method, c.url, body)
	if err != nil {
		c.err = fmt.Errorf("%w: build request: %w", errs.ErrClient, err)
		span.End(0, telemetry.OutcomeClientError, c.err)
		return stateDone
	}
	if !c.req.Anonymous {
		hreq.Header.Set("Authorization", "Bearer "+bearer)
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set(headerRequestID, c.id)
	if e.cfg.UserAgent != "" {
		hreq.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	if c.req.Body != nil && c.req.ContentType != "" {
		hreq.Header.Set("Content-Type", c.req.ContentType)
	}

	resp, err := e.doer.Do(hreq)
	if err != nil {
		return e.transportFailure(ctx, c, span, err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return e.transportFailure(ctx, c, span, fmt.Errorf("read body: %w", err))
	}

	status := resp.StatusCode
	kind := errs.KindForStatus(status)
	if kind == nil || slices.Contains(c.req.PassStatus, status) {
		span.End(status, OutcomeFor(kind), nil)
		c.resp = &Response{Status: status, Header: resp.Header, Body: data, RequestID: c.id}
		c.err = nil
		return stateDone
	}

	apiErr := &errs.APIError{
		Status: status,
		Kind:   kind,
		Info:   decodeErrorInfo(data),
		Method: c.req.Method,
		Path:   c.path,
	}
	c.err = apiErr
	span.End(status, OutcomeFor(kind), apiErr)

	switch {
	case kind == errs.ErrUnauthorized && !c.refreshed && !provided:
		return stateRetryAfterAuthRefresh
	case kind == errs.ErrServer:
		return e.retryTransient(c)
	default:
		return stateDone
	}
}

func (e *Executor) transportFailure(ctx context.Context, c *call, span *telemetry.Span, err error) state {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.err = e.ctxError(c, ctxErr)
		span.End(0, OutcomeFor(c.err), c.err)
		return stateDone
	}
	c.err = fmt.Errorf("%w: %s %s: %w", errs.ErrTransport, c.req.Method, c.path, err)
	span.End(0, telemetry.OutcomeTransportError, c.err)
	return e.retryTransient(c)
}

func (e *Executor) retryTransient(c *call) state {
	if c.req.NoRetry || c.transient >= e.cfg.RetryBound {
		return stateExhausted
	}
	return stateRetryAfterTransientFailure
}

func (e *Executor) ctxError(c *call, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %w", errs.ErrTimeout, c.req.Method, c.path, err)
	}
	return fmt.Errorf("%s %s: %w", c.req.Method, c.path, err)
}

func (e *Executor) bearer(ctx context.Context) (string, bool, error) {
	if tok, ok := ProvidedTokenFromCtx(ctx); ok {
		return tok, true, nil
	}
	cred, err := e.tokens.Token(ctx)
	if err != nil {
		return "", false, err
	}
	return cred.AccessToken, false, nil
}

func (e *Executor) wait(ctx context.Context, retry int) error {
	d := e.cfg.Backoff.Delay(retry)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) buildURL(segments []string, query url.Values) (*url.URL, error) {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	raw := strings.TrimRight(e.base.String(), "/") + "/" + strings.Join(parts, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: build url: %w", errs.ErrClient, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u, nil
}

func decodeErrorInfo(body []byte) errs.ErrorInfo {
	var info errs.ErrorInfo
	if err := json.Unmarshal(body, &info); err == nil && info.Error != "" {
		return info
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return errs.ErrorInfo{Message: msg}
}

func newRequestID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}

// OutcomeFor maps an error (or its kind) to a telemetry outcome.
func OutcomeFor(err error) telemetry.Outcome {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, errs.ErrNotFound):
		return telemetry.OutcomeNotFound
	case errors.Is(err, errs.ErrVersionConflict):
		return telemetry.OutcomeConflict
	case errors.Is(err, errs.ErrUnauthorized):
		return telemetry.OutcomeUnauthorized
	case errors.Is(err, errs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return telemetry.OutcomeCanceled
	case errors.Is(err, errs.ErrServer):
		return telemetry.OutcomeServerError
	case errors.Is(err, errs.ErrTransport):
		return telemetry.OutcomeTransportError
	default:
		return telemetry.OutcomeClientError
	}
}
