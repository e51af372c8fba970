package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	defaultUserAgent = "annostore/dev"
	maxResponseBytes = 512 << 20
)

// RequestTransport executes HTTP requests. *http.Client satisfies it.
type RequestTransport interface {
	Do(req *http.Request) (*http.Response, error)
}

type ObserverFunc func(operation string, status int, duration time.Duration)

type Option func(*Client)

type Client struct {
	baseURL   *url.URL
	username  string
	password  string
	language  string
	userAgent string
	transport RequestTransport
	observer  ObserverFunc
	logger    *slog.Logger
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = strings.TrimSpace(username)
		c.password = password
	}
}

// WithLanguage sets the Accept-Language header sent with every request.
func WithLanguage(tag string) Option {
	return func(c *Client) {
		c.language = strings.TrimSpace(tag)
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if ua := strings.TrimSpace(userAgent); ua != "" {
			c.userAgent = ua
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, transport RequestTransport, opts ...Option) (*Client, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, errors.New("store: base url is required")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("store: parse base url: %w", err)
	}
	if transport == nil {
		transport = http.DefaultClient
	}
	c := &Client{
		baseURL:   parsed,
		userAgent: defaultUserAgent,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BaseURL returns the store root, always ending in "/".
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Endpoint resolves path against the store root.
func (c *Client) Endpoint(path string) string {
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return c.baseURL.String() + strings.TrimLeft(path, "/")
	}
	return c.baseURL.ResolveReference(ref).String()
}

// Send issues req and normalizes whatever happens into a Response. It never
// returns a Go error; failures are reported in Response.Errors.
func (c *Client) Send(ctx context.Context, req Request) Response {
	started := time.Now()
	resp := c.send(ctx, req)
	duration := time.Since(started)
	c.observe(req.label(), resp.StatusCode, duration)
	if len(resp.Errors) > 0 {
		c.logger.Debug("store_request_failed",
			"operation", req.label(),
			"status", resp.StatusCode,
			"errors", resp.Errors,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return resp
}

// Ping checks that the store answers an authenticated request.
func (c *Client) Ping(ctx context.Context) error {
	return c.Send(ctx, Request{Operation: "getId"}).Err()
}

func (c *Client) send(ctx context.Context, req Request) Response {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return transportFailure(err)
	}

	res, err := c.transport.Do(httpReq)
	if err != nil {
		if httpReq.Body != nil {
			_ = httpReq.Body.Close()
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return cancelled()
		}
		return transportFailure(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return cancelled()
		}
		return transportFailure(err)
	}
	return parseResponse(res.StatusCode, body, req.Raw)
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target, err := c.target(req)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var (
		body        io.Reader
		contentType string
		length      int64 = -1
	)
	switch req.Encoding {
	case EncodingJSON:
		payload, err := req.Params.jsonBody()
		if err != nil {
			return nil, err
		}
		body, contentType, length = bytes.NewReader(payload), "application/json", int64(len(payload))
	case EncodingMultipart:
		body, contentType = multipartBody(ctx, req.Params)
	case EncodingRaw:
		values, _ := req.Params.flatten()
		appendQuery(target, values)
		body, contentType = req.Body, req.ContentType
	default:
		values, _ := req.Params.flatten()
		if hasNoBody(method) {
			appendQuery(target, values)
		} else {
			encoded := values.Encode()
			body, contentType, length = strings.NewReader(encoded), "application/x-www-form-urlencoded", int64(len(encoded))
		}
	}
	if body != nil && req.Progress != nil {
		body = &progressReader{r: body, total: length, fn: req.Progress}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		if closer, ok := body.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("store: build request: %w", err)
	}
	if length >= 0 && body != nil {
		httpReq.ContentLength = length
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	c.applyHeaders(ctx, httpReq)
	return httpReq, nil
}

func (c *Client) target(req Request) (*url.URL, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		if req.Operation == "" {
			return nil, errors.New("store: request needs an operation or url")
		}
		raw = "api/store/" + req.Operation
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	ref.Path = strings.TrimLeft(ref.Path, "/")
	return c.baseURL.ResolveReference(ref), nil
}

func (c *Client) applyHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", sanitizeHeader(c.userAgent))
	if username, password, ok := RequestCredentialsFromContext(ctx); ok {
		req.SetBasicAuth(username, password)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if c.language != "" {
		req.Header.Set("Accept-Language", sanitizeHeader(c.language))
	}
}

func (c *Client) observe(operation string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(operation, status, duration)
	}
}

// multipartBody streams params as multipart/form-data. File sources are
// opened lazily as the transport reads the body.
func multipartBody(ctx context.Context, params Params) (io.Reader, string) {
	values, files := params.flatten()
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(ctx, writer, values, files))
	}()
	return pr, writer.FormDataContentType()
}

func writeMultipart(ctx context.Context, writer *multipart.Writer, values url.Values, files []fileField) error {
	for _, key := range sortedKeys(values) {
		for _, v := range values[key] {
			if err := writer.WriteField(key, v); err != nil {
				return err
			}
		}
	}
	for _, f := range files {
		if f.file.Source == nil {
			return fmt.Errorf("store: file parameter %q has no source", f.field)
		}
		part, err := writer.CreateFormFile(f.field, f.file.fileName())
		if err != nil {
			return err
		}
		src, err := f.file.Source.Open(ctx)
		if err != nil {
			return fmt.Errorf("store: open %s: %w", f.file.fileName(), err)
		}
		_, err = io.Copy(part, src)
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("store: copy %s: %w", f.file.fileName(), err)
		}
	}
	return writer.Close()
}

func sortedKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendQuery(target *url.URL, values url.Values) {
	if len(values) == 0 {
		return
	}
	query := target.Query()
	for k, vs := range values {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	target.RawQuery = query.Encode()
}

func hasNoBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		return true
	}
	return false
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Close() error {
	if closer, ok := p.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
