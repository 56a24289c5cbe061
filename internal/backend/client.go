package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "GateChat/internal/backend"

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Client talks to the chat backend over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry sets the tracer and meter used for every request
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Client) {
		c.tracer = tracer
		c.duration = newDurationHistogram(meter)
	}
}

// NewClient creates a backend client rooted at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
		tracer:     otel.Tracer(instrumentationName),
		duration:   newDurationHistogram(otel.Meter(instrumentationName)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newDurationHistogram(meter metric.Meter) metric.Float64Histogram {
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		slog.Warn("failed to create request duration histogram", "error", err)
		return nil
	}
	return histogram
}

// BaseURL returns the backend root the client was created with
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login calls POST /auth/login. A 2xx reply with success=false is returned
// as is; callers decide what counts as a usable login.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register calls POST /auth/register
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyEmail calls POST /auth/verify-email
func (c *Client) VerifyEmail(ctx context.Context, req VerifyEmailRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/verify-email", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me calls GET /auth/me with the given auth headers
func (c *Client) Me(ctx context.Context, header map[string]string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", header, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout calls POST /auth/logout
func (c *Client) Logout(ctx context.Context, header map[string]string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", header, nil, nil)
}

// Chat sends a text prompt to POST /chat
func (c *Client) Chat(ctx context.Context, header map[string]string, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat", header, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatImage sends a prompt plus an image to POST /chat/image as multipart form data
func (c *Client) ChatImage(ctx context.Context, header map[string]string, prompt string, file ImageUpload) (*ChatResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("prompt", prompt); err != nil {
		return nil, fmt.Errorf("failed to write prompt field: %w", err)
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(file.Filename)))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partHeader.Set("Content-Type", contentType)

	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat/image", header, mw.FormDataContentType(), &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health calls GET /health
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, header map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}
	return c.do(ctx, method, path, header, "application/json", body, out)
}

// do performs one request. Non-2xx replies become *APIError, failures to
// reach the server or read the reply become *TransportError.
func (c *Client) do(ctx context.Context, method, path string, header map[string]string, contentType string, body io.Reader, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range header {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Warn("backend request failed", "method", method, "path", path, "error", err)
		return &TransportError{Op: "send request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return &TransportError{Op: "read response", Err: err}
	}

	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if c.duration != nil {
		c.duration.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(
				attribute.String("url.path", path),
				attribute.Int("http.response.status_code", resp.StatusCode),
			),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Detail: parseErrorBody(respBody)}
		span.SetStatus(codes.Error, apiErr.Error())
		c.logger.Info("backend returned error", "method", method, "path", path, "status", resp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}

	c.logger.Debug("backend request complete", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", elapsed.Milliseconds())

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
