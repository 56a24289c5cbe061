package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"GateChat/internal/attachment"
	"GateChat/internal/backend"
	"GateChat/internal/config"
	"GateChat/internal/session"
)

const (
	EmptyMessageText = "Please enter a message or select an image"
	ErrorEntryText   = "Sorry, I'm having trouble connecting. Please try again."
	NetworkErrorText = "Failed to send message. Please try again."
)

var (
	ErrEmptyMessage     = errors.New("nothing to send")
	ErrBusy             = errors.New("an exchange is already in flight")
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// SessionState is the controller's authentication lifecycle
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateHydrating
	StateAuthenticated
	StateUnauthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHydrating:
		return "hydrating"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// ExchangeState is where a send stands
type ExchangeState int

const (
	ExchangeIdle ExchangeState = iota
	ExchangeComposing
	ExchangeDispatching
	ExchangeSettled
	ExchangeFailed
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangeIdle:
		return "idle"
	case ExchangeComposing:
		return "composing"
	case ExchangeDispatching:
		return "dispatching"
	case ExchangeSettled:
		return "settled"
	case ExchangeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthSession is what the controller needs from the credential holder
type AuthSession interface {
	AuthHeader() map[string]string
	Hydrate(ctx context.Context) (*backend.User, bool)
	Invalidate()
	OnInvalidate(fn func()) (cancel func())
}

// Attachments holds the pending image
type Attachments interface {
	Stage(f attachment.File) (attachment.Pending, error)
	Current() (attachment.Pending, bool)
	Clear()
}

// ChatAPI performs the exchange with the backend
type ChatAPI interface {
	Chat(ctx context.Context, header map[string]string, req backend.ChatRequest) (*backend.ChatResponse, error)
	ChatImage(ctx context.Context, header map[string]string, prompt string, file backend.ImageUpload) (*backend.ChatResponse, error)
}

// Exchange is one send and its settle
type Exchange struct {
	ID string

	mu    sync.Mutex
	state ExchangeState
	err   error
	done  chan struct{}
}

// State returns Dispatching until the exchange settles or fails
func (e *Exchange) State() ExchangeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the failure of a Failed exchange
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is closed once the exchange has finished and the controller is no
// longer busy.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

func (e *Exchange) set(state ExchangeState, err error) {
	e.mu.Lock()
	e.state = state
	e.err = err
	e.mu.Unlock()
}

// Controller owns one chat session: the transcript, the compose buffer and
// the send/receive state machine. At most one exchange is in flight.
type Controller struct {
	auth   AuthSession
	media  Attachments
	api    ChatAPI
	logger *slog.Logger
	tracer trace.Tracer

	exchanges metric.Int64Counter
	duration  metric.Float64Histogram

	transcript    *session.Transcript
	bannerTimeout time.Duration
	redirect      func()
	redirectOnce  sync.Once
	onChange      func()

	mu          sync.Mutex
	state       SessionState
	user        *backend.User
	draft       string
	busy        bool
	banner      string
	bannerTimer *time.Timer
	bannerGen   uint64
	unsubscribe func()
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithControllerTelemetry sets the tracer and meter
func WithControllerTelemetry(tracer trace.Tracer, meter metric.Meter) ControllerOption {
	return func(c *Controller) {
		c.tracer = tracer
		c.initInstruments(meter)
	}
}

// WithRedirect sets the action run once when the session becomes unauthenticated
func WithRedirect(fn func()) ControllerOption {
	return func(c *Controller) { c.redirect = fn }
}

// WithOnChange sets a hook fired after every visible state change
func WithOnChange(fn func()) ControllerOption {
	return func(c *Controller) { c.onChange = fn }
}

// WithBannerTimeout overrides how long an error banner stays up
func WithBannerTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.bannerTimeout = d }
}

// NewController creates a controller. Call Start before sending.
func NewController(auth AuthSession, media Attachments, api ChatAPI, opts ...ControllerOption) *Controller {
	c := &Controller{
		auth:          auth,
		media:         media,
		api:           api,
		logger:        slog.Default(),
		tracer:        otel.Tracer("GateChat/internal/chatbot"),
		transcript:    session.NewTranscript(),
		bannerTimeout: config.BannerTimeout,
		redirect:      func() {},
		onChange:      func() {},
	}
	c.initInstruments(otel.Meter("GateChat/internal/chatbot"))

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) initInstruments(meter metric.Meter) {
	counter, err := meter.Int64Counter(
		"chat.exchanges",
		metric.WithDescription("Chat exchanges by outcome"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "name", "chat.exchanges", "error", err)
	}
	c.exchanges = counter

	histogram, err := meter.Float64Histogram(
		"chat.exchange.duration",
		metric.WithDescription("Time from dispatch to settle in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		c.logger.Warn("failed to create histogram", "name", "chat.exchange.duration", "error", err)
	}
	c.duration = histogram
}

// Start hydrates the auth session. An unauthenticated outcome runs the
// redirect action; the controller does not retry.
func (c *Controller) Start(ctx context.Context) SessionState {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.state = StateHydrating
	c.mu.Unlock()
	c.onChange()

	user, ok := c.auth.Hydrate(ctx)

	c.mu.Lock()
	if !ok {
		c.state = StateUnauthenticated
		c.mu.Unlock()
		c.logger.Info("session unauthenticated, redirecting to login")
		c.redirectOnce.Do(c.redirect)
		c.onChange()
		return StateUnauthenticated
	}

	c.state = StateAuthenticated
	c.user = user
	c.unsubscribe = c.auth.OnInvalidate(c.sessionInvalidated)
	c.mu.Unlock()

	c.logger.Info("chat session started", "user", user.Username)
	c.onChange()
	return StateAuthenticated
}

func (c *Controller) sessionInvalidated() {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return
	}
	c.state = StateUnauthenticated
	c.user = nil
	c.draft = ""
	c.media.Clear()
	c.mu.Unlock()

	c.logger.Info("session invalidated, redirecting to login")
	c.redirectOnce.Do(c.redirect)
	c.onChange()
}

// SetDraft replaces the compose buffer
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
	c.onChange()
}

// Draft returns the compose buffer
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Stage hands f to the attachment handler. Validation failures are shown
// on the banner and returned.
func (c *Controller) Stage(f attachment.File) (attachment.Pending, error) {
	pending, err := c.media.Stage(f)
	if err != nil {
		var vErr *attachment.ValidationError
		if errors.As(err, &vErr) {
			c.mu.Lock()
			c.setBannerLocked(vErr.Message)
			c.mu.Unlock()
			c.onChange()
		}
		return pending, err
	}
	c.onChange()
	return pending, nil
}

// Unstage drops the pending attachment
func (c *Controller) Unstage() {
	c.media.Clear()
	c.onChange()
}

// Send starts an exchange with the current draft and attachment. The user's
// entries are in the transcript when Send returns; the reply is appended
// when the returned exchange is done.
func (c *Controller) Send(ctx context.Context) (*Exchange, error) {
	c.mu.Lock()

	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}

	text := strings.TrimSpace(c.draft)
	pending, hasAttachment := c.media.Current()

	if text == "" && !hasAttachment {
		c.setBannerLocked(EmptyMessageText)
		c.mu.Unlock()
		c.onChange()
		return nil, ErrEmptyMessage
	}

	if text != "" {
		c.transcript.Append(session.Message{
			Sender:  session.SenderUser,
			Content: text,
		})
	}
	if hasAttachment {
		c.transcript.Append(session.Message{
			Sender:  session.SenderUser,
			Content: pending.File.Name,
			IsImage: true,
			Image: &session.ImageRef{
				Name:     pending.File.Name,
				MIMEType: pending.File.MIMEType,
				Size:     pending.File.Size,
			},
			ImagePreview: pending.Preview,
		})
	}

	c.draft = ""
	c.media.Clear()
	c.clearBannerLocked()
	c.busy = true

	ex := &Exchange{
		ID:    uuid.NewString(),
		state: ExchangeDispatching,
		done:  make(chan struct{}),
	}
	c.mu.Unlock()

	c.logger.Info("exchange dispatched", "exchange_id", ex.ID, "with_image", hasAttachment, "text_length", len(text))
	c.onChange()

	go c.dispatch(ctx, ex, text, pending, hasAttachment)

	return ex, nil
}

func (c *Controller) dispatch(ctx context.Context, ex *Exchange, text string, pending attachment.Pending, hasAttachment bool) {
	ctx, span := c.tracer.Start(ctx, "chat_exchange",
		trace.WithAttributes(
			attribute.String("exchange.id", ex.ID),
			attribute.Bool("exchange.with_image", hasAttachment),
		),
	)
	defer span.End()

	start := time.Now()
	header := c.auth.AuthHeader()

	var resp *backend.ChatResponse
	var err error

	if hasAttachment {
		var data []byte
		data, err = pending.File.ReadAll()
		if err != nil {
			err = fmt.Errorf("failed to read attachment: %w", err)
		} else {
			resp, err = c.api.ChatImage(ctx, header, text, backend.ImageUpload{
				Filename:    pending.File.Name,
				ContentType: pending.File.MIMEType,
				Data:        data,
			})
		}
	} else {
		resp, err = c.api.Chat(ctx, header, backend.ChatRequest{Message: text})
	}

	outcome := c.settle(ex, resp, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("exchange.outcome", outcome))

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if c.exchanges != nil {
		c.exchanges.Add(ctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

// settle records the result of an exchange and returns the controller to idle.
func (c *Controller) settle(ex *Exchange, resp *backend.ChatResponse, err error) string {
	var outcome string

	switch {
	case err == nil:
		c.mu.Lock()
		c.transcript.Append(session.Message{
			Sender:    session.SenderBot,
			Content:   resp.Response,
			ModelUsed: resp.ModelUsed,
		})
		c.mu.Unlock()
		ex.set(ExchangeSettled, nil)
		outcome = "settled"
		c.logger.Info("exchange settled", "exchange_id", ex.ID, "model", resp.ModelUsed)

	case backend.IsUnauthorized(err):
		ex.set(ExchangeFailed, err)
		outcome = "unauthorized"
		c.logger.Warn("credential rejected during exchange", "exchange_id", ex.ID, "error", err)
		c.auth.Invalidate()
		// The provider only notifies when it still held a credential.
		c.sessionInvalidated()

	default:
		banner := backend.Detail(err)
		if banner == "" {
			banner = NetworkErrorText
		}
		c.mu.Lock()
		c.transcript.Append(session.Message{
			Sender:  session.SenderSystem,
			Content: ErrorEntryText,
			IsError: true,
		})
		c.setBannerLocked(banner)
		c.mu.Unlock()
		ex.set(ExchangeFailed, err)
		outcome = "failed"
		c.logger.Error("exchange failed", "exchange_id", ex.ID, "error", err)
	}

	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()

	close(ex.done)
	c.onChange()
	return outcome
}

// ClearHistory empties the transcript and the banner. An exchange in
// flight still appends its result when it settles.
func (c *Controller) ClearHistory() {
	c.mu.Lock()
	n := c.transcript.Clear()
	c.clearBannerLocked()
	c.mu.Unlock()

	c.logger.Info("history cleared", "messages", n)
	c.onChange()
}

// Transcript returns a snapshot of the conversation
func (c *Controller) Transcript() []session.Message {
	return c.transcript.Messages()
}

// Banner returns the transient error text, or ""
func (c *Controller) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

// Busy reports whether an exchange is dispatching
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// State returns the session state
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns the signed-in user while authenticated
func (c *Controller) User() *backend.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// ExchangeState reports the compose/send state of the session
func (c *Controller) ExchangeState() ExchangeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return ExchangeDispatching
	}
	if _, ok := c.media.Current(); ok || c.draft != "" {
		return ExchangeComposing
	}
	return ExchangeIdle
}

// Close stops the banner timer, drops the staged attachment and detaches
// from the auth session.
func (c *Controller) Close() {
	c.mu.Lock()
	c.clearBannerLocked()
	c.media.Clear()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// setBannerLocked shows msg and restarts the expiry timer. c.mu must be held.
func (c *Controller) setBannerLocked(msg string) {
	c.banner = msg
	c.bannerGen++
	gen := c.bannerGen

	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
	}
	c.bannerTimer = time.AfterFunc(c.bannerTimeout, func() { c.expireBanner(gen) })
}

// clearBannerLocked hides the banner. c.mu must be held.
func (c *Controller) clearBannerLocked() {
	c.banner = ""
	c.bannerGen++
	if c.bannerTimer != nil {
		c.bannerTimer.Stop()
		c.bannerTimer = nil
	}
}

func (c *Controller) expireBanner(gen uint64) {
	c.mu.Lock()
	if c.bannerGen != gen {
		c.mu.Unlock()
		return
	}
	c.banner = ""
	c.bannerTimer = nil
	c.mu.Unlock()
	c.onChange()
}
