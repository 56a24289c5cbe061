package chatbot

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"GateChat/internal/attachment"
	"GateChat/internal/auth"
	"GateChat/internal/backend"
	"GateChat/internal/config"
	"GateChat/internal/session"
	"GateChat/internal/telemetry"
)

// ChatBot is the terminal front end: a login prompt until a session is
// held, then a chat prompt driving a Controller.
type ChatBot struct {
	config  config.Config
	db      *sql.DB
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	cleanup func()

	api      *backend.Client
	provider *auth.Provider
	media    *attachment.Handler

	ctrl       *Controller
	redirected atomic.Bool
	printed    int

	in  io.Reader
	out io.Writer
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer := otel.Tracer("GateChat")
	meter := otel.Meter("GateChat")
	cleanup := func() {}
	if cfg.Telemetry {
		tracer, meter, cleanup, err = telemetry.InitTelemetry(ctx, cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	var db *sql.DB
	var store auth.TokenStore
	if cfg.Ephemeral {
		store = auth.NewMemoryStore()
	} else {
		db, err = telemetry.InitDB(cfg.DBPath)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		store, err = auth.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			cleanup()
			return nil, fmt.Errorf("failed to initialize credential store: %w", err)
		}
	}

	if cfg.Debug {
		logger.Debug("Debug mode enabled")
	}

	api := backend.NewClient(cfg.APIURL,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		backend.WithLogger(logger),
		backend.WithTelemetry(tracer, meter),
	)

	cb := newChatBot(cfg, api, auth.NewProvider(api, store, logger), attachment.NewHandler(cfg.PreviewSize, logger), logger)
	cb.db = db
	cb.tracer = tracer
	cb.meter = meter
	cb.cleanup = cleanup
	return cb, nil
}

func newChatBot(cfg config.Config, api *backend.Client, provider *auth.Provider, media *attachment.Handler, logger *slog.Logger) *ChatBot {
	return &ChatBot{
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("GateChat"),
		meter:    otel.Meter("GateChat"),
		cleanup:  func() {},
		api:      api,
		provider: provider,
		media:    media,
		in:       os.Stdin,
		out:      os.Stdout,
	}
}

// mount starts a fresh chat session for the current credential
func (cb *ChatBot) mount(ctx context.Context) SessionState {
	if cb.ctrl != nil {
		cb.ctrl.Close()
	}
	cb.redirected.Store(false)
	cb.printed = 0

	cb.ctrl = NewController(cb.provider, cb.media, cb.api,
		WithControllerLogger(cb.logger),
		WithControllerTelemetry(cb.tracer, cb.meter),
		WithRedirect(func() { cb.redirected.Store(true) }),
	)

	state := cb.ctrl.Start(ctx)
	if state != StateAuthenticated {
		cb.ctrl.Close()
		cb.ctrl = nil
		return state
	}

	user := cb.ctrl.User()
	fmt.Fprintf(cb.out, "Signed in as %s. Type a message or /help for commands.\n\n", user.Username)
	return state
}

func (cb *ChatBot) chatting() bool {
	return cb.ctrl != nil && !cb.redirected.Load()
}

// leaveChat drops the controller after its session ended
func (cb *ChatBot) leaveChat(reason string) {
	if cb.ctrl != nil {
		cb.ctrl.Close()
		cb.ctrl = nil
	}
	fmt.Fprintln(cb.out, reason)
	fmt.Fprintln(cb.out, "Use /login <username|email> <password> to continue.")
	fmt.Fprintln(cb.out)
}

// sendMessage sends text as the next exchange and prints the outcome
func (cb *ChatBot) sendMessage(ctx context.Context, text string) {
	cb.ctrl.SetDraft(text)

	ex, err := cb.ctrl.Send(ctx)
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			fmt.Fprintf(cb.out, "! %s\n", cb.ctrl.Banner())
			return
		}
		fmt.Fprintf(cb.out, "Error: %v\n", err)
		return
	}

	cb.render()
	fmt.Fprintln(cb.out, "AI is thinking...")
	<-ex.Done()

	if cb.redirected.Load() {
		cb.leaveChat("Your session has expired.")
		return
	}

	cb.render()
	if banner := cb.ctrl.Banner(); banner != "" {
		fmt.Fprintf(cb.out, "! %s\n", banner)
	}
	fmt.Fprintln(cb.out)
}

// render prints transcript entries not yet shown. The user's own text is
// already on screen.
func (cb *ChatBot) render() {
	messages := cb.ctrl.Transcript()
	if cb.printed > len(messages) {
		cb.printed = 0
	}

	for _, msg := range messages[cb.printed:] {
		switch {
		case msg.IsImage:
			fmt.Fprintf(cb.out, "[%s] You attached %s (%s)\n", msg.Timestamp, msg.Image.Name, humanSize(msg.Image.Size))
		case msg.Sender == session.SenderUser:
		case msg.Sender == session.SenderBot:
			fmt.Fprintf(cb.out, "[%s] Bot: %s\n", msg.Timestamp, msg.Content)
			if msg.ModelUsed != "" {
				fmt.Fprintf(cb.out, "           via %s\n", msg.ModelUsed)
			}
		default:
			fmt.Fprintf(cb.out, "[%s] System: %s\n", msg.Timestamp, msg.Content)
		}
	}
	cb.printed = len(messages)
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		cb.printHelp()
		return false, nil

	case "/status":
		health, err := cb.api.Health(ctx)
		if err != nil {
			return false, fmt.Errorf("backend unreachable: %w", err)
		}
		fmt.Fprintf(cb.out, "Backend %s: %s (version %s)\n", cb.api.BaseURL(), health.Status, health.Version)
		return false, nil
	}

	if cb.chatting() {
		return false, cb.handleChatCommand(ctx, parts)
	}
	return false, cb.handleLoginCommand(ctx, parts)
}

func (cb *ChatBot) handleLoginCommand(ctx context.Context, parts []string) error {
	switch parts[0] {
	case "/login":
		if len(parts) != 3 {
			return fmt.Errorf("usage: /login <username|email> <password>")
		}
		user, err := cb.provider.Login(ctx, parts[1], parts[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(cb.out, "Welcome, %s!\n", user.Username)
		if cb.mount(ctx) != StateAuthenticated {
			return fmt.Errorf("login was not accepted by the server")
		}
		return nil

	case "/register":
		if len(parts) != 4 {
			return fmt.Errorf("usage: /register <username> <email> <password>")
		}
		msg, err := cb.provider.Register(ctx, parts[1], parts[2], parts[3])
		if err != nil {
			return err
		}
		fmt.Fprintln(cb.out, msg)
		fmt.Fprintln(cb.out, "Check your inbox, then run /verify <token>.")
		return nil

	case "/verify":
		if len(parts) != 2 {
			return fmt.Errorf("usage: /verify <token>")
		}
		msg, err := cb.provider.VerifyEmail(ctx, parts[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cb.out, msg)
		fmt.Fprintln(cb.out, "You can now /login.")
		return nil

	default:
		return fmt.Errorf("unknown command %s, please log in first (see /help)", parts[0])
	}
}

func (cb *ChatBot) handleChatCommand(ctx context.Context, parts []string) error {
	switch parts[0] {
	case "/attach":
		if len(parts) < 2 {
			return fmt.Errorf("usage: /attach <path>")
		}
		path := strings.Join(parts[1:], " ")
		file, err := attachment.FromPath(path)
		if err != nil {
			return err
		}
		pending, err := cb.ctrl.Stage(file)
		if err != nil {
			return err
		}
		fmt.Fprintf(cb.out, "Attached %s (%s). It will be sent with your next message.\n", pending.File.Name, humanSize(pending.File.Size))
		return nil

	case "/detach":
		cb.ctrl.Unstage()
		fmt.Fprintln(cb.out, "Attachment removed.")
		return nil

	case "/send":
		// Sends the staged attachment without text.
		cb.sendMessage(ctx, "")
		return nil

	case "/clear":
		cb.ctrl.ClearHistory()
		cb.printed = 0
		fmt.Fprintln(cb.out, "Chat cleared.")
		return nil

	case "/whoami":
		user := cb.ctrl.User()
		if user == nil {
			return fmt.Errorf("not signed in")
		}
		verified := "unverified"
		if user.EmailVerified {
			verified = "verified"
		}
		fmt.Fprintf(cb.out, "%s <%s> (%s)\n", user.Username, user.Email, verified)
		return nil

	case "/logout":
		cb.provider.Logout(ctx)
		cb.leaveChat("Logged out.")
		return nil

	case "/login", "/register", "/verify":
		return fmt.Errorf("already signed in, /logout first")

	default:
		return fmt.Errorf("unknown command %s (see /help)", parts[0])
	}
}

func (cb *ChatBot) printHelp() {
	fmt.Fprintln(cb.out, "Available commands:")
	if cb.chatting() {
		fmt.Fprintln(cb.out, "  /attach <path>      - Stage an image for the next message")
		fmt.Fprintln(cb.out, "  /detach             - Remove the staged image")
		fmt.Fprintln(cb.out, "  /send               - Send the staged image without text")
		fmt.Fprintln(cb.out, "  /clear              - Clear the chat")
		fmt.Fprintln(cb.out, "  /whoami             - Show the signed-in user")
		fmt.Fprintln(cb.out, "  /logout             - Sign out")
	} else {
		fmt.Fprintln(cb.out, "  /login <user> <pw>  - Sign in with username or email")
		fmt.Fprintln(cb.out, "  /register <username> <email> <password>")
		fmt.Fprintln(cb.out, "                      - Create an account")
		fmt.Fprintln(cb.out, "  /verify <token>     - Verify your email address")
	}
	fmt.Fprintln(cb.out, "  /status             - Check the backend")
	fmt.Fprintln(cb.out, "  /help               - Show this help message")
	fmt.Fprintln(cb.out, "  /quit, /exit        - Exit")
}

// Run starts the chat bot
func (cb *ChatBot) Run() error {
	defer cb.cleanup()
	if cb.db != nil {
		defer cb.db.Close()
	}

	fmt.Fprintln(cb.out, "=== GateChat ===")
	fmt.Fprintf(cb.out, "Backend: %s\n", cb.api.BaseURL())
	fmt.Fprintln(cb.out)

	ctx := context.Background()

	if cb.mount(ctx) != StateAuthenticated {
		cb.leaveChat("You are not signed in.")
	}

	scanner := bufio.NewScanner(cb.in)
	for {
		if cb.chatting() {
			fmt.Fprint(cb.out, "You: ")
		} else {
			fmt.Fprint(cb.out, "login> ")
		}
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if !cb.chatting() {
			fmt.Fprintln(cb.out, "Please log in first (see /help).")
			continue
		}

		cb.sendMessage(ctx, input)
	}

	if cb.ctrl != nil {
		cb.ctrl.Close()
	}

	if err := scanner.Err(); err != nil {
		cb.logger.Error("failed to read input", "error", err)
		return err
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}

func humanSize(n int64) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
