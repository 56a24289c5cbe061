// Package auth holds the client's credential session: the bearer token, the
// user it belongs to, and the calls that create or destroy them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"GateChat/internal/backend"
	"GateChat/internal/config"
)

const networkErrorMessage = "Network error. Please try again."

// API is the subset of the backend the provider calls
type API interface {
	Login(ctx context.Context, req backend.LoginRequest) (*backend.AuthResponse, error)
	Register(ctx context.Context, req backend.RegisterRequest) (*backend.AuthResponse, error)
	VerifyEmail(ctx context.Context, req backend.VerifyEmailRequest) (*backend.AuthResponse, error)
	Me(ctx context.Context, header map[string]string) (*backend.User, error)
	Logout(ctx context.Context, header map[string]string) error
}

// Error is a failed login, registration or verification, carrying the text
// to show the user.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Provider owns the current credential. It is safe for concurrent use.
type Provider struct {
	api    API
	store  TokenStore
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	token string
	user  *backend.User

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int
}

// NewProvider creates a provider backed by api and store
func NewProvider(api API, store TokenStore, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		api:       api,
		store:     store,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func()),
	}
}

// AuthHeader returns the headers to attach to an authenticated request:
// empty without a token, otherwise a single bearer Authorization entry.
func (p *Provider) AuthHeader() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.token == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + p.token}
}

// Hydrate restores the persisted token and checks it against GET /auth/me.
// Any failure clears the persisted token.
func (p *Provider) Hydrate(ctx context.Context) (*backend.User, bool) {
	token, err := p.store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			p.logger.Warn("failed to read stored token", "error", err)
		}
		p.logger.Info("no stored credential")
		return nil, false
	}

	header := map[string]string{"Authorization": "Bearer " + token}
	user, err := p.api.Me(ctx, header)
	if err != nil {
		p.logger.Info("stored credential rejected", "error", err)
		if err := p.store.Clear(); err != nil {
			p.logger.Warn("failed to clear stored token", "error", err)
		}
		p.mu.Lock()
		p.token = ""
		p.user = nil
		p.mu.Unlock()
		return nil, false
	}

	p.mu.Lock()
	p.token = token
	p.user = user
	p.mu.Unlock()

	p.logger.Info("session restored", "user", user.Username)
	return user, true
}

// Invalidate drops the credential and notifies OnInvalidate subscribers.
// Calling it without a credential held does nothing.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	held := p.token != "" || p.user != nil
	p.token = ""
	p.user = nil
	p.mu.Unlock()

	if err := p.store.Clear(); err != nil {
		p.logger.Warn("failed to clear stored token", "error", err)
	}

	if !held {
		return
	}

	p.logger.Info("session invalidated")

	p.listenersMu.Lock()
	callbacks := make([]func(), 0, len(p.listeners))
	for _, fn := range p.listeners {
		callbacks = append(callbacks, fn)
	}
	p.listenersMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// OnInvalidate registers fn to run after the session is invalidated and
// returns a function that removes the registration.
func (p *Provider) OnInvalidate(fn func()) (cancel func()) {
	p.listenersMu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.listenersMu.Unlock()

	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, id)
		p.listenersMu.Unlock()
	}
}

// Authenticated reports whether a verified credential is held
func (p *Provider) Authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != "" && p.user != nil
}

// User returns the signed-in user, or nil
func (p *Provider) User() *backend.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user
}

// Login exchanges credentials for a token and persists it.
func (p *Provider) Login(ctx context.Context, usernameOrEmail, password string) (*backend.User, error) {
	resp, err := p.api.Login(ctx, backend.LoginRequest{
		UsernameOrEmail: usernameOrEmail,
		Password:        password,
	})
	if err != nil {
		return nil, failure(err, "Login failed")
	}
	if !resp.Success || resp.AccessToken == "" {
		return nil, &Error{Message: messageOr(resp.Message, "Login failed")}
	}

	if err := p.store.Save(resp.AccessToken, p.now().Add(config.TokenLifetime)); err != nil {
		p.logger.Warn("failed to persist token", "error", err)
	}

	user := resp.User
	if user == nil {
		user = &backend.User{Username: usernameOrEmail}
	}

	p.mu.Lock()
	p.token = resp.AccessToken
	p.user = user
	p.mu.Unlock()

	p.logger.Info("logged in", "user", user.Username)
	return user, nil
}

// Register creates an account and returns the server's confirmation text
func (p *Provider) Register(ctx context.Context, username, email, password string) (string, error) {
	resp, err := p.api.Register(ctx, backend.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return "", failure(err, "Registration failed")
	}
	if !resp.Success {
		return "", &Error{Message: messageOr(resp.Message, "Registration failed")}
	}
	return resp.Message, nil
}

// VerifyEmail redeems an email verification token
func (p *Provider) VerifyEmail(ctx context.Context, token string) (string, error) {
	resp, err := p.api.VerifyEmail(ctx, backend.VerifyEmailRequest{Token: token})
	if err != nil {
		return "", failure(err, "Email verification failed")
	}
	if !resp.Success {
		return "", &Error{Message: messageOr(resp.Message, "Email verification failed")}
	}
	return resp.Message, nil
}

// Logout tells the backend the session is over and then invalidates it
// locally. The backend call is best effort.
func (p *Provider) Logout(ctx context.Context) {
	header := p.AuthHeader()
	if len(header) > 0 {
		if err := p.api.Logout(ctx, header); err != nil {
			p.logger.Warn("logout request failed", "error", err)
		}
	}
	p.Invalidate()
}

func failure(err error, fallback string) *Error {
	var transportErr *backend.TransportError
	if errors.As(err, &transportErr) {
		return &Error{Message: networkErrorMessage, Err: err}
	}
	return &Error{Message: messageOr(backend.Detail(err), fallback), Err: err}
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
