package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"GateChat/internal/attachment"
	"GateChat/internal/auth"
	"GateChat/internal/backend"
	"GateChat/internal/session"
)

const testToken = "test-token"

type harness struct {
	ctrl      *Controller
	provider  *auth.Provider
	store     *auth.MemoryStore
	media     *attachment.Handler
	server    *httptest.Server
	chatCalls atomic.Int32
	redirects atomic.Int32
}

// newHarness wires a controller to a fake backend. chat handles /chat and
// /chat/image; /auth/me accepts testToken.
func newHarness(t *testing.T, chat http.HandlerFunc, opts ...ControllerOption) *harness {
	t.Helper()
	h := &harness{}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Could not validate credentials"}`))
			return
		}
		w.Write([]byte(`{"id":"1","username":"ada","email":"ada@example.com","email_verified":true}`))
	})
	countingChat := func(w http.ResponseWriter, r *http.Request) {
		h.chatCalls.Add(1)
		chat(w, r)
	}
	mux.HandleFunc("/chat", countingChat)
	mux.HandleFunc("/chat/image", countingChat)

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)

	h.store = auth.NewMemoryStore()
	if err := h.store.Save(testToken, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	client := backend.NewClient(h.server.URL)
	h.provider = auth.NewProvider(client, h.store, nil)
	h.media = attachment.NewHandler(0, nil)

	opts = append([]ControllerOption{WithRedirect(func() { h.redirects.Add(1) })}, opts...)
	h.ctrl = NewController(h.provider, h.media, client, opts...)
	t.Cleanup(h.ctrl.Close)

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if state := h.ctrl.Start(context.Background()); state != StateAuthenticated {
		t.Fatalf("Start() = %s, want authenticated", state)
	}
}

func (h *harness) send(t *testing.T, text string) *Exchange {
	t.Helper()
	h.ctrl.SetDraft(text)
	ex, err := h.ctrl.Send(context.Background())
	if err != nil {
		t.Fatalf("Send(%q) error = %v", text, err)
	}
	return ex
}

func waitDone(t *testing.T, ex *Exchange) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not settle")
	}
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}
}

func TestStartUnauthenticatedRedirectsOnce(t *testing.T) {
	h := newHarness(t, reply(`{}`))
	h.store.Clear()

	if state := h.ctrl.Start(context.Background()); state != StateUnauthenticated {
		t.Fatalf("Start() = %s, want unauthenticated", state)
	}
	h.ctrl.Start(context.Background())

	if got := h.redirects.Load(); got != 1 {
		t.Errorf("redirects = %d, want 1", got)
	}

	h.ctrl.SetDraft("hello")
	if _, err := h.ctrl.Send(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Send() error = %v, want ErrNotAuthenticated", err)
	}
	if h.chatCalls.Load() != 0 {
		t.Error("unauthenticated send must not reach the backend")
	}
}

func TestStartWithRejectedToken(t *testing.T) {
	h := newHarness(t, reply(`{}`))
	h.store.Save("expired-on-server", time.Now().Add(time.Hour))

	if state := h.ctrl.Start(context.Background()); state != StateUnauthenticated {
		t.Fatalf("Start() = %s, want unauthenticated", state)
	}
	if _, err := h.store.Load(); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("stored token should be cleared, got %v", err)
	}
	if h.redirects.Load() != 1 {
		t.Errorf("redirects = %d, want 1", h.redirects.Load())
	}
}

func TestSendEmptyIsRejectedLocally(t *testing.T) {
	h := newHarness(t, reply(`{"response":"unused"}`))
	h.start(t)

	h.ctrl.SetDraft("   \n\t ")
	ex, err := h.ctrl.Send(context.Background())

	if !errors.Is(err, ErrEmptyMessage) || ex != nil {
		t.Fatalf("Send() = %v, %v; want ErrEmptyMessage", ex, err)
	}
	if h.chatCalls.Load() != 0 {
		t.Errorf("network calls = %d, want 0", h.chatCalls.Load())
	}
	if n := len(h.ctrl.Transcript()); n != 0 {
		t.Errorf("transcript length = %d, want 0", n)
	}
	if h.ctrl.Banner() != EmptyMessageText {
		t.Errorf("Banner() = %q", h.ctrl.Banner())
	}
	if h.ctrl.ExchangeState() != ExchangeComposing {
		t.Errorf("ExchangeState() = %s, want composing", h.ctrl.ExchangeState())
	}
}

func TestSendTextSettles(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("path = %s, want /chat", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q", got)
		}
		var req backend.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Message != "hello" {
			t.Errorf("message = %q, want trimmed hello", req.Message)
		}
		w.Write([]byte(`{"response":"Hi! How can I help?","model_used":"gpt-4o-mini","timestamp":"2025-01-11T10:00:00"}`))
	})
	h.start(t)

	ex := h.send(t, "  hello  ")
	if h.ctrl.Draft() != "" {
		t.Error("draft should be cleared on dispatch")
	}
	waitDone(t, ex)

	if ex.State() != ExchangeSettled {
		t.Errorf("exchange state = %s, want settled", ex.State())
	}
	if h.ctrl.Busy() {
		t.Error("controller should be idle after settle")
	}

	got := h.ctrl.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(got))
	}
	if got[0].Sender != session.SenderUser || got[0].Content != "hello" {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Sender != session.SenderBot || got[1].Content != "Hi! How can I help?" || got[1].ModelUsed != "gpt-4o-mini" {
		t.Errorf("second entry = %+v", got[1])
	}
	if got[0].Timestamp == "" || got[1].Timestamp == "" {
		t.Error("entries should carry a capture timestamp")
	}
}

func TestOptimisticAppendPrecedesReply(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"response":"late"}`))
	})
	h.start(t)

	ex := h.send(t, "hello")

	got := h.ctrl.Transcript()
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("transcript before reply = %+v", got)
	}
	if ex.State() != ExchangeDispatching || h.ctrl.ExchangeState() != ExchangeDispatching {
		t.Errorf("states = %s/%s, want dispatching", ex.State(), h.ctrl.ExchangeState())
	}

	close(release)
	waitDone(t, ex)
}

func TestSendImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	png.Encode(&buf, img)
	data := buf.Bytes()

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/image" {
			t.Errorf("path = %s, want /chat/image", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("prompt"); got != "what is this?" {
			t.Errorf("prompt = %q", got)
		}
		if _, fh, err := r.FormFile("file"); err != nil || fh.Filename != "pixel.png" {
			t.Errorf("file part = %v, %v", fh, err)
		}
		w.Write([]byte(`{"response":"A blank square.","model_used":"gpt-4o"}`))
	})
	h.start(t)

	if _, err := h.ctrl.Stage(attachment.FromBytes("pixel.png", "image/png", data)); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	<-h.media.Ready()

	ex := h.send(t, "what is this?")
	if _, ok := h.media.Current(); ok {
		t.Error("attachment should be consumed on dispatch")
	}
	waitDone(t, ex)

	got := h.ctrl.Transcript()
	if len(got) != 3 {
		t.Fatalf("transcript length = %d, want 3", len(got))
	}
	if got[0].Content != "what is this?" || got[0].IsImage {
		t.Errorf("text entry = %+v", got[0])
	}
	if !got[1].IsImage || got[1].Image == nil || got[1].Image.Name != "pixel.png" {
		t.Errorf("image entry = %+v", got[1])
	}
	if got[1].ImagePreview == "" {
		t.Error("image entry should carry the local preview")
	}
	if got[2].Sender != session.SenderBot || got[2].ModelUsed != "gpt-4o" {
		t.Errorf("bot entry = %+v", got[2])
	}
}

func TestSendImageWithoutText(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		if got := r.FormValue("prompt"); got != "" {
			t.Errorf("prompt = %q, want empty", got)
		}
		w.Write([]byte(`{"response":"ok"}`))
	})
	h.start(t)

	h.ctrl.Stage(attachment.FromBytes("a.gif", "image/gif", []byte("GIF89a")))
	ex, err := h.ctrl.Send(context.Background())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitDone(t, ex)

	got := h.ctrl.Transcript()
	if len(got) != 2 || !got[0].IsImage || got[1].Sender != session.SenderBot {
		t.Errorf("transcript = %+v", got)
	}
}

func TestAttachmentConsumedOnFailure(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h.start(t)

	h.ctrl.Stage(attachment.FromBytes("a.png", "image/png", []byte("x")))
	ex := h.send(t, "look")
	waitDone(t, ex)

	if _, ok := h.media.Current(); ok {
		t.Error("attachment should stay consumed after a failed exchange")
	}
}

func TestStageInvalidSetsBanner(t *testing.T) {
	h := newHarness(t, reply(`{}`))
	h.start(t)

	_, err := h.ctrl.Stage(attachment.FromBytes("notes.txt", "text/plain", []byte("x")))
	if !errors.Is(err, attachment.ErrUnsupportedType) {
		t.Fatalf("Stage() error = %v", err)
	}
	if h.ctrl.Banner() != "Please select a valid image file" {
		t.Errorf("Banner() = %q", h.ctrl.Banner())
	}
	if len(h.ctrl.Transcript()) != 0 {
		t.Error("validation errors must not touch the transcript")
	}
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Token has expired"}`))
	})
	h.start(t)

	ex := h.send(t, "hello")
	waitDone(t, ex)

	if ex.State() != ExchangeFailed || !backend.IsUnauthorized(ex.Err()) {
		t.Errorf("exchange = %s, %v", ex.State(), ex.Err())
	}

	got := h.ctrl.Transcript()
	if len(got) != 1 || got[0].Sender != session.SenderUser {
		t.Errorf("transcript = %+v, want only the user entry", got)
	}
	if h.ctrl.State() != StateUnauthenticated {
		t.Errorf("State() = %s, want unauthenticated", h.ctrl.State())
	}
	if _, err := h.store.Load(); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("stored token should be cleared, got %v", err)
	}
	if h.provider.Authenticated() {
		t.Error("provider should be unauthenticated")
	}
	if h.redirects.Load() != 1 {
		t.Errorf("redirects = %d, want 1", h.redirects.Load())
	}
	if h.ctrl.Banner() != "" {
		t.Errorf("Banner() = %q, unauthorized exchanges show no banner", h.ctrl.Banner())
	}
	if h.ctrl.Busy() {
		t.Error("controller should not stay busy")
	}
}

func TestServerErrorShowsBannerAndErrorEntry(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"overloaded"}`))
	}, WithBannerTimeout(100*time.Millisecond))
	h.start(t)

	ex := h.send(t, "hello")
	waitDone(t, ex)

	if h.ctrl.Banner() != "overloaded" {
		t.Errorf("Banner() = %q, want overloaded", h.ctrl.Banner())
	}

	got := h.ctrl.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(got))
	}
	if got[1].Sender != session.SenderSystem || !got[1].IsError || got[1].Content != ErrorEntryText {
		t.Errorf("error entry = %+v", got[1])
	}
	if got[0].Content != "hello" || got[0].IsError {
		t.Error("the user's entry must not be rewritten")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ctrl.Banner() != "" {
		if time.Now().After(deadline) {
			t.Fatal("banner did not clear")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Recoverable: the user can send again.
	ex = h.send(t, "again")
	waitDone(t, ex)
}

func TestServerErrorWithoutDetailUsesGenericBanner(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`<html>bad gateway</html>`))
	})
	h.start(t)

	ex := h.send(t, "hello")
	waitDone(t, ex)

	if h.ctrl.Banner() != NetworkErrorText {
		t.Errorf("Banner() = %q", h.ctrl.Banner())
	}
}

func TestTransportErrorHandledLikeServerError(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("response writer cannot hijack")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	})
	h.start(t)

	ex := h.send(t, "hello")
	waitDone(t, ex)

	var transportErr *backend.TransportError
	if !errors.As(ex.Err(), &transportErr) {
		t.Errorf("Err() = %v, want *backend.TransportError", ex.Err())
	}
	if h.ctrl.Banner() != NetworkErrorText {
		t.Errorf("Banner() = %q", h.ctrl.Banner())
	}
	got := h.ctrl.Transcript()
	if len(got) != 2 || !got[1].IsError {
		t.Errorf("transcript = %+v", got)
	}
	if h.ctrl.State() != StateAuthenticated {
		t.Error("transport failures must not end the session")
	}
}

func TestBannerTimerResetsOnNewError(t *testing.T) {
	h := newHarness(t, reply(`{}`), WithBannerTimeout(300*time.Millisecond))
	h.start(t)

	h.ctrl.SetDraft("")
	h.ctrl.Send(context.Background())
	time.Sleep(200 * time.Millisecond)

	h.ctrl.Stage(attachment.FromBytes("x.txt", "text/plain", []byte("x")))
	time.Sleep(200 * time.Millisecond)

	if h.ctrl.Banner() != "Please select a valid image file" {
		t.Errorf("Banner() = %q, newer error should still be visible", h.ctrl.Banner())
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ctrl.Banner() != "" {
		if time.Now().After(deadline) {
			t.Fatal("banner did not clear")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClearHistoryDuringExchange(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"response":"late reply"}`))
	})
	h.start(t)

	ex := h.send(t, "hello")
	h.ctrl.ClearHistory()

	if n := len(h.ctrl.Transcript()); n != 0 {
		t.Fatalf("transcript length after clear = %d, want 0", n)
	}

	close(release)
	waitDone(t, ex)

	got := h.ctrl.Transcript()
	if len(got) != 1 || got[0].Sender != session.SenderBot || got[0].Content != "late reply" {
		t.Errorf("transcript = %+v, want only the late reply", got)
	}
}

func TestClearHistoryClearsBanner(t *testing.T) {
	h := newHarness(t, reply(`{}`))
	h.start(t)

	h.ctrl.Send(context.Background())
	if h.ctrl.Banner() == "" {
		t.Fatal("expected a banner")
	}
	h.ctrl.ClearHistory()
	if h.ctrl.Banner() != "" {
		t.Errorf("Banner() = %q after ClearHistory", h.ctrl.Banner())
	}
}

func TestSecondSendWhileBusyIsRefused(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"response":"ok"}`))
	})
	h.start(t)

	first := h.send(t, "first")

	h.ctrl.SetDraft("second")
	if _, err := h.ctrl.Send(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Send() error = %v, want ErrBusy", err)
	}
	if h.ctrl.Draft() != "second" {
		t.Error("refused send must keep the draft")
	}

	close(release)
	waitDone(t, first)

	if got := h.chatCalls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
	if n := len(h.ctrl.Transcript()); n != 2 {
		t.Errorf("transcript length = %d, want 2", n)
	}

	second, err := h.ctrl.Send(context.Background())
	if err != nil {
		t.Fatalf("Send() after settle error = %v", err)
	}
	waitDone(t, second)
}

func TestOnChangeFires(t *testing.T) {
	var changes atomic.Int32
	h := newHarness(t, reply(`{"response":"ok"}`), WithOnChange(func() { changes.Add(1) }))
	h.start(t)

	before := changes.Load()
	ex := h.send(t, "hi")
	waitDone(t, ex)

	if changes.Load() <= before {
		t.Error("OnChange should fire on dispatch and settle")
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateHydrating, "hydrating"},
		{StateAuthenticated, "authenticated"},
		{StateUnauthenticated, "unauthenticated"},
		{SessionState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSessionEndDropsStagedAttachment(t *testing.T) {
	h := newHarness(t, reply(`{}`))
	h.start(t)

	h.ctrl.SetDraft("half typed")
	if _, err := h.ctrl.Stage(attachment.FromBytes("private.png", "image/png", []byte("x"))); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	h.provider.Invalidate()

	if _, ok := h.media.Current(); ok {
		t.Error("invalidated session should drop the staged attachment")
	}
	if h.ctrl.Draft() != "" {
		t.Errorf("Draft() = %q, want empty after invalidation", h.ctrl.Draft())
	}
}

func TestCloseDropsStagedAttachment(t *testing.T) {
	h := newHarness(t, reply(`{}`))
	h.start(t)

	h.ctrl.Stage(attachment.FromBytes("private.png", "image/png", []byte("x")))
	h.ctrl.Close()

	if _, ok := h.media.Current(); ok {
		t.Error("closed controller should drop the staged attachment")
	}
}
