// Package attachment validates and stages the single image that rides along
// with the next outgoing chat message.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nfnt/resize"

	"GateChat/internal/cache"
	"GateChat/internal/config"
)

var (
	ErrUnsupportedType = errors.New("unsupported attachment type")
	ErrTooLarge        = errors.New("attachment too large")
)

// ValidationError is a rejected Stage call. Message is meant for the user.
type ValidationError struct {
	Reason  error
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// File is a candidate attachment. Its content is read lazily so oversized
// files are rejected without loading them.
type File struct {
	Name     string
	MIMEType string
	Size     int64
	read     func() ([]byte, error)
}

// ReadAll returns the file content
func (f File) ReadAll() ([]byte, error) {
	if f.read == nil {
		return nil, fmt.Errorf("file %q has no content", f.Name)
	}
	return f.read()
}

// FromBytes wraps in-memory content
func FromBytes(name, mimeType string, data []byte) File {
	return File{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		read:     func() ([]byte, error) { return data, nil },
	}
}

// FromPath describes the file at path, typing it by extension
func FromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	return File{
		Name:     filepath.Base(path),
		MIMEType: mimeFromExtension(path),
		Size:     info.Size(),
		read:     func() ([]byte, error) { return os.ReadFile(path) },
	}, nil
}

// Pending is a staged attachment. Preview is empty until the background
// render finishes.
type Pending struct {
	File     File
	Preview  string // data URI
	StagedAt time.Time
}

type staged struct {
	pending Pending
	done    chan struct{}
}

// Handler holds at most one staged attachment
type Handler struct {
	maxSize     int64
	previewSize uint
	previews    *cache.Previews
	logger      *slog.Logger

	mu      sync.Mutex
	current *staged
}

// NewHandler creates a handler that downsizes previews to previewSize
// pixels on their longest edge; 0 keeps previews at full size.
func NewHandler(previewSize uint, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		maxSize:     config.MaxAttachmentSize,
		previewSize: previewSize,
		previews:    cache.NewPreviews(cache.DefaultMaxPreviews),
		logger:      logger,
	}
}

// Stage validates f and makes it the pending attachment, replacing any
// previous one. A rejected file leaves the current attachment in place.
func (h *Handler) Stage(f File) (Pending, error) {
	mimeType := f.MIMEType
	if mimeType == "" {
		mimeType = mimeFromExtension(f.Name)
	}
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mediaType
	}

	if !strings.HasPrefix(mimeType, "image/") {
		return Pending{}, &ValidationError{Reason: ErrUnsupportedType, Message: "Please select a valid image file"}
	}
	if f.Size > h.maxSize {
		return Pending{}, &ValidationError{Reason: ErrTooLarge, Message: "Image size must be less than 10MB"}
	}
	f.MIMEType = mimeType

	st := &staged{
		pending: Pending{File: f, StagedAt: time.Now()},
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.current = st
	h.mu.Unlock()

	h.logger.Info("attachment staged", "name", f.Name, "mime_type", mimeType, "size", f.Size)

	go h.render(st)

	return st.pending, nil
}

// Current returns a snapshot of the staged attachment
func (h *Handler) Current() (Pending, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return Pending{}, false
	}
	return h.current.pending, true
}

// Ready is closed once the current attachment's preview render has finished
// (successfully or not). With nothing staged it is already closed.
func (h *Handler) Ready() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return h.current.done
}

// Clear drops the staged attachment
func (h *Handler) Clear() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

func (h *Handler) render(st *staged) {
	defer close(st.done)

	file := st.pending.File
	data, err := file.ReadAll()
	if err != nil {
		h.logger.Warn("failed to read attachment for preview", "name", file.Name, "error", err)
		return
	}

	preview := h.preview(file.MIMEType, data)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Cleared or replaced while rendering.
	if h.current != st {
		return
	}
	st.pending.Preview = preview
}

func (h *Handler) preview(mimeType string, data []byte) string {
	key := cache.GenerateCacheKey(mimeType, data)
	if uri, ok := h.previews.Load(key); ok {
		return uri
	}

	uri := dataURI(mimeType, data)
	if thumb, thumbType, ok := h.thumbnail(data); ok {
		uri = dataURI(thumbType, thumb)
	}

	h.previews.Store(key, uri)
	return uri
}

// thumbnail downsizes images larger than the preview bound. Formats the
// standard decoders do not know are left alone.
func (h *Handler) thumbnail(data []byte) ([]byte, string, bool) {
	if h.previewSize == 0 {
		return nil, "", false
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", false
	}

	bounds := img.Bounds()
	if uint(bounds.Dx()) <= h.previewSize && uint(bounds.Dy()) <= h.previewSize {
		return nil, "", false
	}

	thumb := resize.Thumbnail(h.previewSize, h.previewSize, img, resize.Lanczos3)

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, thumb); err != nil {
			return nil, "", false
		}
		return buf.Bytes(), "image/png", true
	}
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", false
	}
	return buf.Bytes(), "image/jpeg", true
}

func dataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func mimeFromExtension(name string) string {
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if idx := strings.Index(mimeType, ";"); idx > 0 {
		mimeType = mimeType[:idx]
	}
	return mimeType
}
