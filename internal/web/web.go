// Package web exposes the session controller and the share service to the
// browser UI over HTTP and a WebSocket snapshot stream.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vibecanvas/internal/observe"
	"github.com/MrWong99/vibecanvas/internal/session"
	"github.com/MrWong99/vibecanvas/internal/share"
	"github.com/MrWong99/vibecanvas/pkg/types"
)

const (
	maxRequestBody = 1 << 20
	writeTimeout   = 5 * time.Second
)

// Controller is the part of [session.Controller] the handlers use.
type Controller interface {
	Snapshot() session.Snapshot
	StartSession(ctx context.Context, channelID string) (session.Snapshot, error)
	EndSession(ctx context.Context) error
	SelectArtifact(id string) error
	ExportSelected() (types.CodeArtifact, error)
	Watch(ctx context.Context) <-chan struct{}
}

// Sharer is the part of [share.Service] the handlers use.
type Sharer interface {
	Put(ctx context.Context, content string) (share.Result, error)
	Get(ctx context.Context, id string) (string, error)
}

var (
	_ Controller = (*session.Controller)(nil)
	_ Sharer     = (*share.Service)(nil)
)

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithSharer enables the share and paste routes. Without it they answer 503.
func WithSharer(s Sharer) Option {
	return func(h *Handler) { h.sharer = s }
}

// WithChannelPrefix sets the prefix of generated channel names.
func WithChannelPrefix(p string) Option {
	return func(h *Handler) { h.channelPrefix = p }
}

// WithChannelSuffix replaces the random suffix generator for channel names.
func WithChannelSuffix(gen func() string) Option {
	return func(h *Handler) {
		if gen != nil {
			h.channelSuffix = gen
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose host
// matches one of the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// Handler serves the UI-facing API.
type Handler struct {
	ctrl           Controller
	sharer         Sharer
	channelPrefix  string
	channelSuffix  func() string
	originPatterns []string
}

// New creates a Handler for ctrl.
func New(ctrl Controller, opts ...Option) *Handler {
	h := &Handler{
		ctrl:          ctrl,
		channelPrefix: "agora-ai-",
		channelSuffix: randomSuffix,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Register adds all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.handleState)
	mux.HandleFunc("POST /api/session/start", h.handleStart)
	mux.HandleFunc("POST /api/session/end", h.handleEnd)
	mux.HandleFunc("PUT /api/artifacts/selected", h.handleSelect)
	mux.HandleFunc("GET /api/artifacts/selected/export", h.handleExport)
	mux.HandleFunc("POST /api/share", h.handleShare)
	mux.HandleFunc("GET /api/paste/{id}", h.handlePaste)
	mux.HandleFunc("GET /view/{id}", h.handleView)
	mux.HandleFunc("GET /api/ws", h.handleWS)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

type startRequest struct {
	Channel string `json:"channel"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = h.channelPrefix + h.channelSuffix()
	}

	snap, err := h.ctrl.StartSession(r.Context(), channel)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		observe.Logger(r.Context()).Error("start session failed", "channel", channel, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.EndSession(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type selectRequest struct {
	ID string `json:"id"`
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := h.ctrl.SelectArtifact(req.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	a, err := h.ctrl.ExportSelected()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="artifact-%s.html"`, a.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, a.Content)
}

type shareRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	if h.sharer == nil {
		writeError(w, http.StatusServiceUnavailable, "sharing is not configured")
		return
	}
	var req shareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := req.Code
	if code == "" {
		a, err := h.ctrl.ExportSelected()
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		code = a.Content
	}

	res, err := h.sharer.Put(r.Context(), code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, share.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "code is required")
	default:
		observe.Logger(r.Context()).Error("share failed", "err", err)
		writeError(w, http.StatusBadGateway, "failed to share code")
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.sharer == nil {
		writeError(w, http.StatusServiceUnavailable, "sharing is not configured")
		return "", false
	}
	content, err := h.sharer.Get(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		return content, true
	case errors.Is(err, share.ErrNotFound), errors.Is(err, share.ErrEmptyContent):
		writeError(w, http.StatusNotFound, "paste not found")
	default:
		observe.Logger(r.Context()).Error("paste lookup failed", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusBadGateway, "failed to fetch paste")
	}
	return "", false
}

func (h *Handler) handlePaste(w http.ResponseWriter, r *http.Request) {
	content, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	content, ok := h.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, content)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("web: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
