// Package httpapi exposes sending, address resolution and mailbox
// inspection over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/mailbox"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/attractor/internal/svcfields"
	"pkt.systems/attractor/internal/uuidv7"
	"pkt.systems/attractor/metadata"
)

const (
	defaultPeekLimit = 32
	maxPeekLimit     = 1000
)

// Service is the runtime surface the API drives.
type Service interface {
	Send(ctx context.Context, addr address.Address, payload []byte, md metadata.Bag) (string, error)
	Resolve(ctx context.Context, addr address.Address) (string, bool, error)
	Peek(ctx context.Context, addr address.Address, limit int) ([]mailbox.Record, error)
	Depth(ctx context.Context, addr address.Address) (int, error)
}

// Config wires a Handler.
type Config struct {
	Service         Service
	Logger          pslog.Logger
	MaxPayloadBytes int64
}

// Handler serves the HTTP API.
type Handler struct {
	svc             Service
	logger          pslog.Logger
	maxPayloadBytes int64
}

// SendResponse is returned by POST /v1/send.
type SendResponse struct {
	ID string `json:"id"`
}

// ResolveResponse is returned by GET /v1/resolve.
type ResolveResponse struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
}

// MailboxResponse is returned by GET /v1/mailbox.
type MailboxResponse struct {
	Address  string         `json:"address"`
	Depth    int            `json:"depth"`
	Messages []MessageEntry `json:"messages"`
}

// MessageEntry describes one stored message without its payload.
type MessageEntry struct {
	ID         string       `json:"id"`
	State      string       `json:"state"`
	Attempts   int          `json:"attempts"`
	Size       int          `json:"size"`
	VisibleAt  time.Time    `json:"visible_at"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	LastError  string       `json:"last_error,omitempty"`
	Metadata   metadata.Bag `json:"metadata,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("httpapi: service required")
	}
	return &Handler{
		svc:             cfg.Service,
		logger:          svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "api.http"),
		maxPayloadBytes: cfg.MaxPayloadBytes,
	}, nil
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/send", h.wrap("send", http.MethodPost, h.handleSend))
	mux.Handle("/v1/resolve", h.wrap("resolve", http.MethodGet, h.handleResolve))
	mux.Handle("/v1/mailbox", h.wrap("mailbox", http.MethodGet, h.handleMailbox))
	mux.Handle("/healthz", h.wrap("healthz", http.MethodGet, h.handleHealth))
}

// Mux returns a fresh ServeMux carrying the API routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := h.logger.With(
			"req_id", uuidv7.NewString(),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		var err error
		if r.Method != method {
			w.Header().Set("Allow", method)
			err = httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: r.Method}
		} else {
			err = fn(w, r)
		}
		if err != nil {
			h.handleError(ctx, w, err)
		}
		logger.Debug("http.request.complete", "operation", operation, "elapsed", time.Since(start), "error", err)
	})
	return otelhttp.NewHandler(handler, "attractor.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) error {
	addr, err := addressFromQuery(r)
	if err != nil {
		return err
	}
	body := io.Reader(r.Body)
	if h.maxPayloadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxPayloadBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Detail: err.Error()}
		}
		return httpError{Status: http.StatusBadRequest, Code: "read_body", Detail: err.Error()}
	}
	var md metadata.Bag
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "" {
		if err := metadata.Set(&md, metadata.ContentType, ct); err != nil {
			return err
		}
	}
	id, err := h.svc.Send(r.Context(), addr, payload, md)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, SendResponse{ID: id})
	return nil
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) error {
	addr, err := addressFromQuery(r)
	if err != nil {
		return err
	}
	owner, ok, err := h.svc.Resolve(r.Context(), addr)
	if err != nil {
		return err
	}
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "not_registered", Detail: "no live owner for address"}
	}
	writeJSON(w, http.StatusOK, ResolveResponse{Address: addr.String(), Owner: owner})
	return nil
}

func (h *Handler) handleMailbox(w http.ResponseWriter, r *http.Request) error {
	addr, err := addressFromQuery(r)
	if err != nil {
		return err
	}
	limit := defaultPeekLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_limit", Detail: raw}
		}
		limit = min(n, maxPeekLimit)
	}
	depth, err := h.svc.Depth(r.Context(), addr)
	if err != nil {
		return err
	}
	records, err := h.svc.Peek(r.Context(), addr, limit)
	if err != nil {
		return err
	}
	resp := MailboxResponse{Address: addr.String(), Depth: depth, Messages: make([]MessageEntry, 0, len(records))}
	for _, rec := range records {
		resp.Messages = append(resp.Messages, MessageEntry{
			ID:         rec.ID,
			State:      string(rec.State),
			Attempts:   rec.Attempts,
			Size:       len(rec.Payload),
			VisibleAt:  rec.VisibleAt,
			EnqueuedAt: rec.EnqueuedAt,
			LastError:  rec.LastError,
			Metadata:   rec.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

// addressFromQuery reads "address" (raw text) or "address_b64" (the
// base64url token form, for binary addresses).
func addressFromQuery(r *http.Request) (address.Address, error) {
	q := r.URL.Query()
	if token := q.Get("address_b64"); token != "" {
		addr, err := address.Decode(token)
		if err != nil {
			return address.Address{}, httpError{Status: http.StatusBadRequest, Code: "invalid_address", Detail: err.Error()}
		}
		return addr, nil
	}
	addr := address.Parse(q.Get("address"))
	if addr.IsZero() {
		return address.Address{}, httpError{Status: http.StatusBadRequest, Code: "missing_address", Detail: "address or address_b64 required"}
	}
	return addr, nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	herr := convertError(err)
	if herr.Status >= http.StatusInternalServerError {
		logger.Warn("http.request.error", "status", herr.Status, "code", herr.Code, "error", err)
	} else {
		logger.Debug("http.request.failure", "status", herr.Status, "code", herr.Code, "detail", herr.Detail)
	}
	if herr.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, herr.Status, ErrorResponse{Error: herr.Code, Detail: herr.Detail})
}

func convertError(err error) httpError {
	var herr httpError
	switch {
	case errors.As(err, &herr):
		return herr
	case errors.Is(err, address.ErrEmpty):
		return httpError{Status: http.StatusBadRequest, Code: "missing_address", Detail: err.Error()}
	case errors.Is(err, mailbox.ErrPayloadTooLarge):
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Detail: err.Error()}
	case errors.Is(err, storage.ErrUnavailable):
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusServiceUnavailable, Code: "cancelled", Detail: err.Error()}
	default:
		return httpError{Status: http.StatusInternalServerError, Code: "internal", Detail: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", storage.ContentTypeJSON)
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
