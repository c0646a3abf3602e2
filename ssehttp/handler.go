package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/ggoodman/mcp-sse-bridge/proxy"
	"github.com/ggoodman/mcp-sse-bridge/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

const sessionIDParam = "sessionId"

var _ http.Handler = (*Handler)(nil)

// Bridge is what the transport needs from the router.
type Bridge interface {
	OpenSession(ctx context.Context) (*sessions.Session, error)
	CloseSession(ctx context.Context, sessionID string)
	HandleMessage(ctx context.Context, sessionID string, raw []byte) error
	Subscribe(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error
}

var _ Bridge = (*proxy.Router)(nil)

// Handler serves GET /sse and POST /messages.
type Handler struct {
	mux    chi.Router
	log    *slog.Logger
	bridge Bridge
	// done ends every open stream when the server shuts down.
	done context.Context

	endpoint        *url.URL
	heartbeat       time.Duration
	maxMessageBytes int64
}

// New builds the transport. Streams opened through the handler end when ctx
// is cancelled, which lets http.Server.Shutdown complete.
func New(ctx context.Context, bridge Bridge, opts ...Option) (*Handler, error) {
	if bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	cfg := config{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ssePath:         DefaultSSEPath,
		messagesPath:    DefaultMessagesPath,
		heartbeat:       DefaultHeartbeatInterval,
		maxMessageBytes: DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	endpoint := &url.URL{Path: cfg.messagesPath}
	if cfg.publicURL != "" {
		base, err := url.Parse(cfg.publicURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid public URL %q: must be absolute", cfg.publicURL)
		}
		endpoint = base.JoinPath(cfg.messagesPath)
	}

	h := &Handler{
		log:             cfg.logger,
		bridge:          bridge,
		done:            ctx,
		endpoint:        endpoint,
		heartbeat:       cfg.heartbeat,
		maxMessageBytes: cfg.maxMessageBytes,
	}

	c := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Type"},
	}
	if len(cfg.allowedOrigins) > 0 {
		c.AllowedOrigins = cfg.allowedOrigins
	} else {
		c.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
	}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(c))
	mux.Get(cfg.ssePath, h.handleGetSSE)
	mux.Post(cfg.messagesPath, h.handlePostMessage)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) endpointFor(sessionID string) string {
	u := *h.endpoint
	q := u.Query()
	q.Set(sessionIDParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.done, cancel)
	defer stop()

	sess, err := h.bridge.OpenSession(streamCtx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to open session")
		h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
		return
	}
	streamCtx = logctx.WithSessionData(streamCtx, &logctx.SessionData{SessionID: sess.ID()})
	defer h.bridge.CloseSession(context.WithoutCancel(streamCtx), sess.ID())

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: streamCtx}
	defer wf.close()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(wf, "", "endpoint", []byte(h.endpointFor(sess.ID()))); err != nil {
		h.log.ErrorContext(streamCtx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(streamCtx, "sse.stream.start")

	if h.heartbeat > 0 {
		beating := make(chan struct{})
		go func() {
			defer close(beating)
			h.keepAlive(streamCtx, wf)
		}()
		defer func() {
			cancel()
			<-beating
		}()
	}

	err = h.bridge.Subscribe(streamCtx, sess.ID(), func(cbCtx context.Context, msgID string, msg []byte) error {
		if err := writeEvent(wf, msgID, "message", msg); err != nil {
			h.log.WarnContext(streamCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.DebugContext(streamCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, sessions.ErrSessionNotFound):
		h.log.InfoContext(streamCtx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(streamCtx, "subscribe.session.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	}
}

func (h *Handler) keepAlive(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := writeComment(wf, "ping"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId parameter")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("message exceeds %d bytes", h.maxMessageBytes))
			h.log.WarnContext(ctx, "http.post.too_large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.bridge.HandleMessage(ctx, sessionID, body); err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			writeJSONError(w, http.StatusInternalServerError, "no transport found for sessionId")
			h.log.InfoContext(ctx, "session.load.miss")
		case errors.Is(err, proxy.ErrMalformedMessage):
			writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+strings.TrimPrefix(err.Error(), proxy.ErrMalformedMessage.Error()+": "))
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to route message")
			h.log.ErrorContext(ctx, "router.handle.fail", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
