package toolapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-bridge/upstream"
)

const maxBodyBytes = 4 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

type callRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// Handler serves GET (list tools) and POST (call a tool) on a single path.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleList(w, r)
		case http.MethodPost:
			s.handleCall(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tools, err := s.ListTools(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "toolapi.list.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to initialize MCP"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Service) handleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "content-type must be application/json"})
		return
	}

	var req callRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil || req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"tool": string, "args": object}`})
		return
	}

	result, err := s.CallTool(ctx, req.Tool, req.Args)
	if err != nil {
		status := statusFor(err)
		s.log.WarnContext(ctx, "toolapi.call.fail", slog.String("tool", req.Tool), slog.Int("status", status), slog.String("err", err.Error()))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, upstream.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, upstream.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, upstream.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, upstream.ErrUpstreamError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
