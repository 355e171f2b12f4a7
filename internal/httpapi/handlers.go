package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ceyewan/mcp-authgate/internal/broker"
)

// Handler bundles the broker services behind the HTTP surface.
type Handler struct {
	initiator *broker.Initiator
	callback  *broker.CallbackService
	status    *broker.StatusService
	logger    zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(initiator *broker.Initiator, callback *broker.CallbackService, status *broker.StatusService, logger zerolog.Logger) *Handler {
	return &Handler{
		initiator: initiator,
		callback:  callback,
		status:    status,
		logger:    logger.With().Str("component", "httpapi").Logger(),
	}
}

type startAuthRequest struct {
	TargetURL string `json:"target_url"`
}

type startAuthResponse struct {
	SessionID string `json:"session_id"`
	AuthURL   string `json:"auth_url"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StartAuth handles POST /api/start-auth. It validates the target, runs
// metadata discovery, and returns the authorization URL for the browser to
// follow.
func (h *Handler) StartAuth(w http.ResponseWriter, r *http.Request) {
	var req startAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   broker.CodeInvalidTarget,
			Message: "request body must be JSON with a target_url field",
		})
		return
	}

	result, ferr := h.initiator.Start(r.Context(), req.TargetURL)
	if ferr != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ferr.Code, Message: ferr.Message})
		return
	}

	writeJSON(w, http.StatusOK, startAuthResponse{
		SessionID: result.SessionID,
		AuthURL:   result.AuthURL,
	})
}

// Callback handles GET /api/callback, the redirect target registered with
// authorization servers. It responds with a small HTML page since the
// request comes from the user's browser, not an API client.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	if errCode := q.Get("error"); errCode != "" {
		if err := h.callback.HandleProviderError(state, errCode, q.Get("error_description")); err != nil {
			writeHTML(w, http.StatusBadRequest, failurePage("This authorization link is invalid or was already used."))
			return
		}
		writeHTML(w, http.StatusOK, failurePage("Authorization was not granted. You can close this window and try again."))
		return
	}

	_, err := h.callback.HandleCallback(r.Context(), state, q.Get("code"))
	switch {
	case errors.Is(err, broker.ErrStateMismatch):
		writeHTML(w, http.StatusBadRequest, failurePage("This authorization link is invalid or was already used."))
	case err != nil:
		writeHTML(w, http.StatusOK, failurePage("Authorization could not be completed. Check the session status for details."))
	default:
		writeHTML(w, http.StatusOK, successPage())
	}
}

// Status handles GET /api/status?session_id=.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.status.Status(r.URL.Query().Get("session_id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: broker.CodeExpiredSession, Message: "session unknown or expired"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type toolsResponse struct {
	Tools []broker.Tool `json:"tools"`
}

// Tools handles GET /api/tools?session_id=. It answers 409 while the flow
// has not reached success.
func (h *Handler) Tools(w http.ResponseWriter, r *http.Request) {
	tools, ready, err := h.status.Tools(r.URL.Query().Get("session_id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: broker.CodeExpiredSession, Message: "session unknown or expired"})
		return
	}
	if !ready {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:   "FlowNotComplete",
			Message: "authorization flow has not completed successfully",
		})
		return
	}
	writeJSON(w, http.StatusOK, toolsResponse{Tools: tools})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
