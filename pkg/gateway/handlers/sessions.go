package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-speech/pkg/gateway/apierror"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
)

// SessionsHandler lists the live sessions held by this instance.
type SessionsHandler struct {
	LiveSessions *sessions.Tracker
}

type sessionList struct {
	Object string          `json:"object"`
	Data   []sessions.Info `json:"data"`
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id := r.PathValue("id"); id != "" {
		info, ok := h.LiveSessions.Get(id)
		if !ok {
			writeAPIError(w, r, &apierror.Error{Type: apierror.ErrNotFound, Message: "session not found", Param: "id"})
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	data := h.LiveSessions.Snapshot()
	if data == nil {
		data = []sessions.Info{}
	}
	writeJSON(w, http.StatusOK, sessionList{Object: "list", Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
