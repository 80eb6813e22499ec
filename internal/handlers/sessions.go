package handlers

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stackmill/sshbridge/internal/logging"
	"github.com/stackmill/sshbridge/internal/session"
)

// HealthCheck reports process liveness and the registered session count.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": Registry.Count(),
	})
}

// ListSessions returns metadata for every registered session.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := Registry.List()
	metas := make([]session.ConnMeta, len(sessions))
	for i, s := range sessions {
		metas[i] = s.Meta()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": metas})
}

// SessionEvents returns the lifecycle event ring for one session.
func SessionEvents(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session name")
		return
	}
	sess, err := Registry.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": sess.Events()})
}

// ServerLogs returns the tail of the server log file.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 10000")
			return
		}
		lines = n
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read log file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}
