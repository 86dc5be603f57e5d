package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/simulab/internal/agentex"
)

// maxProxyBody caps request and response bodies relayed by the generic proxy.
const maxProxyBody = 32 << 20

// forwardedHeaders are the request headers passed on to the platform.
var forwardedHeaders = []string{"Content-Type", "Accept", "Accept-Language"}

// HandleAgentExProxy forwards /api/agentex/<path> to the platform with auth
// headers and mirrors the upstream status and body.
func (h *Handler) HandleAgentExProxy(w http.ResponseWriter, r *http.Request) {
	if !h.platform.Ready() {
		Error(w, http.StatusInternalServerError, agentex.ErrMsgNotConfigured)
		return
	}

	// The escaped form keeps encoded '?' and '#' inside the forwarded path.
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/agentex")
	if path == "" {
		path = "/"
	}

	header := http.Header{}
	for _, k := range forwardedHeaders {
		if v := r.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = http.MaxBytesReader(w, r.Body, maxProxyBody)
	}

	resp, err := h.platform.Forward(r.Context(), r.Method, path, r.URL.RawQuery, body, header)
	if err != nil {
		h.logger.Error("agentex proxy failed", "method", r.Method, "path", path, "error", err)
		status := http.StatusInternalServerError
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		JSON(w, status, map[string]string{"error": "Failed to proxy request", "details": err.Error()})
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			h.logger.Debug("failed to close proxied response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		h.logger.Error("agentex proxy read failed", "path", path, "error", err)
		JSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to proxy request", "details": err.Error()})
		return
	}

	if len(raw) > 0 && json.Valid(raw) {
		w.Header().Set("Content-Type", "application/json")
	} else if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(raw); err != nil {
		h.logger.Debug("failed to write proxied body", "error", err)
	}
}
