// ABOUTME: OpenAI-compatible passthrough handlers for /v1/* capability endpoints.
// ABOUTME: Sniffs model and stream hints from the body and relays through the dispatcher.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nexusgate/nexus-gateway/internal/dispatch"
	"github.com/nexusgate/nexus-gateway/internal/registry"
)

// proxyRoutes maps /v1 sub-paths to the capability kind they dispatch to.
var proxyRoutes = map[string]registry.Kind{
	"/v1/chat/completions":     registry.KindChat,
	"/v1/embeddings":           registry.KindEmbeddings,
	"/v1/images/generations":   registry.KindImage,
	"/v1/audio/transcriptions": registry.KindTranscribe,
	"/v1/audio/translations":   registry.KindTranslate,
	"/v1/audio/speech":         registry.KindTTS,
}

// requestHints are the fields sniffed from a JSON request body to steer
// routing. The body itself is relayed untouched.
type requestHints struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// handleProxy handles POST /v1/* capability requests. The gateway does not
// interpret the payload beyond routing hints: the backend's response,
// success or error, streams back verbatim.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	kind, ok := proxyRoutes[r.URL.Path]
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "unknown endpoint")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return
	}

	hints := sniffHints(r.Header.Get("Content-Type"), body)

	err = g.dispatcher.Relay(r.Context(), w, &dispatch.Request{
		Kind:          kind,
		Model:         hints.Model,
		Body:          body,
		ContentType:   r.Header.Get("Content-Type"),
		Authorization: r.Header.Get("Authorization"),
		Stream:        hints.Stream,
	})
	if err != nil {
		g.sendRelayError(w, r, err)
	}
}

// sniffHints extracts routing hints from a JSON body. Non-JSON payloads
// (audio uploads arrive as multipart) carry no hints.
func sniffHints(contentType string, body []byte) requestHints {
	var hints requestHints
	if contentType != "" && !strings.Contains(contentType, "json") {
		return hints
	}
	_ = json.Unmarshal(body, &hints)
	return hints
}

// sendRelayError reports a relay failure. Selection and dispatch errors
// happen before any response bytes, so an error status can still be sent;
// mid-stream failures can only be logged, the status line is already gone.
func (g *Gateway) sendRelayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNoAvailableBackend):
		g.sendJSONError(w, http.StatusServiceUnavailable, "no available backend for this request")
	case errors.Is(err, dispatch.ErrDispatchFailed):
		g.sendJSONError(w, http.StatusBadGateway, "backend dispatch failed")
	default:
		g.logger.Warn("relay interrupted",
			"path", r.URL.Path,
			"error", err,
		)
	}
}
