// ABOUTME: Dispatcher that routes capability requests to a selected backend instance.
// ABOUTME: Handles single-retry on transport failure and streaming relay with backpressure.

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nexusgate/nexus-gateway/internal/registry"
)

// ErrDispatchFailed indicates a transport-level failure reaching the chosen
// instance (and its one retry alternative, when one existed) before any
// response bytes were produced.
var ErrDispatchFailed = errors.New("backend dispatch failed")

// BackendError carries a non-2xx response from a reachable backend.
// It is relayed to the client verbatim and never retried.
type BackendError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// subPaths maps each capability kind to its fixed OpenAI-compatible
// sub-path, appended to the instance base URL.
var subPaths = map[registry.Kind]string{
	registry.KindChat:       "/chat/completions",
	registry.KindEmbeddings: "/embeddings",
	registry.KindImage:      "/images/generations",
	registry.KindTranscribe: "/audio/transcriptions",
	registry.KindTranslate:  "/audio/translations",
	registry.KindTTS:        "/audio/speech",
}

// Selector is the registry surface the dispatcher needs.
type Selector interface {
	Select(kind registry.Kind, model string, exclude ...string) (*registry.Instance, error)
}

// Request describes one capability call to forward.
type Request struct {
	Kind        registry.Kind
	Model       string // optional; restricts instance selection
	Body        []byte // buffered so a dispatch failure can be retried once
	ContentType string
	// Authorization is the caller's credential, forwarded only when the
	// selected instance has no credential of its own.
	Authorization string
	// Stream marks the call as a streaming request: the relay flushes per
	// chunk, applies no overall deadline, and enforces an idle timeout
	// between chunks instead.
	Stream bool
}

// Response is a fully-buffered backend response for non-streaming callers.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	InstanceID  string
}

// Config holds dispatcher timing parameters.
type Config struct {
	// RequestTimeout bounds non-streaming dispatches. Generous by default
	// because model generations can run long. Default 5m.
	RequestTimeout time.Duration
	// IdleTimeout bounds the gap between chunks of a streaming response.
	// Default 2m.
	IdleTimeout time.Duration
}

// Dispatcher forwards capability requests to backend instances chosen by
// the registry. One dispatcher serves all inbound requests concurrently; it
// holds no per-request state.
type Dispatcher struct {
	registry       Selector
	client         *http.Client
	requestTimeout time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
}

// New creates a Dispatcher over the given selector.
func New(reg Selector, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		registry: reg,
		// No client-level timeout: streaming responses are unbounded and
		// per-call deadlines come from the request context.
		client:         &http.Client{},
		requestTimeout: cfg.RequestTimeout,
		idleTimeout:    cfg.IdleTimeout,
		logger:         logger.With("component", "dispatch"),
	}
}

// Do performs a non-streaming dispatch and buffers the whole response.
// Non-2xx backend responses come back as *BackendError so callers can relay
// them verbatim.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	resp, inst, err := d.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &BackendError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		InstanceID:  inst.ID,
	}, nil
}

// Relay forwards the request and streams the backend response to w without
// buffering the full body. Status code and headers are relayed verbatim,
// including non-2xx application errors. Backpressure from the client
// propagates to the backend connection: the relay reads no faster than it
// can write.
func (d *Dispatcher) Relay(ctx context.Context, w http.ResponseWriter, req *Request) error {
	// cancel aborts the backend read on idle timeout or early return; for
	// non-streaming calls it also carries the overall deadline.
	var cancel context.CancelFunc
	if req.Stream {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
	}
	defer cancel()

	resp, inst, err := d.dispatch(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	d.logger.Debug("relaying backend response",
		"instance_id", inst.ID,
		"kind", req.Kind.String(),
		"status", resp.StatusCode,
		"stream", req.Stream,
	)

	copyRelayHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	return d.copyBody(w, resp.Body, req.Stream, cancel)
}

// dispatch selects an instance and sends the request. A transport failure
// before any response bytes exist is retried exactly once against a
// different eligible instance of the same kind.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request) (*http.Response, *registry.Instance, error) {
	inst, err := d.registry.Select(req.Kind, req.Model)
	if err != nil {
		return nil, nil, err
	}

	resp, err := d.send(ctx, inst, req)
	if err == nil {
		return resp, inst, nil
	}
	if ctx.Err() != nil {
		// Caller gone or deadline hit; retrying would be wasted work.
		return nil, nil, fmt.Errorf("%w: %s", ErrDispatchFailed, err)
	}

	d.logger.Warn("dispatch failed, retrying against alternate instance",
		"instance_id", inst.ID,
		"kind", req.Kind.String(),
		"url", inst.BaseURL,
		"error", err,
	)

	alt, selErr := d.registry.Select(req.Kind, req.Model, inst.ID)
	if selErr != nil {
		// No alternative of the same kind: surface the original failure.
		return nil, nil, fmt.Errorf("%w: %s", ErrDispatchFailed, err)
	}

	resp, err = d.send(ctx, alt, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrDispatchFailed, err)
	}
	return resp, alt, nil
}

// send issues one HTTP request to a specific instance.
func (d *Dispatcher) send(ctx context.Context, inst *registry.Instance, req *Request) (*http.Response, error) {
	url := inst.BaseURL + subPaths[req.Kind]

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building backend request: %w", err)
	}

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if inst.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+inst.APIKey)
	} else if req.Authorization != "" {
		httpReq.Header.Set("Authorization", req.Authorization)
	}

	return d.client.Do(httpReq)
}

// copyBody relays the response body chunk by chunk. When streaming, a
// watchdog cancels the backend connection once no bytes have arrived for a
// full idle timeout; a stream that keeps producing is never cut off. Writes
// flush immediately so event streams reach the client as they are produced.
func (d *Dispatcher) copyBody(w http.ResponseWriter, body io.Reader, stream bool, cancel context.CancelFunc) error {
	flusher, _ := w.(http.Flusher)

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())
	if stream {
		stop := make(chan struct{})
		defer close(stop)
		go d.watchIdle(&lastRead, cancel, stop)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		lastRead.Store(time.Now().UnixNano())

		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client gone: stop reading from the backend promptly.
				cancel()
				return fmt.Errorf("writing to client: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading backend stream: %w", err)
		}
	}
}

// watchIdle cancels the backend request once reads have stalled for the idle
// timeout. It measures elapsed time since the last read, so a read completing
// at the deadline boundary is counted as progress.
func (d *Dispatcher) watchIdle(lastRead *atomic.Int64, cancel context.CancelFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(d.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastRead.Load())) >= d.idleTimeout {
				cancel()
				return
			}
		}
	}
}

// copyRelayHeaders copies response headers worth relaying to the client.
// Hop-by-hop headers stay behind.
func copyRelayHeaders(dst, src http.Header) {
	for key, values := range src {
		switch key {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade":
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
