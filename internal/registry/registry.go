// ABOUTME: Registry of downstream inference backend instances, keyed by capability kind.
// ABOUTME: Owns instance health state and round-robin selection for the dispatcher.

package registry

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidKind indicates the kind string is not one of the known capabilities.
var ErrInvalidKind = errors.New("invalid backend kind")

// ErrInvalidBaseURL indicates the base URL is not a well-formed absolute http(s) URL.
var ErrInvalidBaseURL = errors.New("invalid base URL")

// ErrInstanceNotFound indicates the specified instance id is not registered.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrNoAvailableBackend indicates no healthy or unprobed instance of the
// requested kind (and model, when given) is registered.
var ErrNoAvailableBackend = errors.New("no available backend")

// Kind is the capability category of a backend instance.
type Kind int

const (
	KindChat Kind = iota
	KindEmbeddings
	KindImage
	KindTranscribe
	KindTranslate
	KindTTS
)

var kindNames = map[Kind]string{
	KindChat:       "chat",
	KindEmbeddings: "embeddings",
	KindImage:      "image",
	KindTranscribe: "transcribe",
	KindTranslate:  "translate",
	KindTTS:        "tts",
}

// Kinds lists all known capability kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindChat, KindEmbeddings, KindImage, KindTranscribe, KindTranslate, KindTTS}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind converts a wire-format kind string into a Kind.
// Returns ErrInvalidKind for anything outside the closed set.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return 0, ErrInvalidKind
}

// Status is the health state of an instance.
type Status int

const (
	// StatusUnknown means the instance has been registered but not yet probed.
	StatusUnknown Status = iota
	// StatusHealthy means the most recent probe succeeded.
	StatusHealthy
	// StatusUnhealthy means probes have failed at least the configured threshold.
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Instance is one registered downstream inference server.
// Status fields are mutated only by the health checker via RecordCheckResult;
// the dispatcher only ever reads snapshots.
type Instance struct {
	ID                  string
	Kind                Kind
	BaseURL             string
	APIKey              string
	Models              []string
	Status              Status
	ConsecutiveFailures int
	LastChecked         time.Time
}

// HasModel reports whether the instance advertises the given model name.
func (i *Instance) HasModel(model string) bool {
	for _, m := range i.Models {
		if m == model {
			return true
		}
	}
	return false
}

func (i *Instance) clone() *Instance {
	c := *i
	c.Models = append([]string(nil), i.Models...)
	return &c
}

// Registry is the authoritative set of registered backend instances.
// It is safe for concurrent use: reads take snapshots, mutations are
// serialized, and readers never observe a partially-applied update.
type Registry struct {
	mu sync.RWMutex

	// instances per kind, in registration order
	byKind map[Kind][]*Instance
	// id -> instance, unique across all kinds
	byID map[string]*Instance
	// round-robin cursor per kind
	cursor map[Kind]int

	// unhealthyAfter is the consecutive-failure count at which an instance
	// flips to unhealthy. The default of 1 marks an instance unhealthy on
	// its first failed probe: availability correctness wins over flapping
	// tolerance.
	unhealthyAfter int

	// removeAfter, when > 0, hard-removes an instance after that many
	// consecutive failures. Zero disables removal so a flapping instance
	// can recover without re-registration.
	removeAfter int

	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithUnhealthyThreshold sets the consecutive-failure count that flips an
// instance to unhealthy. Values below 1 are clamped to 1.
func WithUnhealthyThreshold(n int) Option {
	return func(r *Registry) {
		if n < 1 {
			n = 1
		}
		r.unhealthyAfter = n
	}
}

// WithRemovalThreshold enables hard removal of an instance after n
// consecutive failed probes. Zero (the default) disables removal.
func WithRemovalThreshold(n int) Option {
	return func(r *Registry) { r.removeAfter = n }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byKind:         make(map[Kind][]*Instance),
		byID:           make(map[string]*Instance),
		cursor:         make(map[Kind]int),
		unhealthyAfter: 1,
		logger:         logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new backend instance and returns its snapshot.
// The instance starts with StatusUnknown until the first probe reports in.
func (r *Registry) Register(kind Kind, baseURL, apiKey string) (*Instance, error) {
	if _, ok := kindNames[kind]; !ok {
		return nil, ErrInvalidKind
	}
	if err := validateBaseURL(baseURL); err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:      uuid.New().String(),
		Kind:    kind,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Status:  StatusUnknown,
	}

	r.mu.Lock()
	r.byKind[kind] = append(r.byKind[kind], inst)
	r.byID[inst.ID] = inst
	r.mu.Unlock()

	r.logger.Info("backend registered",
		"instance_id", inst.ID,
		"kind", kind.String(),
		"url", inst.BaseURL,
	)
	return inst.clone(), nil
}

// Deregister removes an instance by id. Removal is immediately visible to
// subsequent selections; calls already dispatched are unaffected.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// removeLocked deletes an instance from both indexes. Must hold mu.
func (r *Registry) removeLocked(id string) error {
	inst, ok := r.byID[id]
	if !ok {
		return ErrInstanceNotFound
	}
	delete(r.byID, id)

	pool := r.byKind[inst.Kind]
	for i, candidate := range pool {
		if candidate.ID == id {
			r.byKind[inst.Kind] = append(pool[:i], pool[i+1:]...)
			break
		}
	}

	r.logger.Info("backend deregistered",
		"instance_id", id,
		"kind", inst.Kind.String(),
		"url", inst.BaseURL,
	)
	return nil
}

// List returns point-in-time copies of registered instances. With no kinds
// given it returns every instance, grouped by kind in registration order.
func (r *Registry) List(kinds ...Kind) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(kinds) == 0 {
		kinds = Kinds()
	}
	var out []*Instance
	for _, k := range kinds {
		for _, inst := range r.byKind[k] {
			out = append(out, inst.clone())
		}
	}
	return out
}

// Get returns a snapshot of a single instance by id.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.byID[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.clone(), nil
}

// Len returns the total number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// DefaultModel returns the first model advertised by an eligible instance
// of the given kind, preferring healthy instances over unprobed ones.
// Returns the empty string when no eligible instance advertises a model.
// Unlike Select it does not advance the round-robin cursor.
func (r *Registry) DefaultModel(kind Kind) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, status := range []Status{StatusHealthy, StatusUnknown} {
		for _, inst := range r.byKind[kind] {
			if inst.Status == status && len(inst.Models) > 0 {
				return inst.Models[0]
			}
		}
	}
	return ""
}

// Select picks one instance of the given kind, preferring healthy instances
// in round-robin order and falling back to unprobed (unknown) ones. When
// model is non-empty only instances advertising that model are eligible.
// Instances whose ids appear in exclude are skipped, which lets the
// dispatcher retry once against a different instance.
func (r *Registry) Select(kind Kind, model string, exclude ...string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.byKind[kind]
	if len(pool) == 0 {
		return nil, ErrNoAvailableBackend
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	eligible := func(inst *Instance, status Status) bool {
		if inst.Status != status || excluded[inst.ID] {
			return false
		}
		return model == "" || inst.HasModel(model)
	}

	// Healthy first, then fresh registrations that have not been probed yet.
	for _, status := range []Status{StatusHealthy, StatusUnknown} {
		start := r.cursor[kind]
		for i := 0; i < len(pool); i++ {
			inst := pool[(start+i)%len(pool)]
			if eligible(inst, status) {
				r.cursor[kind] = (start + i + 1) % len(pool)
				return inst.clone(), nil
			}
		}
	}
	return nil, ErrNoAvailableBackend
}

// RecordCheckResult feeds one probe outcome back into the registry. It is
// called only by the health checker. A success resets the failure counter,
// marks the instance healthy and, when models is non-nil, refreshes the
// advertised model set. A failure increments the counter and flips the
// instance to unhealthy once the threshold is crossed. Results for ids that
// were deregistered mid-cycle return ErrInstanceNotFound and are discarded
// by the caller.
func (r *Registry) RecordCheckResult(id string, ok bool, models []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, found := r.byID[id]
	if !found {
		return ErrInstanceNotFound
	}

	inst.LastChecked = time.Now()

	if ok {
		if inst.Status != StatusHealthy {
			r.logger.Info("backend healthy",
				"instance_id", id,
				"kind", inst.Kind.String(),
				"url", inst.BaseURL,
			)
		}
		inst.Status = StatusHealthy
		inst.ConsecutiveFailures = 0
		if models != nil {
			inst.Models = append([]string(nil), models...)
		}
		return nil
	}

	inst.ConsecutiveFailures++
	if inst.ConsecutiveFailures >= r.unhealthyAfter && inst.Status != StatusUnhealthy {
		inst.Status = StatusUnhealthy
		r.logger.Warn("backend unhealthy",
			"instance_id", id,
			"kind", inst.Kind.String(),
			"url", inst.BaseURL,
			"consecutive_failures", inst.ConsecutiveFailures,
		)
	}
	if r.removeAfter > 0 && inst.ConsecutiveFailures >= r.removeAfter {
		return r.removeLocked(id)
	}
	return nil
}

// validateBaseURL checks that the string is an absolute http or https URL.
func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidBaseURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidBaseURL
	}
	return nil
}
