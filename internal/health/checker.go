// ABOUTME: Background health checker that probes registered backends on an interval.
// ABOUTME: Feeds probe outcomes back into the registry; probes run concurrently per instance.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexusgate/nexus-gateway/internal/registry"
)

// InstanceSource is the registry surface the checker needs.
type InstanceSource interface {
	List(kinds ...registry.Kind) []*registry.Instance
	RecordCheckResult(id string, ok bool, models []string) error
}

// Checker periodically probes every registered backend instance.
// One Checker runs per gateway process, independent of request handling.
type Checker struct {
	source   InstanceSource
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// Config holds checker timing parameters.
type Config struct {
	// Interval between check cycles. Default 60s.
	Interval time.Duration
	// Timeout per probe. Must be strictly shorter than Interval so a hung
	// backend cannot delay the next cycle. Default 10s.
	Timeout time.Duration
}

// NewChecker creates a health checker over the given instance source.
// Returns an error if the probe timeout is not shorter than the interval.
func NewChecker(source InstanceSource, cfg Config, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Timeout >= cfg.Interval {
		return nil, fmt.Errorf("probe timeout %s must be shorter than check interval %s", cfg.Timeout, cfg.Interval)
	}

	return &Checker{
		source:   source,
		client:   &http.Client{},
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger.With("component", "health"),
	}, nil
}

// Run executes check cycles until the context is canceled.
func (c *Checker) Run(ctx context.Context) {
	c.logger.Info("health checker started",
		"interval", c.interval.String(),
		"probe_timeout", c.timeout.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckNow(ctx)
		case <-ctx.Done():
			c.logger.Info("health checker stopped")
			return
		}
	}
}

// CheckNow runs a single check cycle synchronously: it snapshots the
// instance list, probes every instance concurrently, and records each
// outcome. Instances registered or removed mid-cycle are handled by the
// snapshot: late results for removed ids are discarded by the registry.
func (c *Checker) CheckNow(ctx context.Context) {
	instances := c.source.List()
	if len(instances) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *registry.Instance) {
			defer wg.Done()
			c.probeAndRecord(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

// probeAndRecord probes one instance and feeds the result back.
func (c *Checker) probeAndRecord(ctx context.Context, inst *registry.Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ok, models := c.probe(probeCtx, inst)

	err := c.source.RecordCheckResult(inst.ID, ok, models)
	if errors.Is(err, registry.ErrInstanceNotFound) {
		c.logger.Debug("discarding probe result for deregistered instance",
			"instance_id", inst.ID)
		return
	}
	if err != nil {
		c.logger.Error("recording check result", "error", err, "instance_id", inst.ID)
	}
}

// probe issues one liveness check. It prefers the OpenAI-compatible model
// listing so the advertised model set stays fresh, and falls back to the
// base URL when the instance does not serve /models.
func (c *Checker) probe(ctx context.Context, inst *registry.Instance) (bool, []string) {
	models, err := c.fetchModels(ctx, inst)
	if err == nil {
		return true, models
	}
	if ctx.Err() != nil {
		c.logger.Debug("probe timed out",
			"instance_id", inst.ID,
			"url", inst.BaseURL,
		)
		return false, nil
	}

	if err := c.probeRoot(ctx, inst); err != nil {
		c.logger.Debug("probe failed",
			"instance_id", inst.ID,
			"url", inst.BaseURL,
			"error", err,
		)
		return false, nil
	}
	return true, nil
}

// fetchModels probes GET {base}/models and decodes the model listing.
func (c *Checker) fetchModels(ctx context.Context, inst *registry.Instance) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if inst.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	var list openai.ModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, m.ID)
	}
	return models, nil
}

// probeRoot falls back to a plain GET against the base URL.
// Any response at all counts as alive; only transport errors fail.
func (c *Checker) probeRoot(ctx context.Context, inst *registry.Instance) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL, nil)
	if err != nil {
		return err
	}
	if inst.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+inst.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
