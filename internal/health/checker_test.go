// ABOUTME: Tests for the background health checker.
// ABOUTME: Uses httptest backends to exercise probing, timeouts, and model refresh.

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/nexus-gateway/internal/registry"
)

func newTestChecker(t *testing.T, reg *registry.Registry, timeout time.Duration) *Checker {
	t.Helper()
	c, err := NewChecker(reg, Config{Interval: time.Minute, Timeout: timeout}, nil)
	require.NoError(t, err)
	return c
}

func TestNewChecker_ValidatesTimeout(t *testing.T) {
	reg := registry.New(nil)

	_, err := NewChecker(reg, Config{Interval: 5 * time.Second, Timeout: 5 * time.Second}, nil)
	assert.Error(t, err)

	_, err = NewChecker(reg, Config{Interval: 5 * time.Second, Timeout: 10 * time.Second}, nil)
	assert.Error(t, err)

	_, err = NewChecker(reg, Config{}, nil)
	assert.NoError(t, err, "defaults are valid")
}

func TestCheckNow_MarksHealthyAndRefreshesModels(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"llama-3"},{"id":"qwen-2"}]}`))
	}))
	defer backend.Close()

	reg := registry.New(nil)
	inst, err := reg.Register(registry.KindChat, backend.URL+"/v1", "")
	require.NoError(t, err)

	checker := newTestChecker(t, reg, time.Second)
	checker.CheckNow(context.Background())

	got, err := reg.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusHealthy, got.Status)
	assert.Equal(t, []string{"llama-3", "qwen-2"}, got.Models)
	assert.False(t, got.LastChecked.IsZero())
}

func TestCheckNow_ForwardsCredential(t *testing.T) {
	var gotAuth atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer backend.Close()

	reg := registry.New(nil)
	_, err := reg.Register(registry.KindChat, backend.URL, "sk-test")
	require.NoError(t, err)

	checker := newTestChecker(t, reg, time.Second)
	checker.CheckNow(context.Background())

	assert.Equal(t, "Bearer sk-test", gotAuth.Load())
}

func TestCheckNow_RootFallback(t *testing.T) {
	// Backend without /models: 404 there, 200 on root.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New(nil)
	inst, err := reg.Register(registry.KindTTS, backend.URL, "")
	require.NoError(t, err)

	checker := newTestChecker(t, reg, time.Second)
	checker.CheckNow(context.Background())

	got, err := reg.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusHealthy, got.Status)
	assert.Empty(t, got.Models, "root fallback does not invent models")
}

func TestCheckNow_UnreachableBackendMarkedUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // connection refused from here on

	reg := registry.New(nil)
	inst, err := reg.Register(registry.KindChat, backend.URL, "")
	require.NoError(t, err)

	checker := newTestChecker(t, reg, time.Second)
	checker.CheckNow(context.Background())

	got, err := reg.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnhealthy, got.Status)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestCheckNow_HungBackendDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		hung.Close()
	}()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"m"}]}`))
	}))
	defer fast.Close()

	reg := registry.New(nil)
	hungInst, err := reg.Register(registry.KindChat, hung.URL, "")
	require.NoError(t, err)
	fastInst, err := reg.Register(registry.KindChat, fast.URL, "")
	require.NoError(t, err)

	checker := newTestChecker(t, reg, 200*time.Millisecond)

	start := time.Now()
	checker.CheckNow(context.Background())
	elapsed := time.Since(start)

	// The cycle cost at most roughly one probe timeout, not a full hang.
	assert.Less(t, elapsed, 2*time.Second)

	gotHung, err := reg.Get(hungInst.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnhealthy, gotHung.Status)

	gotFast, err := reg.Get(fastInst.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusHealthy, gotFast.Status)
}

func TestCheckNow_DeregisteredMidCycleIsDiscarded(t *testing.T) {
	reg := registry.New(nil)

	probed := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probed <- struct{}{}
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer backend.Close()

	inst, err := reg.Register(registry.KindChat, backend.URL, "")
	require.NoError(t, err)

	checker := newTestChecker(t, reg, time.Second)

	done := make(chan struct{})
	go func() {
		checker.CheckNow(context.Background())
		close(done)
	}()

	// Deregister while the probe is in flight; the late result must be dropped.
	<-probed
	require.NoError(t, reg.Deregister(inst.ID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("check cycle did not finish")
	}

	_, err = reg.Get(inst.ID)
	assert.ErrorIs(t, err, registry.ErrInstanceNotFound)
	assert.Zero(t, reg.Len())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	reg := registry.New(nil)
	checker, err := NewChecker(reg, Config{Interval: 50 * time.Millisecond, Timeout: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
