// ABOUTME: Tests for the backend instance registry.
// ABOUTME: Covers registration validation, selection policy, and health transitions.

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"chat", KindChat, false},
		{"embeddings", KindEmbeddings, false},
		{"image", KindImage, false},
		{"transcribe", KindTranscribe, false},
		{"translate", KindTranslate, false},
		{"tts", KindTTS, false},
		{"  Chat ", KindChat, false},
		{"video", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegister_Validation(t *testing.T) {
	r := New(nil)

	_, err := r.Register(Kind(99), "http://localhost:8000", "")
	assert.ErrorIs(t, err, ErrInvalidKind)

	for _, bad := range []string{"", "not-a-url", "localhost:8000", "ftp://host/x", "http://"} {
		_, err := r.Register(KindChat, bad, "")
		assert.ErrorIs(t, err, ErrInvalidBaseURL, "url %q", bad)
	}
}

func TestRegister_StartsUnknown(t *testing.T) {
	r := New(nil)

	inst, err := r.Register(KindChat, "http://localhost:8000/v1", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, StatusUnknown, inst.Status)
	assert.Equal(t, "http://localhost:8000/v1", inst.BaseURL)
	assert.Equal(t, "secret", inst.APIKey)
}

func TestDeregister(t *testing.T) {
	r := New(nil)

	inst, err := r.Register(KindChat, "http://a/v1", "")
	require.NoError(t, err)

	require.NoError(t, r.Deregister(inst.ID))
	assert.ErrorIs(t, r.Deregister(inst.ID), ErrInstanceNotFound)
	assert.Empty(t, r.List(KindChat))

	_, err = r.Select(KindChat, "")
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestList_ReflectsRegistrations(t *testing.T) {
	r := New(nil)

	a, err := r.Register(KindChat, "http://a/v1", "")
	require.NoError(t, err)
	b, err := r.Register(KindChat, "http://b/v1", "")
	require.NoError(t, err)
	_, err = r.Register(KindEmbeddings, "http://c/v1", "")
	require.NoError(t, err)

	chat := r.List(KindChat)
	require.Len(t, chat, 2)
	assert.Equal(t, a.ID, chat[0].ID)
	assert.Equal(t, b.ID, chat[1].ID)

	assert.Len(t, r.List(), 3)

	require.NoError(t, r.Deregister(a.ID))
	chat = r.List(KindChat)
	require.Len(t, chat, 1)
	assert.Equal(t, b.ID, chat[0].ID)
}

func TestList_ReturnsCopies(t *testing.T) {
	r := New(nil)

	inst, err := r.Register(KindChat, "http://a/v1", "")
	require.NoError(t, err)
	require.NoError(t, r.RecordCheckResult(inst.ID, true, []string{"m1"}))

	snap := r.List(KindChat)[0]
	snap.Models[0] = "tampered"
	snap.Status = StatusUnhealthy

	fresh := r.List(KindChat)[0]
	assert.Equal(t, []string{"m1"}, fresh.Models)
	assert.Equal(t, StatusHealthy, fresh.Status)
}

func TestSelect_RoundRobinAmongHealthy(t *testing.T) {
	r := New(nil)

	a, _ := r.Register(KindChat, "http://a/v1", "")
	b, _ := r.Register(KindChat, "http://b/v1", "")
	require.NoError(t, r.RecordCheckResult(a.ID, true, nil))
	require.NoError(t, r.RecordCheckResult(b.ID, true, nil))

	var order []string
	for i := 0; i < 4; i++ {
		inst, err := r.Select(KindChat, "")
		require.NoError(t, err)
		order = append(order, inst.ID)
	}

	assert.Equal(t, []string{a.ID, b.ID, a.ID, b.ID}, order)
}

func TestSelect_FallsBackToUnknown(t *testing.T) {
	r := New(nil)

	healthy, _ := r.Register(KindChat, "http://a/v1", "")
	fresh, _ := r.Register(KindChat, "http://b/v1", "")
	require.NoError(t, r.RecordCheckResult(healthy.ID, false, nil))

	// Only the unprobed instance remains eligible.
	inst, err := r.Select(KindChat, "")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, inst.ID)
}

func TestSelect_NeverReturnsUnhealthy(t *testing.T) {
	r := New(nil)

	bad, _ := r.Register(KindChat, "http://bad/v1", "")
	good, _ := r.Register(KindChat, "http://good/v1", "")
	require.NoError(t, r.RecordCheckResult(bad.ID, false, nil))
	require.NoError(t, r.RecordCheckResult(good.ID, true, nil))

	for i := 0; i < 10; i++ {
		inst, err := r.Select(KindChat, "")
		require.NoError(t, err)
		assert.Equal(t, good.ID, inst.ID)
	}

	require.NoError(t, r.RecordCheckResult(good.ID, false, nil))
	_, err := r.Select(KindChat, "")
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestSelect_ModelFilter(t *testing.T) {
	r := New(nil)

	a, _ := r.Register(KindChat, "http://a/v1", "")
	b, _ := r.Register(KindChat, "http://b/v1", "")
	require.NoError(t, r.RecordCheckResult(a.ID, true, []string{"llama-3"}))
	require.NoError(t, r.RecordCheckResult(b.ID, true, []string{"qwen-2"}))

	for i := 0; i < 5; i++ {
		inst, err := r.Select(KindChat, "qwen-2")
		require.NoError(t, err)
		assert.Equal(t, b.ID, inst.ID)
	}

	_, err := r.Select(KindChat, "gpt-oss")
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestSelect_Exclude(t *testing.T) {
	r := New(nil)

	a, _ := r.Register(KindChat, "http://a/v1", "")
	b, _ := r.Register(KindChat, "http://b/v1", "")
	require.NoError(t, r.RecordCheckResult(a.ID, true, nil))
	require.NoError(t, r.RecordCheckResult(b.ID, true, nil))

	inst, err := r.Select(KindChat, "", a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, inst.ID)

	_, err = r.Select(KindChat, "", a.ID, b.ID)
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestSelect_WrongKind(t *testing.T) {
	r := New(nil)

	inst, _ := r.Register(KindEmbeddings, "http://a/v1", "")
	require.NoError(t, r.RecordCheckResult(inst.ID, true, nil))

	_, err := r.Select(KindChat, "")
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestRecordCheckResult_Transitions(t *testing.T) {
	r := New(nil)

	inst, _ := r.Register(KindChat, "http://a/v1", "")

	// Default threshold 1: first failure flips to unhealthy.
	require.NoError(t, r.RecordCheckResult(inst.ID, false, nil))
	got, err := r.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, got.Status)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.False(t, got.LastChecked.IsZero())

	// Recovery resets the counter and refreshes models.
	require.NoError(t, r.RecordCheckResult(inst.ID, true, []string{"m1", "m2"}))
	got, err = r.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, []string{"m1", "m2"}, got.Models)

	// Success with nil models keeps the previous advertisement.
	require.NoError(t, r.RecordCheckResult(inst.ID, true, nil))
	got, _ = r.Get(inst.ID)
	assert.Equal(t, []string{"m1", "m2"}, got.Models)
}

func TestRecordCheckResult_Threshold(t *testing.T) {
	r := New(nil, WithUnhealthyThreshold(3))

	inst, _ := r.Register(KindChat, "http://a/v1", "")
	require.NoError(t, r.RecordCheckResult(inst.ID, true, nil))

	require.NoError(t, r.RecordCheckResult(inst.ID, false, nil))
	require.NoError(t, r.RecordCheckResult(inst.ID, false, nil))
	got, _ := r.Get(inst.ID)
	assert.Equal(t, StatusHealthy, got.Status, "below threshold stays healthy")

	require.NoError(t, r.RecordCheckResult(inst.ID, false, nil))
	got, _ = r.Get(inst.ID)
	assert.Equal(t, StatusUnhealthy, got.Status)
}

func TestRecordCheckResult_RemovalThreshold(t *testing.T) {
	r := New(nil, WithRemovalThreshold(2))

	inst, _ := r.Register(KindChat, "http://a/v1", "")

	require.NoError(t, r.RecordCheckResult(inst.ID, false, nil))
	_, err := r.Get(inst.ID)
	require.NoError(t, err, "still present after first failure")

	require.NoError(t, r.RecordCheckResult(inst.ID, false, nil))
	_, err = r.Get(inst.ID)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRecordCheckResult_DeregisteredInstance(t *testing.T) {
	r := New(nil)

	inst, _ := r.Register(KindChat, "http://a/v1", "")
	require.NoError(t, r.Deregister(inst.ID))

	// Late-arriving probe result for a removed instance is discarded.
	assert.ErrorIs(t, r.RecordCheckResult(inst.ID, true, nil), ErrInstanceNotFound)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)

	inst, _ := r.Register(KindChat, "http://a/v1", "")
	require.NoError(t, r.RecordCheckResult(inst.ID, true, nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = r.Select(KindChat, "")
				_ = r.List()
				_ = r.RecordCheckResult(inst.ID, j%2 == 0, nil)
			}
		}()
	}
	wg.Wait()

	_, err := r.Get(inst.ID)
	assert.NoError(t, err)
}

func TestDefaultModel(t *testing.T) {
	r := New(nil)
	assert.Empty(t, r.DefaultModel(KindChat), "empty registry has no default")

	_, err := r.Register(KindChat, "http://bare/v1", "")
	require.NoError(t, err)
	assert.Empty(t, r.DefaultModel(KindChat), "instance without models has no default")

	down, _ := r.Register(KindChat, "http://down/v1", "")
	require.NoError(t, r.RecordCheckResult(down.ID, true, []string{"qwen-2"}))
	require.NoError(t, r.RecordCheckResult(down.ID, false, nil))

	healthy, _ := r.Register(KindChat, "http://healthy/v1", "")
	require.NoError(t, r.RecordCheckResult(healthy.ID, true, []string{"llama-3", "llama-3-large"}))

	// Models advertised by an unhealthy instance do not count.
	assert.Equal(t, "llama-3", r.DefaultModel(KindChat))
	assert.Empty(t, r.DefaultModel(KindEmbeddings))
}
