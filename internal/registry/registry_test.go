package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/beacon-gateway/internal/bus"
)

// memMirror is an in-memory Mirror.
type memMirror struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
}

func newMemMirror() *memMirror {
	return &memMirror{hashes: make(map[string]map[string]string)}
}

func (m *memMirror) HashSetJSON(_ context.Context, key, field string, value any) bool {
	data, err := jsonMarshal(value)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	m.hashes[key][field] = string(data)
	return true
}

func (m *memMirror) HashGetAll(_ context.Context, key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out
}

// fakeClock advances one second per call.
func fakeClock() func() time.Time {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestAttach_PreservesAttachedAt(t *testing.T) {
	reg := NewRegistry(WithClock(fakeClock()))
	ctx := context.Background()

	first, err := reg.Attach(ctx, AttachInput{NetworkID: "net", BotID: "bot", BotType: "brain", AdaptorType: "slack"})
	require.NoError(t, err)

	second, err := reg.Attach(ctx, AttachInput{
		NetworkID: " net ", BotID: "bot", BotType: "BRAIN", AdaptorType: "discord",
		Metadata: map[string]any{"v": 2},
	})
	require.NoError(t, err)

	if !second.AttachedAt.Equal(first.AttachedAt) {
		t.Errorf("attachedAt changed on re-attach: %v -> %v", first.AttachedAt, second.AttachedAt)
	}
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))
	assert.Equal(t, "discord", second.AdaptorType)
	assert.Equal(t, map[string]any{"v": 2}, second.Metadata)
	assert.Equal(t, 1, reg.Len())
}

func TestAttach_SameBotDifferentTypeIsSeparate(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	_, err := reg.Attach(ctx, AttachInput{NetworkID: "n", BotID: "b", BotType: bus.BotTypeBrain})
	require.NoError(t, err)
	_, err = reg.Attach(ctx, AttachInput{NetworkID: "n", BotID: "b", BotType: bus.BotTypeID})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
}

func TestAttach_Validation(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	tests := []struct {
		in   AttachInput
		want error
	}{
		{AttachInput{BotID: "b", BotType: "brain"}, ErrMissingNetworkID},
		{AttachInput{NetworkID: "n", BotID: "  ", BotType: "brain"}, ErrMissingBotID},
		{AttachInput{NetworkID: "n", BotID: "b", BotType: "robot"}, ErrInvalidBotType},
		{AttachInput{NetworkID: "n", BotID: "b"}, ErrInvalidBotType},
	}
	for _, tt := range tests {
		_, err := reg.Attach(ctx, tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("Attach(%+v) = %v, want %v", tt.in, err, tt.want)
		}
	}
	assert.Equal(t, 0, reg.Len())
}

func TestAttach_MetadataIsCopied(t *testing.T) {
	reg := NewRegistry()
	meta := map[string]any{"k": "v"}
	_, err := reg.Attach(context.Background(), AttachInput{NetworkID: "n", BotID: "b", BotType: "id", Metadata: meta})
	require.NoError(t, err)

	meta["k"] = "mutated"
	assert.Equal(t, "v", reg.List()[0].Metadata["k"])
}

func TestList_Sorted(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	for _, in := range []AttachInput{
		{NetworkID: "zeta", BotID: "a", BotType: "brain"},
		{NetworkID: "alpha", BotID: "z", BotType: "id"},
		{NetworkID: "alpha", BotID: "y", BotType: "brain"},
		{NetworkID: "alpha", BotID: "b", BotType: "brain"},
	} {
		_, err := reg.Attach(ctx, in)
		require.NoError(t, err)
	}

	var got []string
	for _, a := range reg.List() {
		got = append(got, a.NetworkID+"/"+string(a.BotType)+"/"+a.BotID)
	}
	assert.Equal(t, []string{"alpha/brain/b", "alpha/brain/y", "alpha/id/z", "zeta/brain/a"}, got)
}

func TestMirror_RestoreAfterRestart(t *testing.T) {
	mirror := newMemMirror()
	ctx := context.Background()

	first := NewRegistry(WithMirror(mirror))
	orig, err := first.Attach(ctx, AttachInput{NetworkID: "n", BotID: "b", BotType: "brain", AdaptorType: "slack"})
	require.NoError(t, err)

	second := NewRegistry(WithMirror(mirror))
	assert.Equal(t, 1, second.Restore(ctx))
	list := second.List()
	require.Len(t, list, 1)
	assert.Equal(t, "slack", list[0].AdaptorType)
	assert.True(t, list[0].AttachedAt.Equal(orig.AttachedAt))

	// restoring again adds nothing
	assert.Equal(t, 0, second.Restore(ctx))
}

func TestRestore_WithoutMirror(t *testing.T) {
	assert.Equal(t, 0, NewRegistry().Restore(context.Background()))
}

func TestLoadAdaptorSpecs(t *testing.T) {
	yaml := `adaptors:
  - networkId: telegram
    botId: support-bot
    botType: brain
    adaptorType: telegram-adaptor
    metadata:
      region: eu

  - networkId: slack
    botId: hr
    botType: id
`
	path := filepath.Join(t.TempDir(), "adaptors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	specs, err := LoadAdaptorSpecs(path)
	if err != nil {
		t.Fatalf("LoadAdaptorSpecs() error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	assert.Equal(t, "support-bot", specs[0].BotID)
	assert.Equal(t, "eu", specs[0].Metadata["region"])
	assert.Equal(t, bus.BotTypeID, specs[1].BotType)

	reg := NewRegistry()
	require.NoError(t, reg.Seed(context.Background(), specs))
	assert.Equal(t, 2, reg.Len())
}

func TestLoadAdaptorSpecs_NotFound(t *testing.T) {
	specs, err := LoadAdaptorSpecs("/nonexistent/adaptors.yaml")
	if err != nil {
		t.Errorf("missing file should return nil, got error: %v", err)
	}
	if specs != nil {
		t.Errorf("missing file should return nil specs, got: %v", specs)
	}
}

func TestSeed_StopsOnInvalid(t *testing.T) {
	reg := NewRegistry()
	err := reg.Seed(context.Background(), []AttachInput{
		{NetworkID: "n", BotID: "b", BotType: "brain"},
		{NetworkID: "n", BotID: "b", BotType: "nope"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidBotType))
}
