// Package registry keeps the directory of adaptors attached to the gateway.
//
// An adaptor is the platform-side component that serves one (network, bot,
// botType). Adaptors announce themselves with POST /api/attach; the gateway
// lists them at GET /api/adaptorIDs. Records can be seeded from an
// adaptors.yaml file and mirrored to Redis so a restarted gateway still
// knows who was attached.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/redis"
)

// Validation errors, reported by Attach.
var (
	ErrMissingNetworkID = errors.New("missing_field:networkId")
	ErrMissingBotID     = errors.New("missing_field:botId")
	ErrInvalidBotType   = errors.New("invalid_field:botType")
)

// AttachInput is what an adaptor announces.
type AttachInput struct {
	NetworkID   string         `yaml:"networkId" json:"networkId"`
	BotID       string         `yaml:"botId" json:"botId"`
	BotType     bus.BotType    `yaml:"botType" json:"botType"`
	AdaptorType string         `yaml:"adaptorType,omitempty" json:"adaptorType,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Adaptor is a directory record.
type Adaptor struct {
	NetworkID   string         `json:"networkId"`
	BotID       string         `json:"botId"`
	BotType     bus.BotType    `json:"botType"`
	AdaptorType string         `json:"adaptorType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AttachedAt  time.Time      `json:"attachedAt"`
	LastSeenAt  time.Time      `json:"lastSeenAt"`
}

// Mirror persists records outside the process. *redis.Client satisfies it,
// including when nil.
type Mirror interface {
	HashSetJSON(ctx context.Context, key, field string, value any) bool
	HashGetAll(ctx context.Context, key string) map[string]string
}

// Registry is the in-memory adaptor directory.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Adaptor
	mirror  Mirror
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror mirrors every attach to m.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty directory.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]Adaptor),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func makeKey(networkID, botID string, botType bus.BotType) string {
	return networkID + "\x00" + botID + "\x00" + string(botType)
}

// normalize trims fields and lower-cases the bot type.
func (in AttachInput) normalize() (AttachInput, error) {
	in.NetworkID = strings.TrimSpace(in.NetworkID)
	in.BotID = strings.TrimSpace(in.BotID)
	in.BotType = bus.BotType(strings.ToLower(strings.TrimSpace(string(in.BotType))))
	in.AdaptorType = strings.TrimSpace(in.AdaptorType)
	switch {
	case in.NetworkID == "":
		return in, ErrMissingNetworkID
	case in.BotID == "":
		return in, ErrMissingBotID
	case !in.BotType.Valid():
		return in, ErrInvalidBotType
	}
	return in, nil
}

// Attach records an adaptor. Re-attaching keeps the original attachedAt and
// refreshes everything else.
func (r *Registry) Attach(ctx context.Context, in AttachInput) (Adaptor, error) {
	in, err := in.normalize()
	if err != nil {
		return Adaptor{}, err
	}

	key := makeKey(in.NetworkID, in.BotID, in.BotType)
	now := r.now()

	var metadata map[string]any
	if in.Metadata != nil {
		metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			metadata[k] = v
		}
	}

	r.mu.Lock()
	attachedAt := now
	if existing, ok := r.records[key]; ok {
		attachedAt = existing.AttachedAt
	}
	rec := Adaptor{
		NetworkID:   in.NetworkID,
		BotID:       in.BotID,
		BotType:     in.BotType,
		AdaptorType: in.AdaptorType,
		Metadata:    metadata,
		AttachedAt:  attachedAt,
		LastSeenAt:  now,
	}
	r.records[key] = rec
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.HashSetJSON(ctx, redis.KeyAdaptors, key, rec)
	}
	log.Printf("[Registry] 📎 Adaptor attached: %s/%s (%s) type=%s", rec.NetworkID, rec.BotID, rec.BotType, rec.AdaptorType)
	return rec, nil
}

// List returns all adaptors sorted by network, bot type, then bot id.
func (r *Registry) List() []Adaptor {
	r.mu.RLock()
	out := make([]Adaptor, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.NetworkID != b.NetworkID {
			return a.NetworkID < b.NetworkID
		}
		if a.BotType != b.BotType {
			return a.BotType < b.BotType
		}
		return a.BotID < b.BotID
	})
	return out
}

// Len returns the number of adaptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Restore loads mirrored records, keeping any already in memory. It returns
// how many were added.
func (r *Registry) Restore(ctx context.Context) int {
	if r.mirror == nil {
		return 0
	}
	raw := r.mirror.HashGetAll(ctx, redis.KeyAdaptors)
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for key, data := range raw {
		if _, ok := r.records[key]; ok {
			continue
		}
		var rec Adaptor
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			log.Printf("[Registry] ⚠️ Skipping mirrored record %q: %v", key, err)
			continue
		}
		if makeKey(rec.NetworkID, rec.BotID, rec.BotType) != key {
			continue
		}
		r.records[key] = rec
		added++
	}
	if added > 0 {
		log.Printf("[Registry] ✅ Restored %d adaptor(s) from mirror", added)
	}
	return added
}

// adaptorsFile is the top-level structure of adaptors.yaml.
type adaptorsFile struct {
	Adaptors []AttachInput `yaml:"adaptors"`
}

// LoadAdaptorSpecs reads and parses an adaptors.yaml file. A missing file
// yields no specs.
func LoadAdaptorSpecs(path string) ([]AttachInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read adaptors.yaml: %w", err)
	}

	var f adaptorsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse adaptors.yaml: %w", err)
	}
	return f.Adaptors, nil
}

// Seed attaches every spec, stopping at the first invalid one.
func (r *Registry) Seed(ctx context.Context, specs []AttachInput) error {
	for i, spec := range specs {
		if _, err := r.Attach(ctx, spec); err != nil {
			return fmt.Errorf("adaptor %d: %w", i, err)
		}
	}
	return nil
}
