// Package registry holds the read-only catalog of testing agent personas.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/common/logger"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

//go:embed personas.yaml
var defaultCatalog []byte

// catalogFile is the structure of personas.yaml
type catalogFile struct {
	Version  string     `yaml:"version"`
	Personas []*Persona `yaml:"personas"`
}

// Persona is an immutable testing identity. Values handed out by the
// registry are shared and must not be modified.
type Persona struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Specialization string         `yaml:"specialization"`
	Traits         []string       `yaml:"traits"`
	Color          string         `yaml:"color"`
	Enabled        bool           `yaml:"enabled"`
	Device         DeviceConfig   `yaml:"device"`
	Behavior       BehaviorConfig `yaml:"behavior"`
}

// DeviceConfig is the device a persona browses with
type DeviceConfig struct {
	Type           string `yaml:"type"` // desktop, tablet, mobile
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	UserAgent      string `yaml:"user_agent"`
}

// BehaviorConfig tunes how a persona explores
type BehaviorConfig struct {
	MovementStyle string `yaml:"movement_style"`
	ThinkTimeMs   int    `yaml:"think_time_ms"`
	MaxPages      int    `yaml:"max_pages"`
}

// ThinkTime returns the pause between two steps.
func (b BehaviorConfig) ThinkTime() time.Duration {
	return time.Duration(b.ThinkTimeMs) * time.Millisecond
}

// ToAPI converts a persona to its API representation.
func (p *Persona) ToAPI() *v1.Agent {
	return &v1.Agent{
		ID:             p.ID,
		Name:           p.Name,
		Specialization: p.Specialization,
		Traits:         p.Traits,
		Color:          p.Color,
		Enabled:        p.Enabled,
		DeviceType:     p.Device.Type,
		ViewportWidth:  p.Device.ViewportWidth,
		ViewportHeight: p.Device.ViewportHeight,
	}
}

// Registry is the persona catalog. Lookups are safe for concurrent use.
type Registry struct {
	personas []*Persona
	byID     map[string]*Persona
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*Persona),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
}

// LoadDefaults loads the embedded catalog
func (r *Registry) LoadDefaults() error {
	return r.Load(defaultCatalog)
}

// LoadFile loads a catalog from a YAML file, replacing the current one
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read persona catalog %s: %w", path, err)
	}
	return r.Load(data)
}

// Load parses a YAML catalog and replaces the current one. The catalog
// order is kept as the listing order.
func (r *Registry) Load(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse persona catalog: %w", err)
	}

	byID := make(map[string]*Persona, len(file.Personas))
	for i, p := range file.Personas {
		if p == nil || strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("persona %d has no id", i)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("duplicate persona id %q", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Behavior.MaxPages <= 0 {
			p.Behavior.MaxPages = 10
		}
		byID[p.ID] = p
	}

	r.mu.Lock()
	r.personas = file.Personas
	r.byID = byID
	r.mu.Unlock()

	r.logger.Info("Loaded persona catalog",
		zap.String("version", file.Version),
		zap.Int("personas", len(file.Personas)))
	return nil
}

// List returns every persona in catalog order
func (r *Registry) List() []*Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Persona, len(r.personas))
	copy(out, r.personas)
	return out
}

// ListEnabled returns the enabled personas in catalog order
func (r *Registry) ListEnabled() []*Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Persona, 0, len(r.personas))
	for _, p := range r.personas {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the persona with the given id, or a NOT_FOUND AppError.
func (r *Registry) Get(id string) (*Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, errors.NotFound("agent", id)
	}
	return p, nil
}

// Resolve validates a caller's agent selection and returns the personas in
// the requested order. Unknown, disabled and repeated ids are rejected.
func (r *Registry) Resolve(ids []string) ([]*Persona, error) {
	if len(ids) == 0 {
		return nil, errors.ValidationError("agent_ids", "at least one agent is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(ids))
	out := make([]*Persona, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, errors.ValidationError("agent_ids", fmt.Sprintf("agent %q selected more than once", id))
		}
		seen[id] = true

		p, ok := r.byID[id]
		if !ok {
			return nil, errors.ValidationError("agent_ids", fmt.Sprintf("unknown agent %q", id))
		}
		if !p.Enabled {
			return nil, errors.ValidationError("agent_ids", fmt.Sprintf("agent %q is disabled", id))
		}
		out = append(out, p)
	}
	return out, nil
}
