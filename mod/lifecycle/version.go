package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// VersionConfig is the explicit configuration of one application version
type VersionConfig struct {
	// Tag identifies the version, e.g. "v1.0.0"
	Tag string `json:"tag" env:"TAG"`

	// StaticStore holds the pre-populated manifest resources
	StaticStore string `json:"static_store" env:"STATIC_STORE"`

	// DynamicStore holds API responses and opportunistically cached resources
	DynamicStore string `json:"dynamic_store" env:"DYNAMIC_STORE"`

	// Manifest lists the essential resources, relative to the app origin or absolute
	Manifest []string `json:"manifest" env:"MANIFEST" envSeparator:","`
}

// StoreNames returns the store names owned by the version
func (c VersionConfig) StoreNames() []string {
	names := []string{c.StaticStore}
	if c.DynamicStore != "" && c.DynamicStore != c.StaticStore {
		names = append(names, c.DynamicStore)
	}
	return names
}

// Version is an immutable configuration snapshot moving through the lifecycle
type Version struct {
	ID     string
	Config VersionConfig

	mu          sync.RWMutex
	state       State
	createdAt   time.Time
	installedAt time.Time
	activatedAt time.Time
}

func newVersion(cfg VersionConfig) *Version {
	cfg.Manifest = append([]string(nil), cfg.Manifest...)
	return &Version{
		ID:        uuid.NewString(),
		Config:    cfg,
		state:     StateInstalling,
		createdAt: time.Now(),
	}
}

// Tag returns the version tag
func (v *Version) Tag() string {
	return v.Config.Tag
}

// State returns the current lifecycle state
func (v *Version) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// transition applies a guarded state change
func (v *Version) transition(to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !CanTransition(v.state, to) {
		return &TransitionError{Tag: v.Config.Tag, From: v.state, To: to}
	}

	now := time.Now()
	switch to {
	case StateWaiting:
		v.installedAt = now
	case StateActive:
		if v.installedAt.IsZero() {
			v.installedAt = now
		}
		v.activatedAt = now
	}
	v.state = to
	return nil
}

// VersionInfo is a point-in-time view of a version
type VersionInfo struct {
	ID          string     `json:"id"`
	Tag         string     `json:"tag"`
	State       State      `json:"state"`
	Stores      []string   `json:"stores"`
	Manifest    []string   `json:"manifest"`
	CreatedAt   time.Time  `json:"created_at"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Info returns a snapshot of the version
func (v *Version) Info() *VersionInfo {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	info := &VersionInfo{
		ID:        v.ID,
		Tag:       v.Config.Tag,
		State:     v.state,
		Stores:    v.Config.StoreNames(),
		Manifest:  append([]string(nil), v.Config.Manifest...),
		CreatedAt: v.createdAt,
	}
	if !v.installedAt.IsZero() {
		t := v.installedAt
		info.InstalledAt = &t
	}
	if !v.activatedAt.IsZero() {
		t := v.activatedAt
		info.ActivatedAt = &t
	}
	return info
}

// Registration is the snapshot pages inspect to learn about waiting versions
type Registration struct {
	Active     *VersionInfo `json:"active"`
	Waiting    *VersionInfo `json:"waiting"`
	Installing *VersionInfo `json:"installing"`
}

// UpdateAvailable reports whether a waiting version exists behind an active one
func (r Registration) UpdateAvailable() bool {
	return r.Active != nil && r.Waiting != nil
}
