package orchestrator

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/skylightos/skylight/internal/common/logger"
)

// DefaultProfileName is the fallback profile handed to task agents when the
// requested one is unknown.
const DefaultProfileName = "default"

// TaskProfile describes the tool surface and turn budget for a one-off task
// agent.
type TaskProfile struct {
	Name        string   `yaml:"-"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
	MaxTurns    int      `yaml:"maxTurns"`
}

// profilesFile is the on-disk YAML shape.
type profilesFile struct {
	Profiles map[string]TaskProfile `yaml:"profiles"`
}

// ProfileRegistry resolves profile names for the task dispatcher. User
// profiles loaded from YAML overlay the built-ins; the built-in default is
// always present.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]TaskProfile
	logger   *logger.Logger
}

// builtinProfiles are the profiles available without any configuration file.
func builtinProfiles() map[string]TaskProfile {
	return map[string]TaskProfile{
		DefaultProfileName: {
			Name:        DefaultProfileName,
			Description: "general-purpose task agent with the full tool surface",
			Tools: []string{
				"window.create", "window.setContent", "window.updateContent",
				"window.setTitle", "window.move", "window.resize",
				"window.close", "toast.show", "notification.show",
			},
			MaxTurns: 8,
		},
		"research": {
			Name:        "research",
			Description: "read-only objective work; reports back without touching windows",
			Tools:       []string{"toast.show"},
			MaxTurns:    12,
		},
		"presenter": {
			Name:        "presenter",
			Description: "renders results into windows, no notifications",
			Tools: []string{
				"window.create", "window.setContent", "window.updateContent",
				"window.setTitle", "window.move", "window.resize",
			},
			MaxTurns: 6,
		},
	}
}

// NewProfileRegistry returns a registry holding only the built-in profiles.
func NewProfileRegistry(log *logger.Logger) *ProfileRegistry {
	return &ProfileRegistry{
		profiles: builtinProfiles(),
		logger:   log.WithFields(zap.String("component", "profile-registry")),
	}
}

// LoadProfileRegistry reads profile definitions from a YAML file and overlays
// them on the built-ins. A missing file is not an error; the built-ins serve.
func LoadProfileRegistry(path string, log *logger.Logger) (*ProfileRegistry, error) {
	r := NewProfileRegistry(log)
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("no profile file, using built-ins", zap.String("path", path))
			return r, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	defaultTurns := r.profiles[DefaultProfileName].MaxTurns
	for name, profile := range file.Profiles {
		profile.Name = name
		if profile.MaxTurns <= 0 {
			profile.MaxTurns = defaultTurns
		}
		r.profiles[name] = profile
	}
	r.logger.Info("loaded task profiles",
		zap.String("path", path),
		zap.Int("count", len(file.Profiles)))
	return r, nil
}

// Get resolves a profile by name. Unknown names fall back to the default
// profile so a dispatch never fails on a typo.
func (r *ProfileRegistry) Get(name string) TaskProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[name]; ok {
		return p
	}
	if name != "" && name != DefaultProfileName {
		r.logger.Warn("unknown task profile, using default", zap.String("profile", name))
	}
	return r.profiles[DefaultProfileName]
}

// Names lists the registered profile names.
func (r *ProfileRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}
