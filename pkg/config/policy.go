package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ValidationPolicy controls the CI-gated validation sub-loop for one repo.
type ValidationPolicy struct {
	Enabled        bool     `yaml:"enabled"`
	MaxFixAttempts int      `yaml:"max_fix_attempts"`
	Timeout        Duration `yaml:"timeout"`
}

// DefaultValidationPolicy applies to repos without an explicit entry.
var DefaultValidationPolicy = ValidationPolicy{ //nolint:gochecknoglobals // package-wide default
	Enabled:        true,
	MaxFixAttempts: 3,
	Timeout:        Duration(30 * time.Minute),
}

// policyFile is the on-disk shape of validation.yaml.
type policyFile struct {
	Default       *ValidationPolicy           `yaml:"default"`
	Repos         map[string]ValidationPolicy `yaml:"repos"` // "owner/name" -> policy
	AllowedActors []string                    `yaml:"allowed_actors"`
}

// PolicyStore holds the current validation policies and supports atomic
// replacement on hot reload.
type PolicyStore struct {
	mu       sync.RWMutex
	fallback ValidationPolicy
	repos    map[string]ValidationPolicy
	actors   []string
}

// NewPolicyStore returns a store holding only the built-in default.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{
		fallback: DefaultValidationPolicy,
		repos:    map[string]ValidationPolicy{},
	}
}

// For returns the policy for a repo slug ("owner/name").
func (p *PolicyStore) For(repo string) ValidationPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pol, ok := p.repos[repo]; ok {
		return pol
	}
	return p.fallback
}

// AllowedActors returns the hot-reloaded actor allow-list, or nil when the
// policy file does not set one and the static config list applies.
func (p *PolicyStore) AllowedActors() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.actors) == 0 {
		return nil
	}
	out := make([]string, len(p.actors))
	copy(out, p.actors)
	return out
}

// LoadFile replaces the store contents from a validation.yaml file. A
// missing file leaves the built-in defaults in place and is not an error.
func (p *PolicyStore) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // policy path is operator-controlled
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read validation policy %s: %w", path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse validation policy %s: %w", path, err)
	}

	fallback := DefaultValidationPolicy
	if pf.Default != nil {
		fallback = *pf.Default
	}

	p.mu.Lock()
	p.fallback = fallback
	p.repos = pf.Repos
	if p.repos == nil {
		p.repos = map[string]ValidationPolicy{}
	}
	p.actors = pf.AllowedActors
	p.mu.Unlock()
	return nil
}

// Watch reloads the policy file whenever it changes on disk, until ctx-free
// shutdown via the returned stop function. Reload failures keep the previous
// policies and are logged.
func (p *PolicyStore) Watch(path string, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.LoadFile(path); err != nil {
					logger.Warn("validation policy reload failed", "path", path, "error", err)
					continue
				}
				logger.Info("validation policy reloaded", "path", path)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if werr != nil {
					logger.Warn("policy watcher error", "error", werr)
				}
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// DefaultValidationYAML is written by `loom init`.
const DefaultValidationYAML = `# Per-repo CI validation policy.
default:
  enabled: true
  max_fix_attempts: 3
  timeout: 30m

repos: {}
  # acme/widgets:
  #   enabled: true
  #   max_fix_attempts: 5
  #   timeout: 45m

# Uncomment to override the static allowed_actors list from config.toml
# without restarting the daemon.
# allowed_actors:
#   - teammate
`
