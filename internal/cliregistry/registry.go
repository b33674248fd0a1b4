// Package cliregistry resolves CLI agent kinds to runnable commands and
// health endpoints. It is the supervisor's view of which agent tools exist
// on this host.
package cliregistry

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/workspace/cli-supervisor/internal/supervisor"
)

// Spec describes one CLI kind. Args may contain the {port} placeholder,
// substituted at resolve time.
type Spec struct {
	// Name is the CLI kind identifier, e.g. "claude-code".
	Name string
	// Command is the executable looked up on PATH.
	Command string
	// Args are the command arguments; "{port}" expands to the session port.
	Args []string
	// HealthPath is the HTTP path probed for liveness.
	HealthPath string
	// NeedsTTY marks CLIs that require a pseudo-terminal to run headless.
	NeedsTTY bool
}

// Static is a table-backed registry. Availability is a PATH lookup, cached
// per command.
type Static struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	pathHits map[string]bool
	fallback string
}

// NewStatic creates a registry with the built-in CLI kinds.
func NewStatic() *Static {
	r := &Static{
		specs:    make(map[string]Spec),
		pathHits: make(map[string]bool),
		fallback: "claude-code",
	}
	for _, spec := range builtinSpecs {
		r.specs[spec.Name] = spec
	}
	return r
}

var builtinSpecs = []Spec{
	{
		Name:       "claude-code",
		Command:    "claude",
		Args:       []string{"serve", "--port", "{port}"},
		HealthPath: "/health",
		NeedsTTY:   true,
	},
	{
		Name:       "aider",
		Command:    "aider",
		Args:       []string{"--listen", "--port", "{port}"},
		HealthPath: "/health",
	},
	{
		Name:       "codex",
		Command:    "codex",
		Args:       []string{"serve", "--port", "{port}"},
		HealthPath: "/healthz",
	},
	{
		Name:       "opencode",
		Command:    "opencode",
		Args:       []string{"serve", "--port", "{port}", "--hostname", "127.0.0.1"},
		HealthPath: "/app",
	},
}

// Register adds or replaces a CLI kind.
func (r *Static) Register(spec Spec) error {
	if spec.Name == "" || spec.Command == "" {
		return fmt.Errorf("cliregistry: spec needs a name and a command")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	delete(r.pathHits, spec.Command)
	return nil
}

// SetDefault selects the CLI kind used when callers do not name one.
func (r *Static) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[name]; !ok {
		return fmt.Errorf("cliregistry: unknown cli kind %q", name)
	}
	r.fallback = name
	return nil
}

// Known returns all registered kind names, sorted.
func (r *Static) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAvailable reports whether the kind's executable is on PATH.
func (r *Static) IsAvailable(cliType string) bool {
	r.mu.RLock()
	spec, ok := r.specs[cliType]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	hit, cached := r.pathHits[spec.Command]
	r.mu.RUnlock()
	if cached {
		return hit
	}

	_, err := exec.LookPath(spec.Command)
	found := err == nil

	r.mu.Lock()
	r.pathHits[spec.Command] = found
	r.mu.Unlock()
	return found
}

// ResolveRunCommand builds the invocation for a kind bound to a port.
func (r *Static) ResolveRunCommand(cliType string, port int) (supervisor.RunCommand, bool) {
	r.mu.RLock()
	spec, ok := r.specs[cliType]
	r.mu.RUnlock()
	if !ok {
		return supervisor.RunCommand{}, false
	}

	args := make([]string, len(spec.Args))
	portStr := fmt.Sprintf("%d", port)
	for i, arg := range spec.Args {
		if arg == "{port}" {
			args[i] = portStr
		} else {
			args[i] = arg
		}
	}
	return supervisor.RunCommand{
		Command:  spec.Command,
		Args:     args,
		NeedsTTY: spec.NeedsTTY,
	}, true
}

// HealthEndpointPath returns the probe path for a kind ("/health" when the
// kind is unknown).
func (r *Static) HealthEndpointPath(cliType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.specs[cliType]; ok && spec.HealthPath != "" {
		return spec.HealthPath
	}
	return "/health"
}

// DefaultCLIType returns the configured fallback kind.
func (r *Static) DefaultCLIType() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

var _ supervisor.CLIRegistry = (*Static)(nil)
