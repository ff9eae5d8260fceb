// Package adapter is the compile-time AdapterRegistry: resolves a
// backend name to an adapter implementation and enforces allow-list
// policy at spawn time. Grounded on original_source/worker_adapters.py,
// redesigned per spec §9's "Dynamic adapter loading from environment"
// note: a typed systems language replaces runtime import-by-name with
// compile-time registration plus an explicit factory interface.
package adapter

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// SpawnSpec is what an adapter asks the Spawner to execute.
type SpawnSpec struct {
	Command      []string
	OutputPath   string
	Env          map[string]string
	StdoutToFile bool
}

// WorkerOutput is what an adapter parses from a finished spawn's output.
type WorkerOutput struct {
	Success      bool
	Raw          string
	CostUSD      float64
	TokensIn     int
	TokensOut    int
	ErrorMessage string
}

// Adapter translates a task context into a subprocess invocation and
// parses its output.
type Adapter interface {
	Name() string
	Version() string
	BuildSpawnSpec(context, model, worktreePath, outputDir string) (SpawnSpec, error)
	ParseOutput(outputPath string) (WorkerOutput, error)
	// SourcePath is the adapter implementation's own file path, used by
	// Policy.allow_paths matching. Compile-time adapters report the
	// source file they were defined in.
	SourcePath() string
}

// Policy mirrors repo policy.json's worker_adapters block: empty/missing
// lists mean "no restriction"; an adapter passes iff it satisfies every
// non-empty list.
type Policy struct {
	AllowBackends []string
	AllowModules  []string
	AllowPaths    []string
}

func (p Policy) allows(a Adapter) error {
	if len(p.AllowBackends) > 0 && !contains(p.AllowBackends, a.Name()) {
		return fmt.Errorf("backend %q not in allow_backends", a.Name())
	}
	if len(p.AllowModules) > 0 {
		pkg := modulePath(a)
		if !contains(p.AllowModules, pkg) {
			return fmt.Errorf("module %q not in allow_modules", pkg)
		}
	}
	if len(p.AllowPaths) > 0 {
		src := a.SourcePath()
		ok := false
		for _, prefix := range p.AllowPaths {
			abs, err := filepath.Abs(prefix)
			if err != nil {
				continue
			}
			if strings.HasPrefix(src, abs) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("adapter source %q not under any allow_paths prefix", src)
		}
	}
	return nil
}

func modulePath(a Adapter) string {
	// Compile-time adapters are registered by Go import path via their
	// SourcePath's containing package; callers that care about
	// allow_modules register adapters whose SourcePath already encodes it.
	return filepath.Dir(a.SourcePath())
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Registry resolves backend names to compile-time-registered adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	policy   Policy
}

func NewRegistry(policy Policy) *Registry {
	return &Registry{adapters: map[string]Adapter{}, policy: policy}
}

// Register adds an adapter under its own Name(), replacing any adapter
// already registered under that name. The daemon registers its concrete
// adapters on its Registry at startup (see cmd/agentmeshd).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve looks up name and enforces the registry's default policy.
// AdapterUnknown if no adapter is registered under that name;
// AdapterPolicyDenied if policy rejects it.
func (r *Registry) Resolve(name string) (Adapter, error) {
	return r.ResolveWithPolicy(name, r.policy)
}

// ResolveWithPolicy looks up name and enforces an explicit policy
// instead of the registry's default — used by Spawner to apply the
// per-repo policy.json (§4.9) loaded fresh for each spawn's repo_cwd.
func (r *Registry) ResolveWithPolicy(name string, policy Policy) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, unknownBackend(name)
	}
	if err := policy.allows(a); err != nil {
		return nil, policyDenied(name, err)
	}
	return a, nil
}

// IsCI reports whether the process looks like it's running inside CI.
// The indicator is deliberately environment-supplied rather than a
// specific variable name, per spec §4.9; SetCIIndicator lets the host
// plug in whatever signal it has (env var presence, a flag, etc.).
var ciIndicator = func() bool { return false }

// SetCIIndicator overrides how IsCI decides. Called once at startup by
// cmd/agentmeshd after inspecting the host's actual CI signal.
func SetCIIndicator(f func() bool) { ciIndicator = f }

func IsCI() bool { return ciIndicator() }
