// Package config loads the daemon's own configuration (env vars, with an
// optional YAML overlay) and per-repository worker policy (a JSON file
// under the repo's .agentmesh directory). Grounded on
// cmd/control-plane/main.go's loadConfig (env-var-first with defaults,
// YAML overlay) and original_source/spawner.py's `_load_repo_policy`
// (which reads policy.json).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's own runtime configuration.
type Config struct {
	DataDir         string `yaml:"data_dir"`
	ListenAddr      string `yaml:"listen_addr"`
	StaleThresholdS int    `yaml:"stale_threshold_s"`
	DefaultTimeoutS int    `yaml:"default_timeout_s"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		DataDir:         "./.agentmesh-data",
		ListenAddr:      ":8089",
		StaleThresholdS: 120,
		DefaultTimeoutS: 1800,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load builds a Config from environment variables layered over defaults,
// then overlays <data_dir>/config.yaml if present (env vars win only
// where the YAML file is silent — the YAML file is read after the env
// var resolves DataDir, so it can still override everything else).
func Load() (Config, error) {
	cfg := defaults()

	if v := os.Getenv("AGENTMESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTMESH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGENTMESH_STALE_THRESHOLD_S"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.StaleThresholdS = n
		}
	}
	if v := os.Getenv("AGENTMESH_DEFAULT_TIMEOUT_S"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.DefaultTimeoutS = n
		}
	}
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTMESH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	overlayPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

// TestVerification is the repo policy's optional independent-verification
// stanza consulted by Spawner.Harvest when a task doesn't name its own
// verify_tests_command.
type TestVerification struct {
	Enabled bool   `json:"enabled"`
	Command string `json:"command"`
}

// OrchestratorPolicy is the repo policy's orchestrator-level stanza.
type OrchestratorPolicy struct {
	TestVerification TestVerification `json:"test_verification"`
}

// WorkerAdaptersPolicy mirrors adapter.Policy's shape plus the env
// deny-list additions applied at spawn time (§4.4.1).
type WorkerAdaptersPolicy struct {
	AllowBackends []string `json:"allow_backends"`
	AllowModules  []string `json:"allow_modules"`
	AllowPaths    []string `json:"allow_paths"`
	StripEnv      []string `json:"strip_env"`
}

// RepoPolicy is the full shape of <repo_cwd>/.agentmesh/policy.json.
type RepoPolicy struct {
	WorkerAdapters WorkerAdaptersPolicy `json:"worker_adapters"`
	Orchestrator   OrchestratorPolicy   `json:"orchestrator"`
}

// LoadRepoPolicy reads <repoCWD>/.agentmesh/policy.json, returning a zero
// RepoPolicy (no restrictions) if the file is missing or unparsable —
// matching the original's fail-open-to-empty-dict behavior, since policy
// absence must never block a spawn. Keys listed under
// worker_runtime.strip_env are appended to WorkerAdapters.StripEnv.
func LoadRepoPolicy(repoCWD string) RepoPolicy {
	if repoCWD == "" {
		return RepoPolicy{}
	}
	path := filepath.Join(repoCWD, ".agentmesh", "policy.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return RepoPolicy{}
	}
	var p RepoPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return RepoPolicy{}
	}
	var rt struct {
		WorkerRuntime struct {
			StripEnv []string `json:"strip_env"`
		} `json:"worker_runtime"`
	}
	if err := json.Unmarshal(data, &rt); err == nil {
		p.WorkerAdapters.StripEnv = append(p.WorkerAdapters.StripEnv, rt.WorkerRuntime.StripEnv...)
	}
	return p
}

// VerificationCommand resolves the independent-verification command per
// spec §4.4 step 6's priority order: task.meta.verify_tests_command,
// then policy orchestrator.test_verification when enabled, else "".
func VerificationCommand(taskMeta map[string]any, repoCWD string) string {
	if taskMeta != nil {
		if v, ok := taskMeta["verify_tests_command"].(string); ok && v != "" {
			return v
		}
	}
	policy := LoadRepoPolicy(repoCWD)
	if policy.Orchestrator.TestVerification.Enabled && policy.Orchestrator.TestVerification.Command != "" {
		return policy.Orchestrator.TestVerification.Command
	}
	return ""
}
