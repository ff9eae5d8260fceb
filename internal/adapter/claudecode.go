package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ClaudeCodeAdapter is the default adapter, invoking the claude CLI in
// print mode. Grounded directly on original_source/worker_adapters.py's
// ClaudeCodeAdapter.
type ClaudeCodeAdapter struct {
	AgentMeshVersion string
}

func (a ClaudeCodeAdapter) Name() string    { return "claude_code" }
func (a ClaudeCodeAdapter) Version() string { return fmt.Sprintf("agentmesh:%s", a.AgentMeshVersion) }

func (a ClaudeCodeAdapter) SourcePath() string {
	_, file, _, _ := runtime.Caller(0)
	return file
}

func (a ClaudeCodeAdapter) BuildSpawnSpec(context, model, worktreePath, outputDir string) (SpawnSpec, error) {
	outputPath := filepath.Join(outputDir, "claude_output.json")
	return SpawnSpec{
		Command: []string{
			"claude", "--print", "--output-format", "json",
			"--model", model, "--dangerously-skip-permissions", context,
		},
		OutputPath:   outputPath,
		StdoutToFile: true,
	}, nil
}

func (a ClaudeCodeAdapter) ParseOutput(outputPath string) (WorkerOutput, error) {
	content, err := os.ReadFile(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return WorkerOutput{Success: false, ErrorMessage: "output file missing"}, nil
		}
		return WorkerOutput{Success: false, ErrorMessage: err.Error()}, nil
	}
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return WorkerOutput{Success: false, ErrorMessage: "output file empty"}, nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return WorkerOutput{Success: false, ErrorMessage: err.Error()}, nil
	}
	return WorkerOutput{
		Success:   true,
		Raw:       trimmed,
		CostUSD:   toFloat(data["cost_usd"]),
		TokensIn:  toInt(data["num_input_tokens"]),
		TokensOut: toInt(data["num_output_tokens"]),
	}, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
