// Package softconflict detects exported-symbol changes in a committed
// file and alerts agents whose claimed files import those symbols, one
// severity step below a hard claim conflict. Grounded on
// original_source/conflicts.py: the same Python/JS export and import
// regexes, the same added/removed symbol diffing, the same
// removed-symbol-only dependent search.
package softconflict

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Haserjian/agentmesh/internal/board"
	"github.com/Haserjian/agentmesh/internal/eventlog"
	"github.com/Haserjian/agentmesh/internal/model"
)

var (
	pyDef    = regexp.MustCompile(`(?m)^(?:def|class)\s+([A-Za-z_]\w*)`)
	pyAssign = regexp.MustCompile(`(?m)^([A-Z_][A-Z_0-9]*)\s*=`)

	jsExportNamed   = regexp.MustCompile(`(?m)^export\s+(?:function|class|const|let|var|type|interface|enum)\s+([A-Za-z_$]\w*)`)
	jsExportDefault = regexp.MustCompile(`(?m)^export\s+default\s+(?:function|class)\s+([A-Za-z_$]\w*)`)

	pyFromImport = regexp.MustCompile(`(?m)^from\s+([\w.]+)\s+import\s+(.+)`)
	pyImport     = regexp.MustCompile(`(?m)^import\s+([\w.]+)`)
)

var jsSuffixes = map[string]bool{".js": true, ".ts": true, ".tsx": true, ".jsx": true, ".mjs": true}

// ScanExports returns the set of exported symbol names in filePath,
// using Python (top-level def/class/UPPER_CASE assignment) or JS/TS
// (export statement) heuristics by extension. Returns an empty set if the
// file doesn't exist or isn't a recognized source type.
func ScanExports(filePath string) map[string]bool {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return map[string]bool{}
	}
	return extractSymbols(filePath, string(content))
}

func extractSymbols(filePath, content string) map[string]bool {
	symbols := map[string]bool{}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".py":
		for _, m := range pyDef.FindAllStringSubmatch(content, -1) {
			symbols[m[1]] = true
		}
		for _, m := range pyAssign.FindAllStringSubmatch(content, -1) {
			symbols[m[1]] = true
		}
	default:
		if jsSuffixes[strings.ToLower(filepath.Ext(filePath))] {
			for _, m := range jsExportNamed.FindAllStringSubmatch(content, -1) {
				symbols[m[1]] = true
			}
			for _, m := range jsExportDefault.FindAllStringSubmatch(content, -1) {
				symbols[m[1]] = true
			}
		}
	}
	return symbols
}

// importRef is a (module, symbol) pair imported by a Python file.
type importRef struct {
	module string
	symbol string
}

// ScanImports returns the (module, symbol) pairs a Python file imports.
// JS/TS import scanning isn't implemented in the original either.
func ScanImports(filePath string) []importRef {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil
	}
	if strings.ToLower(filepath.Ext(filePath)) != ".py" {
		return nil
	}

	var out []importRef
	text := string(content)
	for _, m := range pyFromImport.FindAllStringSubmatch(text, -1) {
		module := m[1]
		names := strings.TrimRight(strings.TrimSpace(m[2]), "\\")
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			if name == "" || strings.HasPrefix(name, "(") {
				continue
			}
			clean := strings.TrimSpace(strings.Split(name, " as ")[0])
			if clean != "" {
				out = append(out, importRef{module: module, symbol: clean})
			}
		}
	}
	for _, m := range pyImport.FindAllStringSubmatch(text, -1) {
		module := m[1]
		parts := strings.Split(module, ".")
		out = append(out, importRef{module: module, symbol: parts[len(parts)-1]})
	}
	return out
}

// DetectSymbolChanges diffs exported symbols between two file contents,
// returning "+symbol" for additions and "-symbol" for removals, each
// sorted set in symbol order.
func DetectSymbolChanges(filePath, beforeContent, afterContent string) []string {
	before := extractSymbols(filePath, beforeContent)
	after := extractSymbols(filePath, afterContent)

	var added, removed []string
	for s := range after {
		if !before[s] {
			added = append(added, s)
		}
	}
	for s := range before {
		if !after[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	changes := make([]string, 0, len(added)+len(removed))
	for _, s := range added {
		changes = append(changes, "+"+s)
	}
	for _, s := range removed {
		changes = append(changes, "-"+s)
	}
	return changes
}

// FindDependents returns the claims among claimedPaths whose file
// imports one of changedSymbols' removed names from a module that looks
// like changedFile. Only removals trigger an alert: a removed symbol is
// the only thing that can break an importer.
func FindDependents(changedFile string, changedSymbols []string, claimedPaths []model.Claim) []model.Claim {
	removed := map[string]bool{}
	for _, s := range changedSymbols {
		if strings.HasPrefix(s, "-") {
			removed[s[1:]] = true
		}
	}
	if len(removed) == 0 {
		return nil
	}

	base := filepath.Base(changedFile)
	changedStem := strings.TrimSuffix(base, filepath.Ext(base))

	var affected []model.Claim
	for _, claim := range claimedPaths {
		if claim.Path == changedFile {
			continue
		}
		for _, imp := range ScanImports(claim.Path) {
			if !removed[imp.symbol] {
				continue
			}
			if strings.HasSuffix(imp.module, changedStem) {
				affected = append(affected, claim)
				break
			}
		}
	}
	return affected
}

type storeBackend interface {
	ListClaims(agentID string, activeOnly bool) ([]model.Claim, error)
}

// Detector posts soft-conflict ATTN alerts to the board and records a
// SOFT_CONFLICT event for every affected agent.
type Detector struct {
	store storeBackend
	board *board.Board
	el    *eventlog.Log
}

func New(store storeBackend, b *board.Board, el *eventlog.Log) *Detector {
	return &Detector{store: store, board: b, el: el}
}

// PostAlerts scans every other agent's active claims for files that
// import a symbol changedFile just removed, posts an ATTN message to
// each affected agent, and returns the alert count.
func (d *Detector) PostAlerts(changedFile string, changedSymbols []string, agentID string) (int, error) {
	activeClaims, err := d.store.ListClaims("", true)
	if err != nil {
		return 0, err
	}
	var otherClaims []model.Claim
	for _, c := range activeClaims {
		if c.AgentID != agentID {
			otherClaims = append(otherClaims, c)
		}
	}

	affected := FindDependents(changedFile, changedSymbols, otherClaims)

	var removed []string
	for _, s := range changedSymbols {
		if strings.HasPrefix(s, "-") {
			removed = append(removed, s[1:])
		}
	}

	count := 0
	for _, claim := range affected {
		body := "Soft conflict: " + changedFile + " changed symbols " + strings.Join(removed, ", ") +
			". Your file " + claim.Path + " may import these."
		if _, err := d.board.Post(agentID, body, claim.AgentID, "", model.SeverityATTN, ""); err != nil {
			return count, err
		}
		if d.el != nil {
			if _, err := d.el.Append(model.EventSoftConflict, agentID, map[string]any{
				"changed_file":   changedFile,
				"symbols":        removed,
				"affected_agent": claim.AgentID,
				"affected_file":  claim.Path,
			}); err != nil {
				return count, err
			}
		}
		count++
	}
	return count, nil
}
