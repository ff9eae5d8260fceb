// Package gitbridge wraps git as an opaque capability: worktree
// lifecycle, staged-diff inspection, patch hashing, commits, and
// user-provided test commands. Grounded on
// original_source/gitbridge.py. create_worktree/remove_worktree are not
// present in that file (spawner.py imports them but they are never
// defined there); this package adds them in the same subprocess-wrapping
// style as the rest of the file, per DESIGN.md's resolution of that gap.
package gitbridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

func runGit(cwd string, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func runGitRC(cwd string, timeout time.Duration, args ...string) (int, string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return 0, strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String())
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String())
	}
	return 1, "", err.Error()
}

// IsGitRepo reports whether cwd is inside a git working tree.
func IsGitRepo(cwd string) bool {
	out, err := runGit(cwd, 10*time.Second, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// StagedDiff returns `git diff --cached`.
func StagedDiff(cwd string) (string, error) {
	return runGit(cwd, 10*time.Second, "diff", "--cached")
}

// StagedFiles returns the paths from `git diff --cached --name-only`.
func StagedFiles(cwd string) ([]string, error) {
	out, err := runGit(cwd, 10*time.Second, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CurrentBranch returns `git rev-parse --abbrev-ref HEAD`, or "" if the
// command fails (detached HEAD or not a repo).
func CurrentBranch(cwd string) string {
	out, err := runGit(cwd, 10*time.Second, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

// HeadSHA returns `git rev-parse --short HEAD`, or "" if it fails.
func HeadSHA(cwd string) string {
	out, err := runGit(cwd, 10*time.Second, "rev-parse", "--short", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

// DiffStat returns `git diff --stat` against the working tree.
func DiffStat(cwd string) string {
	out, _ := runGit(cwd, 10*time.Second, "diff", "--stat")
	return out
}

// ChangedFiles parses `git status --porcelain`, returning the path of
// every modified/untracked/staged file.
func ChangedFiles(cwd string) []string {
	out, err := runGit(cwd, 10*time.Second, "status", "--porcelain")
	if err != nil || out == "" {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		files = append(files, fields[len(fields)-1])
	}
	return files
}

// ComputePatchHash is the SHA-256 of diffText, "sha256:"-prefixed.
func ComputePatchHash(diffText string) string {
	h := sha256.Sum256([]byte(diffText))
	return "sha256:" + hex.EncodeToString(h[:])
}

// ComputePatchIDStable runs `git patch-id --stable` over diffText.
// Returns "" if diffText is empty or the command fails.
func ComputePatchIDStable(cwd, diffText string) string {
	if diffText == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "patch-id", "--stable")
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(diffText)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(stdout.String()))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Commit runs git commit, appending trailer after a blank line when
// non-empty. Returns (success, sha, error).
func Commit(cwd, message, trailer string, extraArgs []string) (bool, string, string) {
	fullMessage := message
	if trailer != "" {
		fullMessage = message + "\n\n" + trailer
	}
	args := append([]string{"commit", "-m", fullMessage}, extraArgs...)
	rc, _, stderr := runGitRC(cwd, 30*time.Second, args...)
	if rc != 0 {
		return false, "", stderr
	}
	sha, err := runGit(cwd, 10*time.Second, "rev-parse", "HEAD")
	if err != nil {
		return false, "", err.Error()
	}
	return true, sha, ""
}

// RunTests runs command through the shell, returning (passed, last-20-
// lines summary of combined stdout+stderr).
func RunTests(cwd, command string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	lines := strings.Split(strings.TrimSpace(combined.String()), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	summary := strings.Join(lines, "\n")

	if ctx.Err() == context.DeadlineExceeded {
		return false, "Test command timed out (300s)"
	}
	return err == nil, summary
}

// CreateWorktree adds a new git worktree at path, tracking a new branch
// off HEAD. Not present in original_source/gitbridge.py; added in the
// same subprocess-wrapping style as Commit/RunTests above since
// spawner.py imports it without a definition anywhere in the pack.
func CreateWorktree(repoCWD, path, branch string) error {
	rc, _, stderr := runGitRC(repoCWD, 30*time.Second, "worktree", "add", "-b", branch, path)
	if rc != 0 {
		return fmt.Errorf("gitbridge: create worktree %s: %s", path, stderr)
	}
	return nil
}

// RemoveWorktree removes a worktree, forcing removal of local
// modifications when force is set (used for best-effort cleanup after a
// worker is harvested or aborted).
func RemoveWorktree(repoCWD, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	rc, _, stderr := runGitRC(repoCWD, 30*time.Second, args...)
	if rc != 0 {
		return fmt.Errorf("gitbridge: remove worktree %s: %s", path, stderr)
	}
	return nil
}
