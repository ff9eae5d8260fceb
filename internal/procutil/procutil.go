// Package procutil probes and controls OS processes: PID-reuse-guarded
// liveness checks and graceful-then-forceful termination. Grounded on
// the PID/process-creation-time discipline described in spec §4.5
// ("_is_pid_alive") and §4.4 (TERM then KILL).
package procutil

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// CreateTime returns the process's start time as a Unix epoch float
// (seconds, with fractional precision), read from /proc/<pid>/stat on
// Linux. Returns 0 if unavailable — callers fall back to PID-only
// liveness, per spec's "zero stored create-time falls back to PID-only".
func CreateTime(pid int) float64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Field 22 (starttime, clock ticks since boot) comes after the
	// parenthesized comm field, which may itself contain spaces/parens.
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return 0
	}
	fields := strings.Fields(string(data[closeParen+1:]))
	const starttimeFieldIndex = 19 // 0-based offset of field 22 after the comm field
	if len(fields) <= starttimeFieldIndex {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[starttimeFieldIndex], 10, 64)
	if err != nil {
		return 0
	}
	hz := clockTicksPerSecond()
	btime := bootTime()
	if hz == 0 || btime == 0 {
		return 0
	}
	return btime + float64(ticks)/hz
}

func clockTicksPerSecond() float64 { return 100 } // USER_HZ is 100 on virtually every Linux config

func bootTime() float64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "btime ") {
			v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime")), 10, 64)
			if err != nil {
				return 0
			}
			return float64(v)
		}
	}
	return 0
}

// IsAlive implements the PID-reuse guard: the PID is alive only if
// signal-0 succeeds, and, when expectedCreateTime is nonzero, the
// process's actual creation time matches it within a small tolerance.
func IsAlive(pid int, expectedCreateTime float64) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	if expectedCreateTime == 0 {
		return true
	}
	actual := CreateTime(pid)
	if actual == 0 {
		return true // creation time unavailable; fall back to PID-only per spec
	}
	const tolerance = 1.0 // seconds, to absorb clock-tick rounding
	diff := actual - expectedCreateTime
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// Terminate sends SIGTERM, waits grace for the process to exit, then
// sends SIGKILL if it's still alive. Best-effort: errors from a process
// that's already gone are swallowed.
func Terminate(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(pid, unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if unix.Kill(pid, 0) != nil {
			return // exited
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = unix.Kill(pid, unix.SIGKILL)
}
