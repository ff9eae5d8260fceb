// Package episode generates episode ids and tracks the current episode
// for a data directory. Grounded on original_source/episodes.py.
package episode

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Generate returns a ULID-like, lexicographically sortable id: "ep_" +
// a 48-bit millisecond timestamp + 48 bits of randomness, hex-encoded
// (27 characters total).
func Generate() (string, error) {
	ms := time.Now().UTC().UnixMilli()
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ms))

	var randBuf [6]byte
	if _, err := rand.Read(randBuf[:]); err != nil {
		return "", fmt.Errorf("episode: generate: %w", err)
	}

	raw := append(append([]byte{}, tsBuf[2:]...), randBuf[:]...)
	return "ep_" + hex.EncodeToString(raw), nil
}

func currentEpisodeFile(dataDir string) string {
	return filepath.Join(dataDir, "current_episode")
}

// SetCurrent writes episodeID as the data directory's current episode.
func SetCurrent(dataDir, episodeID string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(currentEpisodeFile(dataDir), []byte(episodeID), 0o644)
}

// GetCurrent reads the data directory's current episode id, or "" if
// none is set.
func GetCurrent(dataDir string) (string, error) {
	b, err := os.ReadFile(currentEpisodeFile(dataDir))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ClearCurrent removes the current-episode marker, if any.
func ClearCurrent(dataDir string) error {
	err := os.Remove(currentEpisodeFile(dataDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
