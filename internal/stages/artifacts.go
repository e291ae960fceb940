// Package stages implements the five pipeline stage handlers: download,
// downsample, transcribe, clean, and summarize. Each handler writes its
// artifact under the episode's directory through the shared ArtifactStore,
// records the path on the episode, and returns nil when the artifact is
// already present so replays cost nothing.
package stages

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// scratchSuffix marks files still being written. The retention janitor's
// scratch globs match it, so an abandoned write gets cleaned up eventually.
const scratchSuffix = ".partial"

// digestSuffix names the sidecar holding an artifact's blake3 hex digest.
const digestSuffix = ".b3"

// ArtifactStore lays out stage outputs as <root>/<episode_id>/<name> and
// guarantees a reader never observes a half-written artifact: writers
// stream into a scratch file that is renamed into place only when complete.
type ArtifactStore struct {
	root string
}

func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (s *ArtifactStore) Root() string {
	return s.root
}

// EpisodeDir returns the artifact directory for an episode, creating it on
// first use.
func (s *ArtifactStore) EpisodeDir(episodeID string) (string, error) {
	dir := filepath.Join(s.root, episodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir %s: %w", dir, err)
	}
	return dir, nil
}

// Exists reports whether path names an existing regular file. An empty
// path is a recorded-but-never-written artifact and reports false.
func (s *ArtifactStore) Exists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// ScratchPath returns the in-progress twin of a final artifact path.
func (s *ArtifactStore) ScratchPath(final string) string {
	return final + scratchSuffix
}

// Write stores data at <episode dir>/<name> via scratch-and-rename and
// writes the digest sidecar. Returns the final artifact path.
func (s *ArtifactStore) Write(episodeID, name string, data []byte) (string, error) {
	dir, err := s.EpisodeDir(episodeID)
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, name)
	scratch := s.ScratchPath(final)
	if err := os.WriteFile(scratch, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", scratch, err)
	}
	sum := blake3.Sum256(data)
	if _, err := s.promote(scratch, final, hex.EncodeToString(sum[:])); err != nil {
		return "", err
	}
	return final, nil
}

// Promote hashes a fully written scratch file, renames it into place, and
// writes the digest sidecar. Hashing happens before the rename so the
// sidecar always describes the promoted bytes.
func (s *ArtifactStore) Promote(scratch, final string) (string, error) {
	digest, err := DigestFile(scratch)
	if err != nil {
		return "", err
	}
	return s.promote(scratch, final, digest)
}

func (s *ArtifactStore) promote(scratch, final, digest string) (string, error) {
	if err := os.Rename(scratch, final); err != nil {
		return "", fmt.Errorf("promote artifact %s: %w", final, err)
	}
	if err := os.WriteFile(final+digestSuffix, []byte(digest+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write digest sidecar for %s: %w", final, err)
	}
	return digest, nil
}

// DigestFile streams path through blake3 and returns the hex digest.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
