// Package checkpoint persists ResearchState snapshots atomically. Every
// snapshot is written through a same-directory temp file, fsynced, renamed
// into place, and paired with a SHA-256 sidecar; a reader therefore observes
// either the complete serialization or nothing.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"delver/engine/models"
)

const (
	dataSuffix    = ".json"
	sidecarSuffix = ".sha256"
	quarantineDir = "quarantine"

	// rotationFloor guarantees a valid predecessor survives a crash during
	// the most recent write, regardless of configuration.
	rotationFloor = 2
)

var checkpointNameRE = regexp.MustCompile(`^checkpoint_(\d{4,})\.json$`)

// Store manages the checkpoint files for a single run directory. It is not
// safe for concurrent writers; a run owns its directory exclusively.
type Store struct {
	dir     string
	maxKeep int
}

// NewStore creates the run's checkpoint directory if needed.
func NewStore(dir string, maxKeep int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	if maxKeep < rotationFloor {
		maxKeep = rotationFloor
	}
	return &Store{dir: dir, maxKeep: maxKeep}, nil
}

// Dir returns the managed directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) dataPath(step int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_%04d%s", step, dataSuffix))
}

func (s *Store) sidecarPath(step int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_%04d%s", step, sidecarSuffix))
}

// Write persists state as checkpoint step n. After Write returns the
// destination either holds the complete serialization or does not exist.
func (s *Store) Write(state *models.ResearchState, step int) error {
	data, err := models.MarshalState(state)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	tmp, err := os.CreateTemp(s.dir, "checkpoint_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	dest := s.dataPath(step)
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	if err := os.WriteFile(s.sidecarPath(step), []byte(digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("write checkpoint sidecar: %w", err)
	}
	return s.rotate()
}

// Load reads and verifies one checkpoint, then migrates it to the current
// schema. A hash mismatch or missing sidecar reports ErrCheckpointCorrupt.
func (s *Store) Load(step int) (*models.ResearchState, error) {
	data, err := os.ReadFile(s.dataPath(step))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %d: %w", step, err)
	}
	want, err := os.ReadFile(s.sidecarPath(step))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %d sidecar: %w", step, models.ErrCheckpointCorrupt)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != strings.TrimSpace(string(want)) {
		return nil, fmt.Errorf("checkpoint %d: %w", step, models.ErrCheckpointCorrupt)
	}
	migrated, err := Migrate(data)
	if err != nil {
		return nil, fmt.Errorf("migrate checkpoint %d: %w", step, err)
	}
	return migrated, nil
}

// Steps lists available checkpoint step numbers in ascending order.
func (s *Store) Steps() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var steps []int
	for _, ent := range entries {
		m := checkpointNameRE.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		steps = append(steps, n)
	}
	sort.Ints(steps)
	return steps, nil
}

// LoadLatest walks checkpoints newest-first and returns the first that
// verifies. Corrupt checkpoints are quarantined rather than deleted. When
// nothing verifiable remains it returns os.ErrNotExist.
func (s *Store) LoadLatest() (*models.ResearchState, int, error) {
	steps, err := s.Steps()
	if err != nil {
		return nil, 0, err
	}
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		state, err := s.Load(step)
		if err == nil {
			return state, step, nil
		}
		if qErr := s.quarantine(step); qErr != nil {
			return nil, 0, fmt.Errorf("quarantine checkpoint %d: %w", step, qErr)
		}
	}
	return nil, 0, os.ErrNotExist
}

// quarantine moves a checkpoint and its sidecar under quarantine/ so the
// bytes stay available for forensics.
func (s *Store) quarantine(step int) error {
	qdir := filepath.Join(s.dir, quarantineDir)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return err
	}
	for _, path := range []string{s.dataPath(step), s.sidecarPath(step)} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Rename(path, filepath.Join(qdir, filepath.Base(path))); err != nil {
			return err
		}
	}
	return nil
}

// rotate trims old checkpoints beyond maxKeep; the floor of two always holds.
func (s *Store) rotate() error {
	steps, err := s.Steps()
	if err != nil {
		return err
	}
	keep := s.maxKeep
	if keep < rotationFloor {
		keep = rotationFloor
	}
	if len(steps) <= keep {
		return nil
	}
	for _, step := range steps[:len(steps)-keep] {
		if err := os.Remove(s.dataPath(step)); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(s.sidecarPath(step)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
