package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"poolsync/internal/model"
)

// Checkpoint records the cursor of one stream next to its event file.
type Checkpoint struct {
	LastBlock uint64 `json:"last_block"`
	Events    int    `json:"events"`
	UpdatedAt string `json:"updated_at"`
}

// FileStore keeps each stream as <dir>/<name>.jsonl with its cursor in
// <dir>/<name>.cursor.json. Both files are replaced atomically.
type FileStore struct {
	dir string
}

var _ EventStore = (*FileStore)(nil)

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) LoadStream(_ context.Context, name string) (model.EventSet, bool, error) {
	eventsPath, cursorPath, err := s.paths(name)
	if err != nil {
		return model.EventSet{}, false, err
	}

	file, err := os.Open(eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return model.EventSet{}, false, nil
		}
		return model.EventSet{}, false, fmt.Errorf("open events: %w", err)
	}
	defer file.Close()

	records, err := readRecords(file)
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("read %s: %w", eventsPath, err)
	}

	set := model.EventSet{Events: records}
	cp, ok, err := loadCheckpoint(cursorPath)
	if err != nil {
		return model.EventSet{}, false, err
	}
	if ok {
		set = set.WithCursor(cp.LastBlock)
	}
	return set, true, nil
}

func (s *FileStore) AppendAndPersist(_ context.Context, name string, set model.EventSet) error {
	eventsPath, cursorPath, err := s.paths(name)
	if err != nil {
		return err
	}
	if err := ensureDir(eventsPath); err != nil {
		return err
	}

	tmpPath := eventsPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create events tmp: %w", err)
	}
	if err := writeRecords(file, set.Events); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close events tmp: %w", err)
	}
	if err := os.Rename(tmpPath, eventsPath); err != nil {
		return fmt.Errorf("rename events: %w", err)
	}

	if set.LastBlock == nil {
		return nil
	}
	return saveCheckpoint(cursorPath, Checkpoint{
		LastBlock: *set.LastBlock,
		Events:    len(set.Events),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *FileStore) LoadCursor(_ context.Context, name string) (uint64, bool, error) {
	_, cursorPath, err := s.paths(name)
	if err != nil {
		return 0, false, err
	}
	cp, ok, err := loadCheckpoint(cursorPath)
	if err != nil || !ok {
		return 0, false, err
	}
	return cp.LastBlock, true, nil
}

func (s *FileStore) paths(name string) (string, string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", "", fmt.Errorf("invalid stream name %q", name)
	}
	base := filepath.Join(s.dir, name)
	return base + ".jsonl", base + ".cursor.json", nil
}

func loadCheckpoint(path string) (Checkpoint, bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return Checkpoint{}, false, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp, true, nil
}

func saveCheckpoint(path string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
