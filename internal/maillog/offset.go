package maillog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// offsetState is persisted between runs. Emitted maps queue ids that were
// reported but whose lines may still lie past Offset to the end of their
// last line, so a rescan does not report them again.
type offsetState struct {
	Offset  int64            `json:"offset"`
	Emitted map[string]int64 `json:"emitted,omitempty"`
}

func loadOffset(path string) (offsetState, error) {
	state := offsetState{Emitted: map[string]int64{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to read offset file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return offsetState{Emitted: map[string]int64{}}, fmt.Errorf("failed to decode offset file %s: %w", path, err)
	}
	if state.Emitted == nil {
		state.Emitted = map[string]int64{}
	}
	return state, nil
}

// saveOffset replaces the offset file atomically.
func saveOffset(path string, state offsetState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create offset file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write offset file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync offset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close offset file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace offset file: %w", err)
	}
	return nil
}
