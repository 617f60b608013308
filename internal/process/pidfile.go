package process

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// stateRecord is what survives a restart of the lab-side API: enough to find the
// server again by pid.
type stateRecord struct {
	PID     int      `json:"pid"`
	Port    int      `json:"port"`
	Cmdline []string `json:"cmdline,omitempty"`
	// StartedMillis guards against pid reuse; 0 disables the check.
	StartedMillis int64 `json:"started_ms,omitempty"`
}

// sameProcess reports whether info still describes the process rec was written for.
func (rec stateRecord) sameProcess(info procInfo) bool {
	if !info.Alive {
		return false
	}
	if rec.StartedMillis > 0 && info.StartedMillis > 0 {
		return rec.StartedMillis == info.StartedMillis
	}
	return true
}

// writeStateFile persists pid and port of a launched server.
func writeStateFile(path string, rec stateRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readStateFile returns the persisted record; ok is false when no file exists.
func readStateFile(path string) (rec stateRecord, ok bool, err error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return stateRecord{}, false, nil
	}
	if err != nil {
		return stateRecord{}, false, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return stateRecord{}, false, err
	}
	return rec, true, nil
}

// removeStateFile best-effort
func removeStateFile(path string) {
	_ = os.Remove(path)
}
