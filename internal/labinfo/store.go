package labinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the store's file inside the data directory.
const FileName = "lab-info.json"

var (
	ErrNotFound = errors.New("lab info not found")
	ErrInvalid  = errors.New("missing or invalid lab info in request body")
)

// LabInfo is what the lab reports about itself.
type LabInfo struct {
	LabURL   string `json:"lab_url"`
	HasProxy bool   `json:"has_proxy"`
}

// Store keeps the lab info in a JSON file.
type Store struct {
	path     string
	detector interface{ HasProxy() bool }

	mu sync.Mutex
}

// NewStore stores under dataDir; detector supplies has_proxy on every Put.
func NewStore(dataDir string, detector interface{ HasProxy() bool }) *Store {
	if detector == nil {
		detector = ProxyDetector{}
	}
	return &Store{path: filepath.Join(dataDir, FileName), detector: detector}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) Get() (LabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(filepath.Clean(s.path))
	if errors.Is(err, fs.ErrNotExist) {
		return LabInfo{}, ErrNotFound
	}
	if err != nil {
		return LabInfo{}, err
	}
	var li LabInfo
	if err := json.Unmarshal(b, &li); err != nil {
		return LabInfo{}, fmt.Errorf("corrupt %s: %w", s.path, err)
	}
	return li, nil
}

// Put validates a request body, sets has_proxy by detection and stores the result.
// Any client-supplied has_proxy is ignored.
func (s *Store) Put(body []byte) (LabInfo, error) {
	li, err := Parse(body)
	if err != nil {
		return LabInfo{}, err
	}
	li.HasProxy = s.detector.HasProxy()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return LabInfo{}, err
	}
	b, err := json.Marshal(li)
	if err != nil {
		return LabInfo{}, err
	}
	// readers never see a half-written file
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return LabInfo{}, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return LabInfo{}, err
	}
	return li, nil
}

func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Parse accepts a JSON object whose lab_url is a non-empty string.
func Parse(body []byte) (LabInfo, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return LabInfo{}, ErrInvalid
	}
	u, ok := raw["lab_url"].(string)
	if !ok || u == "" {
		return LabInfo{}, ErrInvalid
	}
	return LabInfo{LabURL: u}, nil
}
