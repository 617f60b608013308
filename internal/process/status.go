package process

// Status tags reported for a launched server. The vocabulary is owned by this side;
// clients treat it as an open string and only single out StatusRunning.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// State is a snapshot of the server process as last observed.
// Values are copied on the way out and never mutated afterwards.
type State struct {
	PID      int      `json:"pid,omitempty"`
	Port     int      `json:"port,omitempty"`
	Status   string   `json:"status,omitempty"`
	Cmdline  []string `json:"cmdline,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Name     string   `json:"name,omitempty"`
	Username string   `json:"username,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

// IsRunning reports whether the snapshot describes a live server.
func (s State) IsRunning() bool { return s.Status == StatusRunning }

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	if s.Cmdline != nil {
		c.Cmdline = append([]string(nil), s.Cmdline...)
	}
	if s.ExitCode != nil {
		v := *s.ExitCode
		c.ExitCode = &v
	}
	return c
}
