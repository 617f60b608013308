package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/xcubelab/internal/logger"
)

// Placeholders substituted in Spec.Command.
const (
	PlaceholderPort    = "{port}"
	PlaceholderConfig  = "{config}"
	PlaceholderLogFile = "{logfile}"
)

// Defaults taken from the lab extension this tool pairs with.
const (
	DefaultName       = "xcube-server"
	DefaultPort       = 8092
	DefaultConfigFile = "xcube-server.yaml"
	DefaultStateFile  = "server-info.json"
	DefaultLogFile    = "server-log.txt"
	DefaultStopWait   = 3 * time.Second
)

// DefaultCommand is the argv template used when Spec.Command is empty.
func DefaultCommand() []string {
	return []string{
		"xcube",
		"--logfile", PlaceholderLogFile,
		"--loglevel", "DETAIL",
		"serve",
		"-v",
		"--port", PlaceholderPort,
		"--config", PlaceholderConfig,
	}
}

// Spec describes how to launch the server.
type Spec struct {
	Name       string            `json:"name" mapstructure:"name"`
	Command    []string          `json:"command" mapstructure:"command"`         // argv template; see Placeholder*
	Port       int               `json:"port" mapstructure:"port"`               // port passed to the server
	ConfigFile string            `json:"config_file" mapstructure:"config_file"` // written with defaults if missing
	LogFile    string            `json:"log_file" mapstructure:"log_file"`       // server's own log file
	WorkDir    string            `json:"work_dir" mapstructure:"work_dir"`
	Env        []string          `json:"env" mapstructure:"env"` // complete child env; empty inherits the parent's
	DataDir    string            `json:"data_dir" mapstructure:"data_dir"` // holds the state file
	StopWait   time.Duration     `json:"stop_wait" mapstructure:"stop_wait"`
	Log        logger.FileConfig `json:"log" mapstructure:"log"` // stdout/stderr capture
}

// WithDefaults fills empty fields.
func (s Spec) WithDefaults() Spec {
	if s.Name == "" {
		s.Name = DefaultName
	}
	if len(s.Command) == 0 {
		s.Command = DefaultCommand()
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ConfigFile == "" {
		s.ConfigFile = DefaultConfigFile
	}
	if s.LogFile == "" && s.DataDir != "" {
		s.LogFile = filepath.Join(s.DataDir, DefaultLogFile)
	}
	if s.StopWait <= 0 {
		s.StopWait = DefaultStopWait
	}
	return s
}

// Validate checks the fields needed to launch.
func (s Spec) Validate() error {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return errors.New("server command is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid server port %d", s.Port)
	}
	if s.DataDir == "" {
		return errors.New("data_dir is required")
	}
	return nil
}

// Argv returns Command with placeholders substituted.
func (s Spec) Argv() []string {
	r := strings.NewReplacer(
		PlaceholderPort, strconv.Itoa(s.Port),
		PlaceholderConfig, s.ConfigFile,
		PlaceholderLogFile, s.LogFile,
	)
	out := make([]string, len(s.Command))
	for i, a := range s.Command {
		out[i] = r.Replace(a)
	}
	return out
}

// BuildCommand constructs the *exec.Cmd for the server.
func (s Spec) BuildCommand() *exec.Cmd {
	argv := s.Argv()
	// #nosec G204 -- argv comes from operator configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	// a configured env is the whole environment; only an empty one inherits ours
	if len(s.Env) > 0 {
		cmd.Env = append([]string(nil), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}

// StateFile is where the pid and port of a launched server are persisted.
func (s Spec) StateFile() string {
	return filepath.Join(s.DataDir, DefaultStateFile)
}

// ConfigPath resolves ConfigFile against WorkDir.
func (s Spec) ConfigPath() string {
	if filepath.IsAbs(s.ConfigFile) || s.WorkDir == "" {
		return s.ConfigFile
	}
	return filepath.Join(s.WorkDir, s.ConfigFile)
}
