package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/xcubelab/internal/lifecycle"
	"github.com/loykin/xcubelab/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "xcubelab.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8888/", c.Client.LabURL)
	assert.Equal(t, "xcube", c.Client.APIPath)
	assert.Equal(t, lifecycle.DefaultBudget, c.Client.Budget)
	assert.Equal(t, lifecycle.DefaultMaxAttempts, c.Client.MaxAttempts)
	assert.Nil(t, c.Client.HasProxy)

	assert.Equal(t, "/xcube", c.Server.BasePath)
	assert.Equal(t, DefaultDataDir(), c.Server.DataDir)
	assert.Equal(t, c.Server.DataDir, c.Process.DataDir)
	assert.False(t, c.Server.Auth.Enabled())

	assert.Equal(t, process.DefaultPort, c.Process.Port)
	assert.Equal(t, process.DefaultStopWait, c.Process.StopWait)
	assert.Empty(t, c.History.DSNs)
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeTOML(t, `
[client]
lab_url = "https://hub.example.com/user/jo/"
token = "abc"
poll_budget = "3s"
max_attempts = 6
has_proxy = true

[server]
listen = "127.0.0.1:9999"
base_path = "api"
data_dir = "`+filepath.ToSlash(dir)+`"
  [server.auth]
  token = "s3cret"

[process]
command = ["xcube", "serve", "--port", "{port}"]
port = 9192
stop_wait = "1s"
env = ["A=1"]

[log.slog]
level = "debug"
format = "json"

[metrics]
enabled = true
  [metrics.resources]
  enabled = true
  interval = "2s"

[history]
dsns = ["sqlite:///tmp/h.db"]
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "https://hub.example.com/user/jo/", c.Client.LabURL)
	assert.Equal(t, 3*time.Second, c.Client.Budget)
	assert.Equal(t, 6, c.Client.MaxAttempts)
	require.NotNil(t, c.Client.HasProxy)
	assert.True(t, *c.Client.HasProxy)

	assert.Equal(t, "127.0.0.1:9999", c.Server.Listen)
	assert.Equal(t, "api", c.Server.BasePath)
	assert.True(t, c.Server.Auth.Enabled())

	assert.Equal(t, []string{"xcube", "serve", "--port", "{port}"}, c.Process.Command)
	assert.Equal(t, 9192, c.Process.Port)
	assert.Equal(t, time.Second, c.Process.StopWait)
	assert.Equal(t, filepath.ToSlash(dir), c.Process.DataDir)

	assert.Equal(t, "debug", c.Log.Slog.Level)
	assert.True(t, c.Metrics.Enabled)
	assert.True(t, c.Metrics.Resources.Enabled)
	assert.Equal(t, 2*time.Second, c.Metrics.Resources.Interval)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, c.History.DSNs)

	spec, err := c.ProcessSpec()
	require.NoError(t, err)
	assert.Equal(t, []string{"xcube", "serve", "--port", "9192"}, spec.Argv())
	assert.Equal(t, []string{"A=1"}, spec.Env)
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeTOML(t, `
[client]
token = "from-file"
`)
	t.Setenv("XCUBELAB_CLIENT_TOKEN", "from-env")
	t.Setenv("XCUBELAB_SERVER_HAS_PROXY", "false")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Client.Token)
	require.NotNil(t, c.Server.HasProxy)
	assert.False(t, *c.Server.HasProxy)
	assert.False(t, c.Server.ProxyDetector().HasProxy())
}

func TestServerTLSSection(t *testing.T) {
	c, err := Load(writeTOML(t, `
[server.tls]
enabled = true
dir = "/etc/xcubelab/tls"
auto_generate = true
min_version = "1.3"
dns_names = ["lab.example.org"]
`))
	require.NoError(t, err)
	assert.True(t, c.Server.TLS.Enabled)
	assert.Equal(t, "/etc/xcubelab/tls", c.Server.TLS.Dir)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, []string{"lab.example.org"}, c.Server.TLS.DNSNames)

	_, err = Load(writeTOML(t, "[server.tls]\nenabled = true\n"))
	assert.ErrorContains(t, err, "server.tls")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[client\n"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[client]\nmax_attempts = -1\n"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[process]\nport = 70000\n"))
	assert.Error(t, err)
}

func TestProcessEnvMerge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("FILE_ONLY=fv\n#comment\nSHARED=file\n"), 0o644))
	t.Setenv("OS_ONLY", "osv")

	c, err := Load(writeTOML(t, `
[process]
use_os_env = true
env_files = ["`+filepath.ToSlash(dotenv)+`"]
env = ["SHARED=top"]
`))
	require.NoError(t, err)
	spec, err := c.ProcessSpec()
	require.NoError(t, err)

	m := map[string]string{}
	for _, kv := range spec.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "osv", m["OS_ONLY"])
	assert.Equal(t, "fv", m["FILE_ONLY"])
	assert.Equal(t, "top", m["SHARED"])
}

func TestProcessEnvExcludesOSUnlessRequested(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), "a.env")
	require.NoError(t, os.WriteFile(dotenv, []byte("FOO=1\n"), 0o644))
	t.Setenv("LAB_TEST_SECRET", "leak")

	count := func(useOS bool) (foo, secret int) {
		c, err := Load(writeTOML(t, fmt.Sprintf("[process]\nuse_os_env = %v\nenv_files = [%q]\n", useOS, filepath.ToSlash(dotenv))))
		require.NoError(t, err)
		spec, err := c.ProcessSpec()
		require.NoError(t, err)
		for _, kv := range spec.BuildCommand().Env {
			switch {
			case kv == "FOO=1":
				foo++
			case strings.HasPrefix(kv, "LAB_TEST_SECRET="):
				secret++
			}
		}
		return foo, secret
	}

	foo, secret := count(false)
	assert.Equal(t, 1, foo)
	assert.Zero(t, secret, "OS env must not reach the server")

	foo, secret = count(true)
	assert.Equal(t, 1, foo)
	assert.Equal(t, 1, secret, "OS env appears once")
}

func TestProcessEnvMissingFile(t *testing.T) {
	c, err := Load(writeTOML(t, "[process]\nenv_files = [\"/definitely/not/exist.env\"]\n"))
	require.NoError(t, err)
	_, err = c.ProcessSpec()
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("B=two\n#c\nA=1\nexport C=\"quoted value\"\n"), 0o644))
	pairs, err := LoadEnvFile(dotenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "C=quoted value"}, pairs)

	_, err = LoadEnvFile("/definitely/not/exist.env")
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	cc := ClientConfig{LabURL: "http://lab/", Token: "t", Timeout: time.Second}
	opts := cc.ClientOptions()
	assert.Equal(t, "http://lab/", opts.BaseURL)
	assert.Equal(t, "t", opts.Token)
	assert.Nil(t, opts.TLS)

	cc.CACert = "/etc/ca.pem"
	assert.Equal(t, "/etc/ca.pem", cc.ClientOptions().TLS.CACert)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".xcube"), expandHome("~/.xcube"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}
