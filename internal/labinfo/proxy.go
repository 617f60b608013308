package labinfo

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

const proxyExtension = "@jupyterlab/server-proxy"

// ProxyDetector decides whether the lab serves jupyter-server-proxy, which makes the
// compute server reachable under the lab's /proxy/<port> route.
type ProxyDetector struct {
	// Override, when set, is returned without looking at the filesystem.
	Override *bool
	// DataDirs and ConfigDirs default to the Jupyter search paths.
	DataDirs   []string
	ConfigDirs []string
}

// HasProxy reports whether the proxy lab extension is installed and not disabled.
func (d ProxyDetector) HasProxy() bool {
	if d.Override != nil {
		return *d.Override
	}
	dataDirs := d.DataDirs
	if dataDirs == nil {
		dataDirs = JupyterDataDirs()
	}
	if !extensionInstalled(dataDirs) {
		return false
	}
	configDirs := d.ConfigDirs
	if configDirs == nil {
		configDirs = JupyterConfigDirs()
	}
	return !extensionDisabled(configDirs)
}

func extensionInstalled(dataDirs []string) bool {
	for _, dir := range dataDirs {
		p := filepath.Join(dir, "labextensions", filepath.FromSlash(proxyExtension))
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

// extensionDisabled consults the first page_config.json that carries a disabledExtensions
// mapping. The file only exists once an extension has been disabled.
func extensionDisabled(configDirs []string) bool {
	for _, dir := range configDirs {
		path := filepath.Join(dir, "labconfig", "page_config.json")
		if fi, err := os.Stat(path); err != nil || fi.IsDir() {
			continue
		}
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			continue
		}
		// older labs wrote disabledExtensions as a list; skip those files
		m, ok := v.Get("disabledExtensions").(map[string]any)
		if !ok {
			continue
		}
		// viper lower-cases keys; the extension name already is
		disabled, _ := m[proxyExtension].(bool)
		return disabled
	}
	return false
}

// JupyterDataDirs lists the Jupyter data directories in search order.
func JupyterDataDirs() []string {
	var dirs []string
	dirs = append(dirs, filepath.SplitList(os.Getenv("JUPYTER_PATH"))...)
	if d := os.Getenv("JUPYTER_DATA_DIR"); d != "" {
		dirs = append(dirs, d)
	} else if home, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			dirs = append(dirs, filepath.Join(os.Getenv("APPDATA"), "jupyter"))
		case "darwin":
			dirs = append(dirs, filepath.Join(home, "Library", "Jupyter"))
		default:
			dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter"))
		}
	}
	if p := pythonPrefix(); p != "" {
		dirs = append(dirs, filepath.Join(p, "share", "jupyter"))
	}
	if runtime.GOOS == "windows" {
		return append(dirs, filepath.Join(os.Getenv("PROGRAMDATA"), "jupyter"))
	}
	return append(dirs, "/usr/local/share/jupyter", "/usr/share/jupyter")
}

// JupyterConfigDirs lists the Jupyter configuration directories in search order.
func JupyterConfigDirs() []string {
	var dirs []string
	if d := os.Getenv("JUPYTER_CONFIG_DIR"); d != "" {
		dirs = append(dirs, d)
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".jupyter"))
	}
	dirs = append(dirs, filepath.SplitList(os.Getenv("JUPYTER_CONFIG_PATH"))...)
	if p := pythonPrefix(); p != "" {
		dirs = append(dirs, filepath.Join(p, "etc", "jupyter"))
	}
	if runtime.GOOS == "windows" {
		return append(dirs, filepath.Join(os.Getenv("PROGRAMDATA"), "jupyter"))
	}
	return append(dirs, "/usr/local/etc/jupyter", "/etc/jupyter")
}

// pythonPrefix is the environment the lab runs in, if one is active.
func pythonPrefix() string {
	for _, k := range []string{"CONDA_PREFIX", "VIRTUAL_ENV"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
