package client

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// PluginPathsEnv is the name of the environment variable with the ":" separated list of directories where
// device plugins are searched.
const PluginPathsEnv = "XRT_PLUGIN_LIBRARY_PATH"

// DefaultPluginPath is searched when PluginPathsEnv is not set.
const DefaultPluginPath = "/usr/local/lib/xrt/plugins"

var (
	muPlugins         sync.Mutex
	registeredPlugins = make(map[string]string)

	rePluginName = []*regexp.Regexp{
		regexp.MustCompile(`^pjrt_c_api_(\w+)_plugin\.(so|dylib)$`),
		regexp.MustCompile(`^pjrt[-_]plugin[-_](\w+)\.(so|dylib)$`),
	}
	pluginPatterns = []string{
		"pjrt_c_api_*_plugin.so", "pjrt-plugin-*.so", "pjrt_plugin_*.so",
		"pjrt_c_api_*_plugin.dylib", "pjrt-plugin-*.dylib", "pjrt_plugin_*.dylib",
	}
)

// RegisterPlugin associates the device type (e.g. "TPU" or "cuda") with the library implementing it.
// Names are case-insensitive, and a later registration replaces an earlier one.
func RegisterPlugin(deviceType, libraryPath string) error {
	if deviceType == "" {
		return errorf(ErrInvalidArgument, "RegisterPlugin: empty device type")
	}
	if libraryPath == "" {
		return errorf(ErrInvalidArgument, "RegisterPlugin(%q): empty library path", deviceType)
	}
	muPlugins.Lock()
	defer muPlugins.Unlock()
	key := strings.ToLower(deviceType)
	if previous, found := registeredPlugins[key]; found && previous != libraryPath {
		klog.Warningf("client: plugin for %q replaced: %q -> %q", deviceType, previous, libraryPath)
	}
	registeredPlugins[key] = libraryPath
	return nil
}

// GetPluginPath returns the library for the device type: the one registered with RegisterPlugin, or else the
// first one found in the plugin search paths (see PluginPathsEnv).
func GetPluginPath(deviceType string) (string, bool) {
	key := strings.ToLower(deviceType)
	muPlugins.Lock()
	libraryPath, found := registeredPlugins[key]
	muPlugins.Unlock()
	if found {
		return libraryPath, true
	}
	libraryPath, found = searchPlugins(key)[key]
	return libraryPath, found
}

// GetDevicePluginPath returns the plugin library for the type of the device, see GetPluginPath.
func GetDevicePluginPath(device string) (string, bool) {
	return GetPluginPath(deviceType(device))
}

// AvailablePlugins returns the plugins registered and found in the plugin search paths, from their name to
// their library path. Registered plugins take precedence, and then the order of the search paths.
func AvailablePlugins() map[string]string {
	plugins := searchPlugins("")
	muPlugins.Lock()
	defer muPlugins.Unlock()
	for name, libraryPath := range registeredPlugins {
		plugins[name] = libraryPath
	}
	return plugins
}

// pluginSearchPaths returns the directories listed in PluginPathsEnv, or the default path.
func pluginSearchPaths() []string {
	paths, found := os.LookupEnv(PluginPathsEnv)
	if !found {
		return []string{DefaultPluginPath}
	}
	return slices.DeleteFunc(strings.Split(paths, ":"), func(p string) bool {
		return p == ""
	})
}

// pluginName returns the name of the plugin if the file name matches a plugin library, otherwise "".
func pluginName(fileName string) string {
	for _, re := range rePluginName {
		if subMatches := re.FindStringSubmatch(fileName); subMatches != nil {
			return strings.ToLower(subMatches[1])
		}
	}
	return ""
}

func searchPlugins(searchName string) map[string]string {
	plugins := make(map[string]string)
	for _, dir := range pluginSearchPaths() {
		for _, pattern := range pluginPatterns {
			candidates, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				continue
			}
			for _, candidate := range candidates {
				name := pluginName(filepath.Base(candidate))
				if name == "" || (searchName != "" && searchName != name) {
					continue
				}
				if _, found := plugins[name]; found {
					continue
				}
				plugins[name] = candidate
			}
		}
	}
	return plugins
}
