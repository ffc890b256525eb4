package client

import (
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetPlugins restores the registered plugins at the end of the test.
func resetPlugins(t *testing.T) {
	muPlugins.Lock()
	saved := maps.Clone(registeredPlugins)
	muPlugins.Unlock()
	t.Cleanup(func() {
		muPlugins.Lock()
		registeredPlugins = saved
		muPlugins.Unlock()
	})
}

func touch(t *testing.T, path string) string {
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

func TestPluginName(t *testing.T) {
	for fileName, want := range map[string]string{
		"pjrt_c_api_tpu_plugin.so":     "tpu",
		"pjrt_c_api_CPU_plugin.dylib":  "cpu",
		"pjrt-plugin-cuda.so":          "cuda",
		"pjrt_plugin_rocm.dylib":       "rocm",
		"libpjrt_c_api_tpu_plugin.so":  "",
		"pjrt_c_api_tpu_plugin.so.bak": "",
		"something_else.so":            "",
	} {
		assert.Equal(t, want, pluginName(fileName), "file %q", fileName)
	}
}

func TestPlugins(t *testing.T) {
	resetPlugins(t)
	dir1, dir2 := t.TempDir(), t.TempDir()
	t.Setenv(PluginPathsEnv, dir1+"::"+dir2)
	assert.Equal(t, []string{dir1, dir2}, pluginSearchPaths())

	tpu := touch(t, filepath.Join(dir1, "pjrt_c_api_tpu_plugin.so"))
	cuda := touch(t, filepath.Join(dir2, "pjrt-plugin-cuda.so"))
	_ = touch(t, filepath.Join(dir2, "pjrt_c_api_tpu_plugin.so"))
	_ = touch(t, filepath.Join(dir2, "README.md"))

	got, found := GetPluginPath("TPU")
	require.True(t, found)
	assert.Equal(t, tpu, got, "earlier search paths take precedence")
	got, found = GetDevicePluginPath("TPU:3")
	require.True(t, found)
	assert.Equal(t, tpu, got)
	_, found = GetPluginPath("rocm")
	assert.False(t, found)
	assert.Equal(t, map[string]string{"tpu": tpu, "cuda": cuda}, AvailablePlugins())

	require.NoError(t, RegisterPlugin("ROCm", "/opt/rocm/lib/pjrt-plugin-rocm.so"))
	require.NoError(t, RegisterPlugin("Tpu", "/opt/libtpu.so"))
	got, found = GetDevicePluginPath("TPU:0")
	require.True(t, found)
	assert.Equal(t, "/opt/libtpu.so", got, "registered plugins take precedence")
	got, _ = GetPluginPath("rocm")
	assert.Equal(t, "/opt/rocm/lib/pjrt-plugin-rocm.so", got)
	plugins := AvailablePlugins()
	assert.Len(t, plugins, 3)
	assert.Equal(t, cuda, plugins["cuda"])

	assert.ErrorIs(t, RegisterPlugin("", "/x.so"), ErrInvalidArgument)
	assert.ErrorIs(t, RegisterPlugin("gpu", ""), ErrInvalidArgument)
}
