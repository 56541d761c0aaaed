package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:9222", c.DevTools.URL)
	require.Equal(t, 256, c.DevTools.QueueSize)
	require.Equal(t, "debug", c.Log.Level)
	require.Equal(t, []string{"console"}, c.Log.Writer)
	require.Nil(t, c.Emulate)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
devtools:
  url: http://10.0.0.5:9222
log:
  level: info
  writer: [console, file]
  file: ./logs/run.log
emulate:
  userAgent: "Agent/2.0"
  viewport:
    width: 390
    height: 844
    mobile: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:9222", c.DevTools.URL)
	// 未覆盖的字段保持默认值
	require.Equal(t, 256, c.DevTools.QueueSize)
	require.Equal(t, "info", c.Log.Level)
	require.Equal(t, []string{"console", "file"}, c.Log.Writer)
	require.NotNil(t, c.Emulate)
	require.Equal(t, "Agent/2.0", c.Emulate.UserAgent)
	require.NotNil(t, c.Emulate.Viewport)
	require.Equal(t, 390, c.Emulate.Viewport.Width)
	require.True(t, c.Emulate.Viewport.Mobile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devtools: ["), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
