package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenholt/chatwire/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	c := NewC(l)
	err := c.Load(dir)
	assert.EqualError(t, err, "no config files found at "+dir)

	// lexical merge order, later files win on scalar conflicts
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("outer:\n  inner: hi\nlisten:\n  port: 4473"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("outer:\n  inner: override"), 0o644))

	c = NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "override", c.GetString("outer.inner", ""))
	assert.Equal(t, 4473, c.GetInt("listen.port", 0))
}

func TestConfig_LoadString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	assert.Error(t, c.LoadString(""))

	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.Equal(t, "hi", c.GetString("outer.inner", ""))
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["access"] = map[string]any{"bans": "hi"}
	assert.Equal(t, "hi", c.Get("access.bans"))
	assert.Nil(t, c.Get("access.nope"))
	assert.True(t, c.IsSet("access.bans"))
	assert.False(t, c.IsSet("access.nope"))
}

func TestConfig_GetStringSlice(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["slice"] = []any{"one", "two"}
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("slice", []string{}))
	assert.Equal(t, []string{"d"}, c.GetStringSlice("missing", []string{"d"}))
}

func TestConfig_GetInt(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["number"] = 7
	assert.Equal(t, 7, c.GetInt("number", 1))

	c.Settings["number"] = "9"
	assert.Equal(t, 9, c.GetInt("number", 1))

	c.Settings["number"] = "nope"
	assert.Equal(t, 1, c.GetInt("number", 1))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	for raw, want := range map[string]bool{"true": true, "false": false, "Y": true, "yEs": true, "N": false, "nO": false} {
		c.Settings["bool"] = raw
		assert.Equal(t, want, c.GetBool("bool", !want), "raw %q", raw)
	}

	c.Settings["bool"] = "garbage"
	assert.True(t, c.GetBool("bool", true))
}

func TestConfig_GetDuration(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["interval"] = "1m"
	assert.Equal(t, time.Minute, c.GetDuration("interval", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("missing", time.Second))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()

	// no reload has occurred
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("outer:\n  inner: hi"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.True(t, c.InitialLoad())

	fired := false
	c.RegisterReloadCallback(func(rc *C) {
		fired = true
		assert.True(t, rc.HasChanged("outer.inner"))
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("outer:\n  inner: bye"), 0o644))
	c.ReloadConfig()

	assert.True(t, fired)
	assert.False(t, c.InitialLoad())
	assert.Equal(t, "bye", c.GetString("outer.inner", ""))
}

func TestConfig_ReloadKeepsOldSettingsOnParseError(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outer:\n  inner: hi"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))

	fired := false
	c.RegisterReloadCallback(func(*C) { fired = true })

	require.NoError(t, os.WriteFile(path, []byte("\t: not yaml"), 0o644))
	c.ReloadConfig()

	assert.False(t, fired)
	assert.Equal(t, "hi", c.GetString("outer.inner", ""))
}
