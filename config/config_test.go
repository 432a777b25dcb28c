package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[engine]
max_in_flight = 8
interval = "250ms"
db = "run.db"

[resources.zeta]
type = "shell"
max_jobs = 2

[resources.alpha]
type = "ssh"
host = "render01"
user = "render"
key_file = "~/.ssh/id_ed25519"
enabled = false

[resources.farm]
type = "worker"
addr = "farm:8283"
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Engine.MaxInFlight)
	assert.Equal(t, "run.db", cfg.Engine.DB)
	assert.Equal(t, 250*time.Millisecond, cfg.IntervalDuration())

	names := make([]string, 0)
	for _, r := range cfg.Resources {
		names = append(names, r.Name)
	}
	// resources keep the order of the file.
	assert.Equal(t, []string{"zeta", "alpha", "farm"}, names)
	assert.Equal(t, 2, cfg.Resources[0].MaxJobs)
	assert.True(t, cfg.Resources[0].IsEnabled())
	assert.False(t, cfg.Resources[1].IsEnabled())
	assert.Equal(t, "farm:8283", cfg.Resources[2].Addr)
}

func TestParseDefaultResources(t *testing.T) {
	cfg, err := Parse([]byte("[engine]\nmax_submitted = 1\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)
	assert.Equal(t, "local", cfg.Resources[0].Name)
	assert.Equal(t, time.Second, cfg.IntervalDuration())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		label string
		toml  string
	}{
		{label: "unknown type", toml: "[resources.a]\ntype = \"cloud\"\n"},
		{label: "ssh without host", toml: "[resources.a]\ntype = \"ssh\"\nuser = \"u\"\n"},
		{label: "worker without addr", toml: "[resources.a]\ntype = \"worker\"\n"},
		{label: "negative jobs", toml: "[resources.a]\ntype = \"shell\"\nmax_jobs = -1\n"},
		{label: "log level", toml: "[engine]\nlog_level = \"loud\"\n"},
		{label: "interval", toml: "[engine]\ninterval = \"soon\"\n"},
	}
	for _, c := range cases {
		cfg, err := Parse([]byte(c.toml))
		require.NoError(t, err, c.label)
		require.Error(t, cfg.Validate(), c.label)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	env := map[string]string{
		"COFLOW_MAX_IN_FLIGHT": "3",
		"COFLOW_DB":            "other.db",
		"COFLOW_LOG_LEVEL":     "debug",
		"COFLOW_RESOURCES":     "alpha, farm",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 3, cfg.Engine.MaxInFlight)
	assert.Equal(t, "other.db", cfg.Engine.DB)
	assert.Equal(t, "debug", cfg.Engine.LogLevel)
	assert.False(t, cfg.Resources[0].IsEnabled())
	assert.True(t, cfg.Resources[1].IsEnabled())
	assert.True(t, cfg.Resources[2].IsEnabled())

	env["COFLOW_MAX_SUBMITTED"] = "many"
	require.Error(t, cfg.ApplyEnv(lookup))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("COFLOW_INTERVAL=2s\n"), 0644))
	t.Setenv("COFLOW_INTERVAL", "")
	os.Unsetenv("COFLOW_INTERVAL")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.IntervalDuration())

	_, err = Load(filepath.Join(dir, "missing.toml"), envFile)
	require.Error(t, err)
}

func TestNewCore(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	cfg.Resources[0].Spool = t.TempDir()
	cfg.Engine.CallTimeout = "5s"
	core, err := cfg.NewCore()
	require.NoError(t, err)
	defer core.Close()
	assert.Len(t, core.Backends(), 3)
	assert.Equal(t, 5*time.Second, core.CallTimeout)
	b, ok := core.Backend("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", b.Name())

	_, err = NewBackend(Resource{Name: "x", Type: "cloud"})
	require.Error(t, err)
}
