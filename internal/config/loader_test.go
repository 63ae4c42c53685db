package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zesk/ipban/internal/errors"
)

const sampleHCL = `
state_dir = "/tmp/ipban-state"
worker_time = 5

log {
  level = "warn"
}

firewall {
  type = "iptables"
}

parser "nginx" {
  file = "/var/log/nginx/{access,error}.log"
  handler = "combined"
  maximum_age = 86400
  trigger_duration = 900

  trigger "http404" {
    count = 20
    type = "http-404"
    duration = 600
  }

  trigger "probe" {
    count = 3
    type = "binary-probe"
    count_method = "types"
    severity = "warning"
  }
}
`

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ipban-state", cfg.StateDir)
	assert.Equal(t, 5, cfg.WorkerTime)
	require.Len(t, cfg.Parsers, 1)

	p := cfg.Parsers[0]
	assert.Equal(t, "nginx", p.Name)
	assert.Equal(t, "combined", p.Handler)
	require.Len(t, p.Triggers, 2)
	require.NotNil(t, p.Triggers[0].Count)
	assert.Equal(t, 20, *p.Triggers[0].Count)
	assert.Nil(t, p.Triggers[1].Duration)
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "test.hcl")
	require.NoError(t, err)
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultLoopSleep, cfg.LoopSleep)
	assert.Equal(t, DefaultTriggerInterval, cfg.TriggerInterval)
	require.NotNil(t, cfg.EventRetention)
	assert.Equal(t, DefaultEventRetention, *cfg.EventRetention)
	assert.Equal(t, "zesk-ipban", cfg.Firewall.ChainPrefix)
	assert.Equal(t, DefaultToxicURL, cfg.Toxic.URL)
	assert.True(t, cfg.ToxicEnabled())
	assert.True(t, cfg.ControlEnabled())
	assert.Equal(t, filepath.Join("/tmp/ipban-state", "ipban.fifo"), cfg.Control.Path)
	assert.Equal(t, filepath.Join("/tmp/ipban-state", "ipban.db"), cfg.DatabasePath())

	p, ok := cfg.Parser("nginx")
	require.True(t, ok)
	assert.Equal(t, DefaultUpdateFrequency, p.UpdateFileListFrequency)
	assert.Equal(t, DefaultCheckDone, p.CheckDoneFileFrequency)

	// explicit duration kept, missing one inherits trigger_duration
	assert.Equal(t, 600, *p.Triggers[0].Duration)
	assert.Equal(t, 900, *p.Triggers[1].Duration)
	assert.Equal(t, DefaultSegments, p.Triggers[0].Segments)
	assert.Equal(t, CountMethodEvents, p.Triggers[0].CountMethod)
	assert.Equal(t, "notice", p.Triggers[0].Severity)

	require.NoError(t, cfg.Validate())
}

func TestApplyDefaults_DebugForcesLevel(t *testing.T) {
	cfg := &Config{Debug: true, Log: &LogConfig{Level: "error"}}
	cfg.ApplyDefaults()
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadHCL_EnvExpansion(t *testing.T) {
	t.Setenv("IPBAN_TEST_STATE", "/srv/ipban")
	cfg, err := LoadHCL([]byte(`state_dir = "${env.IPBAN_TEST_STATE}/db"`), "env.hcl")
	require.NoError(t, err)
	assert.Equal(t, "/srv/ipban/db", cfg.StateDir)
}

func TestLoadHCL_ParseError(t *testing.T) {
	_, err := LoadHCL([]byte(`parser "x" {`), "bad.hcl")
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestLoadFile_Formats(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "ipban.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"loop_sleep": 2,
		"parsers": [{"name": "ssh", "file": "/var/log/auth.log", "handler": "sshd",
			"triggers": [{"codename": "sshfail", "count": 5, "type": "ssh-failed-password"}]}]
	}`), 0o644))

	yamlPath := filepath.Join(dir, "ipban.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
loop_sleep: 3
parsers:
  - name: ssh
    file: /var/log/auth.log
    handler: sshd
    triggers:
      - codename: sshfail
        count: 5
        type: ssh-failed-password
`), 0o644))

	for path, sleep := range map[string]int{jsonPath: 2, yamlPath: 3} {
		cfg, err := Load(path)
		require.NoError(t, err, path)
		assert.Equal(t, sleep, cfg.LoopSleep, path)
		require.Len(t, cfg.Parsers, 1, path)
		assert.Equal(t, 5, *cfg.Parsers[0].Triggers[0].Count, path)
	}
}

func TestLoadFile_UnknownExtensionFallsBackToJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipban.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{"worker_time": 9}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.WorkerTime)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}
