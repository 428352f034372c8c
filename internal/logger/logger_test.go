package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigDefaults(t *testing.T) {
	tests := []struct {
		name       string
		env        string
		wantEnv    string
		wantFormat string
		wantLevel  string
	}{
		{name: "empty env is dev", env: "", wantEnv: EnvDev, wantFormat: FormatConsole, wantLevel: "debug"},
		{name: "production", env: "Production", wantEnv: EnvProd, wantFormat: FormatJSON, wantLevel: "info"},
		{name: "staging", env: "staging", wantEnv: EnvStage, wantFormat: FormatJSON, wantLevel: "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Env: tt.env}
			cfg.setDefaults()
			assert.Equal(t, tt.wantEnv, cfg.Env)
			assert.Equal(t, tt.wantFormat, cfg.Format)
			assert.Equal(t, tt.wantLevel, cfg.Level)
			assert.Equal(t, "overlay-chat-server", cfg.Service)
		})
	}
}

func TestNew_RejectsBadSettings(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")

	log, err := New(Config{
		Service: "demo",
		Env:     EnvProd,
		Level:   "info",
		File:    path,
	})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("room created", zap.String("room", "K7M3QX"))
	_ = log.Sync()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan(), "expected one log line")

	var m map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
	assert.Equal(t, "room created", m["msg"])
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, "K7M3QX", m["room"])
	assert.Equal(t, "demo", m["service"])
	assert.Equal(t, EnvProd, m["env"])
	assert.NotEmpty(t, m["instance_id"])
	assert.Contains(t, m, "ts")

	assert.False(t, sc.Scan(), "debug line should be filtered")
}
