package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(New(""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Player.SeekMargin)
	assert.Equal(t, 2*time.Millisecond, cfg.Player.DeliveryInterval)
	assert.Equal(t, 5*time.Millisecond, cfg.Stage.PollInterval)
	assert.Equal(t, 30, cfg.Decoder.InputBuffers)
	assert.Equal(t, 8, cfg.Decoder.OutputBuffers)
	assert.Equal(t, 1024*4*10, cfg.Decoder.AudioFrameBytes)
	assert.Equal(t, ":8280", cfg.Server.Addr)
	assert.NotEmpty(t, cfg.Server.STUNURLs)

	opts := cfg.ElementOptions()
	assert.Equal(t, 30, opts.InputBuffers)
	assert.False(t, opts.Realtime)
	assert.Equal(t, cfg.Player.SeekMargin, cfg.PlayerOptions().SeekMargin)
}

func TestFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "player.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: debug
player:
  seek_margin: 250ms
decoder:
  output_buffers: 4
sink:
  realtime: true
`), 0o644))
	t.Setenv("NODEPLAYER_SERVER_ADDR", "127.0.0.1:9000")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Player.SeekMargin)
	assert.Equal(t, 4, cfg.Decoder.OutputBuffers)
	assert.True(t, cfg.Realtime)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, file, cfg.File)
}

func TestValidate(t *testing.T) {
	t.Setenv("NODEPLAYER_DECODER_INPUT_BUFFERS", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
