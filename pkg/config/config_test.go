package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":3001", cfg.HTTPAddr)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, 4, cfg.SegmentSeconds)
	assert.False(t, cfg.DeleteSegments)
	assert.Equal(t, 30, cfg.FrameRate)
	assert.Equal(t, "ivf", cfg.VideoInput)
	assert.Equal(t, "ogg", cfg.AudioInput)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Zero(t, cfg.StallTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNURLs)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("SEGMENT_SECONDS", "6")
	t.Setenv("DELETE_SEGMENTS", "true")
	t.Setenv("VIDEO_INPUT", "rawvideo")
	t.Setenv("AUDIO_INPUT", "s16le")
	t.Setenv("CONNECT_TIMEOUT_SECONDS", "10")
	t.Setenv("STALL_TIMEOUT_SECONDS", "5")
	t.Setenv("STUN_URLS", "stun:a.example:3478, stun:b.example:3478")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 6, cfg.SegmentSeconds)
	assert.True(t, cfg.DeleteSegments)
	assert.Equal(t, "rawvideo", cfg.VideoInput)
	assert.Equal(t, "s16le", cfg.AudioInput)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.StallTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.STUNURLs)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Load()
	cfg.SegmentSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.FrameRate = -1
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.VideoInput = "h264"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.AudioInput = "mp3"
	assert.Error(t, cfg.Validate())
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("BEAMCAST_TEST_INT", "not-a-number")
	assert.Equal(t, 7, GetEnvInt("BEAMCAST_TEST_INT", 7))

	t.Setenv("BEAMCAST_TEST_BOOL", "yes-ish")
	assert.True(t, GetEnvBool("BEAMCAST_TEST_BOOL", true))

	t.Setenv("BEAMCAST_TEST_DUR", "-3")
	assert.Equal(t, 9*time.Second, GetEnvDuration("BEAMCAST_TEST_DUR", 9*time.Second))

	assert.Equal(t, "fb", GetEnv("BEAMCAST_TEST_UNSET", "fb"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BEAMCAST_TEST_FROM_FILE=hello\n"), 0o644))

	loaded := LoadEnv(envFile, filepath.Join(dir, "missing.env"))
	assert.Equal(t, []string{envFile}, loaded, "missing files are skipped silently")
	assert.Equal(t, "hello", os.Getenv("BEAMCAST_TEST_FROM_FILE"))
	t.Cleanup(func() { os.Unsetenv("BEAMCAST_TEST_FROM_FILE") })
}
