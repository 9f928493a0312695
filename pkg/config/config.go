package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from local .env files if present.
// Missing files are not an error; the process environment always wins
// for variables that are already set.
func LoadEnv(paths ...string) []string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	loaded := make([]string, 0, len(paths))
	for _, file := range paths {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// GetEnv returns the value of key, or fallback if unset or empty.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if unset or invalid.
func GetEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of key, or fallback if unset or invalid.
func GetEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns key interpreted as a number of seconds, or fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

// Config holds the full deployment configuration for the server.
type Config struct {
	HTTPAddr       string
	OutputDir      string
	FFmpegPath     string
	SegmentSeconds int
	DeleteSegments bool
	FrameRate      int
	VideoInput     string // "ivf" or "rawvideo"
	AudioInput     string // "ogg" or "s16le"
	ConnectTimeout time.Duration
	StallTimeout   time.Duration // 0 disables the stall watchdog
	STUNURLs       []string
	LogLevel       string
}

// Load assembles a Config from the environment, applying defaults.
func Load() Config {
	return Config{
		HTTPAddr:       GetEnv("HTTP_ADDR", ":3001"),
		OutputDir:      GetEnv("OUTPUT_DIR", "output"),
		FFmpegPath:     GetEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentSeconds: GetEnvInt("SEGMENT_SECONDS", 4),
		DeleteSegments: GetEnvBool("DELETE_SEGMENTS", false),
		FrameRate:      GetEnvInt("FRAME_RATE", 30),
		VideoInput:     GetEnv("VIDEO_INPUT", "ivf"),
		AudioInput:     GetEnv("AUDIO_INPUT", "ogg"),
		ConnectTimeout: GetEnvDuration("CONNECT_TIMEOUT_SECONDS", 30*time.Second),
		StallTimeout:   GetEnvDuration("STALL_TIMEOUT_SECONDS", 0),
		STUNURLs:       splitList(GetEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
		LogLevel:       GetEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c Config) Validate() error {
	if c.SegmentSeconds <= 0 {
		return fmt.Errorf("SEGMENT_SECONDS must be positive, got %d", c.SegmentSeconds)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("FRAME_RATE must be positive, got %d", c.FrameRate)
	}
	switch c.VideoInput {
	case "ivf", "rawvideo":
	default:
		return fmt.Errorf("VIDEO_INPUT must be ivf or rawvideo, got %q", c.VideoInput)
	}
	switch c.AudioInput {
	case "ogg", "s16le":
	default:
		return fmt.Errorf("AUDIO_INPUT must be ogg or s16le, got %q", c.AudioInput)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
