package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	ListenAddr string
	ServerURL  string
	DBPath     string
	StateDir   string

	ScrollbackLimit int
	InputRatePerSec float64
	InputBurst      int

	ChunkSize        int
	FrameInterval    time.Duration
	ResizeSettle     int
	ReconcileSuspend time.Duration
	MinSessionDwell  time.Duration

	ReconnectMinBackoff  time.Duration
	ReconnectMaxBackoff  time.Duration
	MaxReconnectAttempts int

	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:8673",
		ServerURL:  "ws://127.0.0.1:8673/ws",
		DBPath:     defaultDBPath(),
		StateDir:   defaultStateDir(),

		ScrollbackLimit: 2 << 20, // 2 MiB per session
		InputRatePerSec: 1000,
		InputBurst:      50,

		ChunkSize:        64 << 10,
		FrameInterval:    16 * time.Millisecond,
		ResizeSettle:     2,
		ReconcileSuspend: 500 * time.Millisecond,
		MinSessionDwell:  1 * time.Second,

		ReconnectMinBackoff:  250 * time.Millisecond,
		ReconnectMaxBackoff:  4 * time.Second,
		MaxReconnectAttempts: 0, // unbounded

		ShutdownTimeout: 5 * time.Second,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabsync"
	}
	return filepath.Join(home, ".local", "state", "tabsync")
}

func defaultDBPath() string {
	return filepath.Join(defaultStateDir(), "tabsync.db")
}
