package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/voxmatch/internal/util"
)

type Config struct {
	Server      Server      `json:"server"`
	Calls       Calls       `json:"calls"`
	Rooms       Rooms       `json:"rooms"`
	Negotiation Negotiation `json:"negotiation"`
	Client      Client      `json:"client"`
	Storage     Storage     `json:"storage"`
	Log         Log         `json:"log"`
}

type Server struct {
	HTTPAddr         string  `json:"http_addr"`
	ReadLimit        int64   `json:"read_limit"`
	WriteWaitMs      int     `json:"write_wait_ms"`
	PongWaitSec      int     `json:"pong_wait_sec"`
	PingIntervalSec  int     `json:"ping_interval_sec"` // 0 = 9/10 of pong_wait_sec
	StaleAfterSec    int     `json:"stale_after_sec"`
	SweepIntervalSec int     `json:"sweep_interval_sec"`
	FramesPerSec     float64 `json:"frames_per_sec"`
	Burst            int     `json:"burst"`

	// Origins allowed to open a WebSocket. Empty allows any.
	AllowedOrigins []string `json:"allowed_origins"`
}

type Calls struct {
	RingTimeoutSec    int `json:"ring_timeout_sec"`
	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	ReconnectGraceSec int `json:"reconnect_grace_sec"`
}

type Rooms struct {
	MaxParticipants int `json:"max_participants"` // 0 = unlimited
}

type Negotiation struct {
	GatheringTimeoutSec int      `json:"gathering_timeout_sec"`
	ConnectTimeoutSec   int      `json:"connect_timeout_sec"`
	MaxRecreates        int      `json:"max_recreates"` // < 0 disables recreation
	ICEServers          []string `json:"ice_servers"`
}

type Client struct {
	PingIntervalSec  int `json:"ping_interval_sec"`
	PongTimeoutSec   int `json:"pong_timeout_sec"`
	ReconnectBaseMs  int `json:"reconnect_base_ms"`
	ReconnectMaxSec  int `json:"reconnect_max_sec"`
	MaxAttempts      int `json:"max_attempts"`
	RequestTimeoutMs int `json:"request_timeout_ms"`
}

type Storage struct {
	// Relative to the data directory.
	DBPath string `json:"db_path"`
}

type Log struct {
	Level string `json:"level"`
	// Per-subsystem overrides, e.g. {"signal": "debug"}.
	Subsystems map[string]string `json:"subsystems"`
	BufferSize int               `json:"buffer_size"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:         ":8080",
			ReadLimit:        64 << 10,
			WriteWaitMs:      10000,
			PongWaitSec:      60,
			StaleAfterSec:    90,
			SweepIntervalSec: 30,
			FramesPerSec:     20,
			Burst:            40,
		},
		Calls: Calls{
			RingTimeoutSec:    45,
			ConnectTimeoutSec: 60,
			ReconnectGraceSec: 15,
		},
		Rooms: Rooms{
			MaxParticipants: 2,
		},
		Negotiation: Negotiation{
			GatheringTimeoutSec: 5,
			ConnectTimeoutSec:   30,
			MaxRecreates:        1,
			ICEServers:          []string{"stun:stun.l.google.com:19302"},
		},
		Client: Client{
			PingIntervalSec:  20,
			PongTimeoutSec:   25,
			ReconnectBaseMs:  1000,
			ReconnectMaxSec:  30,
			MaxAttempts:      8,
			RequestTimeoutMs: 10000,
		},
		Storage: Storage{
			DBPath: "data/voxmatch.db",
		},
		Log: Log{
			Level:      "info",
			BufferSize: 500,
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
		return fmt.Errorf("server.http_addr: %w", err)
	}
	if c.Server.ReadLimit < 1024 {
		return errors.New("server.read_limit must be >= 1024")
	}
	if c.Server.WriteWaitMs <= 0 {
		return errors.New("server.write_wait_ms must be > 0")
	}
	if c.Server.PongWaitSec <= 0 {
		return errors.New("server.pong_wait_sec must be > 0")
	}
	if c.Server.PingIntervalSec < 0 || (c.Server.PingIntervalSec > 0 && c.Server.PingIntervalSec >= c.Server.PongWaitSec) {
		return errors.New("server.ping_interval_sec must be < server.pong_wait_sec")
	}
	if c.Server.StaleAfterSec < c.Server.PongWaitSec {
		return errors.New("server.stale_after_sec must be >= server.pong_wait_sec")
	}
	if c.Server.SweepIntervalSec <= 0 {
		return errors.New("server.sweep_interval_sec must be > 0")
	}
	if c.Server.FramesPerSec <= 0 || c.Server.Burst <= 0 {
		return errors.New("server.frames_per_sec and server.burst must be > 0")
	}

	// Calls
	if c.Calls.RingTimeoutSec <= 0 {
		return errors.New("calls.ring_timeout_sec must be > 0")
	}
	if c.Calls.ConnectTimeoutSec <= 0 {
		return errors.New("calls.connect_timeout_sec must be > 0")
	}
	if c.Calls.ReconnectGraceSec <= 0 {
		return errors.New("calls.reconnect_grace_sec must be > 0")
	}

	// Rooms
	if c.Rooms.MaxParticipants < 0 {
		return errors.New("rooms.max_participants must be >= 0")
	}

	// Negotiation
	if c.Negotiation.GatheringTimeoutSec <= 0 {
		return errors.New("negotiation.gathering_timeout_sec must be > 0")
	}
	if c.Negotiation.ConnectTimeoutSec <= 0 {
		return errors.New("negotiation.connect_timeout_sec must be > 0")
	}
	for _, s := range c.Negotiation.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("negotiation.ice_servers: %q is not a stun/turn url", s)
		}
	}

	// Client
	if c.Client.PingIntervalSec <= 0 || c.Client.PongTimeoutSec <= 0 {
		return errors.New("client.ping_interval_sec and client.pong_timeout_sec must be > 0")
	}
	if c.Client.ReconnectBaseMs <= 0 {
		return errors.New("client.reconnect_base_ms must be > 0")
	}
	if time.Duration(c.Client.ReconnectBaseMs)*time.Millisecond > time.Duration(c.Client.ReconnectMaxSec)*time.Second {
		return errors.New("client.reconnect_base_ms must not exceed client.reconnect_max_sec")
	}
	if c.Client.MaxAttempts <= 0 {
		return errors.New("client.max_attempts must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}
	return nil
}

// ApplyLogLevels sets the global level, then the per-subsystem overrides.
func (l Log) ApplyLogLevels() error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	for name, s := range l.Subsystems {
		if err := logging.SetLogLevel(name, s); err != nil {
			return fmt.Errorf("subsystem %s: %w", name, err)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(stripBOM(b), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
