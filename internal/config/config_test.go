package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"server.http_addr":        func(c *Config) { c.Server.HTTPAddr = "nope" },
		"server.ping_interval":    func(c *Config) { c.Server.PingIntervalSec = 60 },
		"server.stale_after_sec":  func(c *Config) { c.Server.StaleAfterSec = 10 },
		"calls.ring_timeout_sec":  func(c *Config) { c.Calls.RingTimeoutSec = 0 },
		"rooms.max_participants":  func(c *Config) { c.Rooms.MaxParticipants = -1 },
		"negotiation.ice_servers": func(c *Config) { c.Negotiation.ICEServers = []string{"http://x"} },
		"client.reconnect_base":   func(c *Config) { c.Client.ReconnectBaseMs = 60000 },
		"storage.db_path":         func(c *Config) { c.Storage.DBPath = " " },
		"log.level":               func(c *Config) { c.Log.Level = "loud" },
		"log.subsystems":          func(c *Config) { c.Log.Subsystems = map[string]string{"signal": "loud"} },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: invalid config accepted", name)
		}
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "voxmatch.json")
	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	if cfg.Server.HTTPAddr != Default().Server.HTTPAddr {
		t.Fatalf("cfg = %+v", cfg.Server)
	}

	cfg.Rooms.MaxParticipants = 4
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}
	if again.Rooms.MaxParticipants != 4 {
		t.Fatalf("max participants = %d, want 4", again.Rooms.MaxParticipants)
	}
}

func TestLoadFillsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	data := "\xEF\xBB\xBF" + `{"rooms":{"max_participants":8}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rooms.MaxParticipants != 8 || cfg.Calls.RingTimeoutSec != 45 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestWatchReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { got <- c }) }()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"log":{"level":"loud"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c.Log)
	case <-time.After(500 * time.Millisecond):
	}

	cfg := Default()
	cfg.Log.Level = "debug"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if !strings.EqualFold(c.Log.Level, "debug") {
			t.Fatalf("reloaded level = %q", c.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
