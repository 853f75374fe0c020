package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var envKeys = []string{
	"DOMAIN", "SIGNALING_URL", "SHARE_ORIGIN", "STUN_SERVER", "TURN_SERVER",
	"TURN_USERNAME", "TURN_PASSWORD", "FORCE_RELAY", "TRICKLE", "PREWARM",
	"ERROR_POLICY", "MAX_RECONNECTS", "RECONNECT_DELAY", "FLUSH_INTERVAL",
	"LIVENESS_PROBE", "RELAY_LISTEN", "RELAY_RATE", "RELAY_BURST",
}

// isolate clears the environment and points the config file at path.
func isolate(t *testing.T, yaml string) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if yaml != "" {
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PEER_MEET_CONFIG", path)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t, "")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SignalingURL != "wss://"+DefaultDomain+"/ws" || cfg.ShareOrigin != "https://"+DefaultDomain {
		t.Errorf("unexpected URLs %q %q", cfg.SignalingURL, cfg.ShareOrigin)
	}
	if !cfg.Trickle || !cfg.Prewarm || cfg.ErrorPolicy != "teardown" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.FlushInterval != time.Second || cfg.MaxReconnects != 3 {
		t.Errorf("unexpected timing defaults %+v", cfg)
	}
}

func TestLoadPriority(t *testing.T) {
	isolate(t, `
domain: file.example.org
error_policy: reconnect
max_reconnects: 5
flush_interval: 250ms
trickle: false
liveness_probe: 10s
`)
	t.Setenv("MAX_RECONNECTS", "7")
	t.Setenv("STUN_SERVER", "stun:env.example.org")

	two := 2
	cfg, err := Load(Options{STUNServer: "stun:flag.example.org", MaxReconnects: &two})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.SignalingURL != "wss://file.example.org/ws" {
		t.Errorf("file domain ignored: %q", cfg.SignalingURL)
	}
	if cfg.ErrorPolicy != "reconnect" || cfg.FlushInterval != 250*time.Millisecond || cfg.Trickle {
		t.Errorf("file values ignored: %+v", cfg)
	}
	if cfg.LivenessProbe != 10*time.Second {
		t.Errorf("liveness probe = %v", cfg.LivenessProbe)
	}
	if cfg.STUNServer != "stun:flag.example.org" {
		t.Errorf("flag should beat env, got %q", cfg.STUNServer)
	}
	if cfg.MaxReconnects != 2 {
		t.Errorf("flag should beat env and file, got %d", cfg.MaxReconnects)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	isolate(t, "prewarm: true\nrelay_rate: 5\n")
	t.Setenv("PREWARM", "false")
	t.Setenv("RELAY_RATE", "9.5")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Prewarm || cfg.RelayRate != 9.5 {
		t.Errorf("env not applied over file: %+v", cfg)
	}
}

func TestFileCanDisableTURN(t *testing.T) {
	isolate(t, "turn_server: \"\"\n")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GetTURNServers() != nil {
		t.Errorf("TURN not disabled: %v", cfg.GetTURNServers())
	}
}

func TestLoadRejects(t *testing.T) {
	yes := true
	tests := []struct {
		name string
		yaml string
		env  map[string]string
		opts Options
	}{
		{name: "bad policy", opts: Options{ErrorPolicy: "retry"}},
		{name: "http signaling", opts: Options{SignalingURL: "http://x/ws"}},
		{name: "negative reconnects", env: map[string]string{"MAX_RECONNECTS": "-1"}},
		{name: "bad bool", env: map[string]string{"TRICKLE": "maybe"}},
		{name: "bad duration", yaml: "flush_interval: soon\n"},
		{name: "malformed yaml", yaml: "trickle: [\n"},
		{name: "relay without turn", yaml: "turn_server: \"\"\n", opts: Options{ForceRelay: &yes}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t, tt.yaml)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(tt.opts); err == nil {
				t.Fatal("expected an error")
			} else if tt.name != "malformed yaml" && !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestFilePath(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_CONFIG_HOME only applies on linux")
	}
	t.Setenv("PEER_MEET_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	t.Setenv("HOME", "/tmp/home")

	if got := FilePath("/etc/pm.yaml"); got != "/etc/pm.yaml" {
		t.Errorf("explicit path ignored: %q", got)
	}
	if got := FilePath(""); got != filepath.Join("/tmp/xdg", "peer-meet", "config.yaml") {
		t.Errorf("FilePath() = %q", got)
	}
	t.Setenv("PEER_MEET_CONFIG", "/srv/pm.yaml")
	if got := FilePath(""); got != "/srv/pm.yaml" {
		t.Errorf("PEER_MEET_CONFIG ignored: %q", got)
	}
}
