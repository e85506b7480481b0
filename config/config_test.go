package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	cfg := Default()
	if cfg.BindAddr != "127.0.0.1:4000" {
		t.Fatalf("unexpected default bind address: %q", cfg.BindAddr)
	}
	if cfg.AuditCount != 12 {
		t.Fatalf("unexpected default audit count: %d", cfg.AuditCount)
	}
	if cfg.PingInterval != 60*time.Second {
		t.Fatalf("unexpected default ping interval: %v", cfg.PingInterval)
	}
}

func TestApplyEnvOverridesDefault(t *testing.T) {
	t.Setenv("SHARDD_ADDR", "0.0.0.0:5000")
	t.Setenv("SHARDD_AUDIT_COUNT", "20")
	t.Setenv("SHARDD_SEEDS", "shard://a:1/"+fakeHex()+",shard://b:2/"+fakeHex())

	cfg := Default()
	ApplyEnv(&cfg)

	if cfg.BindAddr != "0.0.0.0:5000" {
		t.Fatalf("env did not override bind address, got %q", cfg.BindAddr)
	}
	if cfg.AuditCount != 20 {
		t.Fatalf("env did not override audit count, got %d", cfg.AuditCount)
	}
	if len(cfg.Seeds) != 2 {
		t.Fatalf("expected 2 seeds from env, got %d", len(cfg.Seeds))
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SHARDD_ADDR", "0.0.0.0:5000")
	cfg := Default()
	ApplyEnv(&cfg)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags, &cfg)
	if err := flags.Parse([]string{"--addr", "10.0.0.1:6000"}); err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "10.0.0.1:6000" {
		t.Fatalf("flag did not override env, got %q", cfg.BindAddr)
	}
}

func TestLogPathRelativeToDataDir(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/shardd", LogFile: "shardd.log"}
	if got, want := cfg.LogPath(), "/var/lib/shardd/shardd.log"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	cfg.LogFile = "/tmp/elsewhere.log"
	if got, want := cfg.LogPath(), "/tmp/elsewhere.log"; got != want {
		t.Fatalf("absolute log-file should not be joined to data-dir: got %q, want %q", got, want)
	}
}

func fakeHex() string {
	return "0000000000000000000000000000000000000a"
}
