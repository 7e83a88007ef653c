package logger

import (
	"testing"

	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/rs/zerolog"
)

func TestNew_HonorsLogLevel(t *testing.T) {
	l := New(config.Config{AppEnv: "prod", LogLevel: "warn"})
	if l.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", l.GetLevel())
	}
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	for _, lvl := range []string{"", "shout"} {
		l := New(config.Config{AppEnv: "prod", LogLevel: lvl})
		if l.GetLevel() != zerolog.InfoLevel {
			t.Fatalf("level %q: expected info fallback, got %s", lvl, l.GetLevel())
		}
	}
}
