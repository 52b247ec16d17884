package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitializeSilent(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	if err := InitializeFromEnv(); err != nil {
		t.Fatalf("InitializeFromEnv() error = %v", err)
	}
	if GetLogger().Core().Enabled(zapcore.ErrorLevel) {
		t.Error("logger should be silent when no level is set")
	}
}

func TestLogStateChange(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	LogStateChange("ABC12", "RESP", "XML")
	LogPacket("recv", 0x10, 7, []byte{1, 2, 3})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["from"] != "RESP" || fields["to"] != "XML" || fields["station"] != "ABC12" {
		t.Errorf("state change fields = %v", fields)
	}
	if got := entries[1].ContextMap()["hex_dump"]; got != "010203" {
		t.Errorf("hex_dump = %v, want 010203", got)
	}
}

func TestDumpLimits(t *testing.T) {
	data := make([]byte, maxDump+10)
	for i := range data {
		data[i] = byte(i)
	}
	if got := hexDump(data); !strings.HasSuffix(got, "...") || len(got) != 2*maxDump+3 {
		t.Errorf("hexDump() length = %d", len(got))
	}
	if got := asciiDump([]byte("ok\x00")); got != "ok." {
		t.Errorf("asciiDump() = %q, want %q", got, "ok.")
	}
}
