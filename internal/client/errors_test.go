package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/muurk/qlink/internal/protocol"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 30 * time.Second},
		{0, 30 * time.Second},
		{1, 10 * time.Second},
		{2, 10 * time.Second},
		{3, 15 * time.Second},
		{4, 30 * time.Second},
		{5, 60 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	readErr := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}

	tests := []struct {
		name   string
		err    error
		faults int
		want   time.Duration
	}{
		{"dial refused", NewNetworkError("dial", dialErr), 0, ConnectRetry},
		{"dial after faults", NewNetworkError("dial", dialErr), 5, ConnectRetry},
		{"read reset", NewNetworkError("read failed", readErr), 0, 30 * time.Second},
		{"not ready", NewRegistrationError("Instrument Not Ready"), 3, NotReadyRetry},
		{"invalid", NewRegistrationError("Invalid Registration Request"), 0, InvalidRetry},
		{"bad start", NewRegistrationError("Requested start time not available"), 1, 10 * time.Second},
		{"framing", NewFramingError("bad crc", nil), 3, 15 * time.Second},
		{"data timeout", NewTimeoutError(TimeoutData, time.Minute), 9, 60 * time.Second},
		{"plain error", errors.New("boom"), 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelay(tt.err, tt.faults); got != tt.want {
				t.Errorf("retryDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		check     func(error) bool
		retryable bool
	}{
		{"framing", NewFramingError("crc", nil), IsFramingError, true},
		{"registration", NewRegistrationError("Instrument Not Ready"), IsRegistrationError, true},
		{"timeout", NewTimeoutError(TimeoutStatus, time.Minute), IsTimeoutError, true},
		{"continuity", NewContinuityError("bad file", nil), IsContinuityError, false},
		{"codec", NewCodecError("IU.ANMO.00.BHZ", errors.New("overflow")), IsCodecError, false},
		{"media", NewMediaError("save", os.ErrPermission), IsMediaError, false},
		{"network", NewNetworkError("read", net.ErrClosed), IsNetworkError, true},
		{"wrapped", fmt.Errorf("session: %w", NewFramingError("crc", nil)), IsFramingError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("classification of %v failed", tt.err)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}

	if IsFramingError(errors.New("plain")) || IsRetryable(nil) {
		t.Error("plain errors must not classify")
	}
}

func TestRegistrationErrorClass(t *testing.T) {
	tests := []struct {
		text string
		want protocol.RegistrationError
	}{
		{"Requested start time not available", protocol.RegBadStart},
		{"Instrument Not Ready", protocol.RegNotReady},
		{"Invalid Registration Request", protocol.RegInvalid},
	}
	for _, tt := range tests {
		if got := NewRegistrationError(tt.text).Registration; got != tt.want {
			t.Errorf("NewRegistrationError(%q).Registration = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestNetworkErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, "dial: connection refused"},
		{&net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, "dial: host unreachable"},
		{&net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, "dial: network unreachable"},
		{os.ErrDeadlineExceeded, "dial: timed out"},
		{net.ErrClosed, "dial"},
	}
	for _, tt := range tests {
		if got := NewNetworkError("dial", tt.err).Message; got != tt.want {
			t.Errorf("NewNetworkError(%v).Message = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestLinkErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewMediaError("save live", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	want := "Media Error: save live (caused by: disk full)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestResumeTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		saved    time.Time
		backfill time.Duration
		want     time.Time
		ok       bool
	}{
		{"zero", time.Time{}, 0, time.Time{}, false},
		{"before epoch", time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC), 0, time.Time{}, false},
		{"far future", now.Add(25 * time.Hour), 0, time.Time{}, false},
		{"slightly ahead", now.Add(time.Hour), 0, now.Add(time.Hour), true},
		{"recent", now.Add(-time.Hour), 24 * time.Hour, now.Add(-time.Hour), true},
		{"clamped", now.Add(-72 * time.Hour), 24 * time.Hour, now.Add(-24 * time.Hour), true},
		{"no backfill limit", now.Add(-72 * time.Hour), 0, now.Add(-72 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resumeTime(tt.saved, now, tt.backfill)
			if ok != tt.ok || !got.Equal(tt.want) {
				t.Errorf("resumeTime() = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
