package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func TestZeroValueDefaultsApplication(t *testing.T) {
	client := &Client{}
	client.ApplyDefaults()

	if client.Nickname != DefaultNickname {
		t.Fatalf("expected Nickname=%q, got %q", DefaultNickname, client.Nickname)
	}
	if client.SecurityLevel != DefaultSecurityLevel {
		t.Fatalf("expected SecurityLevel=%d, got %d", DefaultSecurityLevel, client.SecurityLevel)
	}
	if client.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Fatalf("expected HandshakeTimeout=%v, got %v", DefaultHandshakeTimeout, client.HandshakeTimeout)
	}
	if client.Version != DefaultVersion {
		t.Fatalf("expected Version=%q, got %q", DefaultVersion, client.Version)
	}

	want := Reliability{
		ResendTimeout: DefaultResendTimeout,
		Backoff:       DefaultBackoff,
		PingInterval:  DefaultPingInterval,
		IdleTimeout:   DefaultIdleTimeout,
		ReceiveWindow: DefaultReceiveWindow,
	}
	if client.Reliability != want {
		t.Fatalf("expected Reliability=%+v, got %+v", want, client.Reliability)
	}

	server := &Server{}
	server.ApplyDefaults()
	if server.Listen != DefaultListen {
		t.Fatalf("expected Listen=%q, got %q", DefaultListen, server.Listen)
	}
	if server.PuzzleLevel != DefaultPuzzleLevel {
		t.Fatalf("expected PuzzleLevel=%d, got %d", DefaultPuzzleLevel, server.PuzzleLevel)
	}
	if server.Reliability != want {
		t.Fatalf("expected Reliability=%+v, got %+v", want, server.Reliability)
	}
}

func TestNonZeroValuePreservation_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := Reliability{
			ResendTimeout:     time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "resendTimeout")),
			MaxRetries:        rapid.IntRange(1, 100).Draw(t, "maxRetries"),
			Backoff:           rapid.Float64Range(1, 4).Draw(t, "backoff"),
			MaxResendInterval: time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "maxResendInterval")),
			PingInterval:      time.Duration(rapid.Int64Range(-int64(time.Minute), -1).Draw(t, "pingInterval")),
			IdleTimeout:       time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "idleTimeout")),
			ReceiveWindow:     rapid.IntRange(1, 1024).Draw(t, "receiveWindow"),
		}
		client := &Client{
			SecurityLevel:    rapid.IntRange(1, 30).Draw(t, "securityLevel"),
			HandshakeTimeout: time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "handshakeTimeout")),
			Reliability:      r,
		}
		level, timeout := client.SecurityLevel, client.HandshakeTimeout

		client.ApplyDefaults()

		// Property: explicitly set values survive ApplyDefaults
		if client.Reliability != r {
			t.Fatalf("expected Reliability=%+v, got %+v", r, client.Reliability)
		}
		if client.SecurityLevel != level || client.HandshakeTimeout != timeout {
			t.Fatalf("expected level=%d timeout=%v, got level=%d timeout=%v",
				level, timeout, client.SecurityLevel, client.HandshakeTimeout)
		}
	})
}

func TestGenerateConnID(t *testing.T) {
	a, b := GenerateConnID(), GenerateConnID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("expected a uuid, got %q: %v", a, err)
	}
}
