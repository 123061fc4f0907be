package config

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestServer_YAMLParsing(t *testing.T) {
	content := `listen: "0.0.0.0:9988"
puzzle_level: 20
identity_file: "/var/lib/tsproto/server.json"
reliability:
  resend_timeout: 250ms
  receive_window: 32
`
	var s Server
	if err := yaml.Unmarshal([]byte(content), &s); err != nil {
		t.Fatalf("failed to unmarshal YAML: %v", err)
	}

	if s.Listen != "0.0.0.0:9988" {
		t.Errorf("expected Listen '0.0.0.0:9988', got %q", s.Listen)
	}
	if s.PuzzleLevel != 20 {
		t.Errorf("expected PuzzleLevel 20, got %d", s.PuzzleLevel)
	}
	if s.IdentityFile != "/var/lib/tsproto/server.json" {
		t.Errorf("expected IdentityFile, got %q", s.IdentityFile)
	}
	if s.Reliability.ReceiveWindow != 32 {
		t.Errorf("expected ReceiveWindow 32, got %d", s.Reliability.ReceiveWindow)
	}
}

func TestServer_Validate(t *testing.T) {
	tests := []struct {
		name    string
		server  Server
		wantErr string
	}{
		{"defaults", Server{}, ""},
		{"bad listen", Server{Listen: "9987"}, "listen"},
		{"negative puzzle", Server{PuzzleLevel: -5}, "puzzle_level"},
		{"huge puzzle", Server{PuzzleLevel: 2_000_000}, "puzzle_level"},
		{"bad reliability", Server{Reliability: Reliability{Backoff: 0.1}}, "reliability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.server
			s.ApplyDefaults()
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
