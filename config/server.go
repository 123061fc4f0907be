package config

import (
	"fmt"

	"github.com/Mmx233/tsproto/tscrypt"
)

type Server struct {
	Listen       string      `yaml:"listen"`       // host:port, default 0.0.0.0:9987
	Name         string      `yaml:"name"`         // announced in initserver
	PuzzleLevel  int         `yaml:"puzzle_level"` // default 10
	IdentityFile string      `yaml:"identity_file"`
	Reliability  Reliability `yaml:"reliability"`
}

func (s *Server) ApplyDefaults() {
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.Name == "" {
		s.Name = DefaultServerName
	}
	if s.PuzzleLevel == 0 {
		s.PuzzleLevel = DefaultPuzzleLevel
	}
	if s.IdentityFile == "" {
		s.IdentityFile = DefaultServerIdentityFile
	}
	s.Reliability.ApplyDefaults()
}

func (s *Server) Validate() error {
	if err := ValidateAddress(s.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.PuzzleLevel < 0 || s.PuzzleLevel > tscrypt.MaxPuzzleLevel {
		return fmt.Errorf("puzzle_level must be between 0 and %d, got %d", tscrypt.MaxPuzzleLevel, s.PuzzleLevel)
	}
	if err := s.Reliability.Validate(); err != nil {
		return fmt.Errorf("reliability: %w", err)
	}
	return nil
}
