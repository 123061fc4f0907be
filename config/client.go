package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mmx233/tsproto/tscrypt"
)

type Client struct {
	Address                string        `yaml:"address"` // host:port
	Nickname               string        `yaml:"nickname"`
	PhoneticNickname       string        `yaml:"phonetic_nickname"`
	ServerPassword         string        `yaml:"server_password"`
	DefaultChannel         string        `yaml:"default_channel"`
	DefaultChannelPassword string        `yaml:"default_channel_password"`
	DefaultToken           string        `yaml:"default_token"`
	IdentityFile           string        `yaml:"identity_file"`
	SecurityLevel          int           `yaml:"security_level"`    // default 8
	Version                string        `yaml:"version"`           // windows or linux
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout"` // default 10s
	Reliability            Reliability   `yaml:"reliability"`
}

func (c *Client) ApplyDefaults() {
	if c.Nickname == "" {
		c.Nickname = DefaultNickname
	}
	if c.IdentityFile == "" {
		c.IdentityFile = DefaultClientIdentityFile
	}
	if c.SecurityLevel == 0 {
		c.SecurityLevel = DefaultSecurityLevel
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	c.Reliability.ApplyDefaults()
}

func (c *Client) Validate() error {
	if err := ValidateAddress(c.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if c.SecurityLevel < 0 || c.SecurityLevel > 160 {
		return fmt.Errorf("security_level must be between 0 and 160, got %d", c.SecurityLevel)
	}
	if _, err := tscrypt.VersionByName(c.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative, got %s", c.HandshakeTimeout)
	}
	if err := c.Reliability.Validate(); err != nil {
		return fmt.Errorf("reliability: %w", err)
	}
	return nil
}

// VersionSign resolves the configured version preset
func (c *Client) VersionSign() tscrypt.VersionSign {
	v, err := tscrypt.VersionByName(c.Version)
	if err != nil {
		return tscrypt.VersionLinux
	}
	return v
}

// ValidateAddress validates that an address is in valid host:port format.
// Returns an error if the address is invalid.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format %q: %w", addr, err)
	}

	if host == "" {
		return fmt.Errorf("host cannot be empty in address %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d in address %q", port, addr)
	}

	return nil
}
