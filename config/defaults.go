package config

import (
	"time"

	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/google/uuid"
)

// Default timeout and interval values
const (
	// DefaultResendTimeout is the time before an unacknowledged command is resent
	DefaultResendTimeout = time.Second

	// DefaultBackoff keeps the resend interval constant
	DefaultBackoff = 1.0

	// DefaultPingInterval is the keepalive interval of a connected client
	DefaultPingInterval = time.Second

	// DefaultIdleTimeout drops a connection after this long without any packet
	DefaultIdleTimeout = 20 * time.Second

	// DefaultReceiveWindow is how many command ids are buffered ahead
	DefaultReceiveWindow = 128

	// DefaultHandshakeTimeout bounds Connect from dial to clientinit
	DefaultHandshakeTimeout = 10 * time.Second
)

const (
	DefaultListen             = "0.0.0.0:9987"
	DefaultServerName         = "tsproto"
	DefaultClientIdentityFile = "identity.json"
	DefaultServerIdentityFile = "server_identity.json"
	DefaultNickname           = "TSProtoClient"
	DefaultVersion            = "linux"
	DefaultSecurityLevel      = tscrypt.DefaultSecurityLevel
	DefaultPuzzleLevel        = tscrypt.DefaultPuzzleLevel
)

// GenerateConnID generates a new UUID used to correlate the log lines of one connection.
func GenerateConnID() string {
	return uuid.New().String()
}
