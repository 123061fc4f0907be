package client

// ConnectionState represents the handshake progress of a connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateInit1                        // low level handshake started, waiting for the cookie
	StatePuzzle                       // cookie echoed, waiting for the puzzle
	StateAwaitIvExpand                // puzzle solved, waiting for initivexpand
	StateConnected
	StateClosed
)

// String returns a string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInit1:
		return "init1"
	case StatePuzzle:
		return "puzzle"
	case StateAwaitIvExpand:
		return "await-ivexpand"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// handshaking reports whether the low level handshake is in progress
func (s ConnectionState) handshaking() bool {
	return s >= StateInit1 && s <= StateAwaitIvExpand
}
