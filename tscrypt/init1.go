package tscrypt

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/Mmx233/tsproto/protocol"
)

// Init1 payloads. Client packets start with the 4 byte version marker, server
// packets start directly with the step byte.
//
// client step 0: [version][0x00][4 bytes timestamp][4 bytes random][8 bytes reserved]
// server step 1: [0x01][16 bytes cookie][4 bytes random echo]
// client step 2: [version][0x02][20 bytes of server step 1]
// server step 3: [0x03][232 bytes puzzle block]
// client step 4: [version][0x04][232 bytes puzzle block][64 bytes y][clientinitiv command]
const (
	Init1VersionLen = 4

	Init1StepStart    = 0x00
	Init1StepCookie   = 0x01
	Init1StepEcho     = 0x02
	Init1StepPuzzle   = 0x03
	Init1StepSolution = 0x04
	Init1StepRestart  = 0x7F

	init1StartLen    = Init1VersionLen + 1 + 4 + 4 + 8
	init1CookieLen   = 1 + 16 + 4
	init1EchoLen     = Init1VersionLen + 1 + 20
	init1PuzzleLen   = 1 + PuzzleBlockLen
	init1SolutionMin = Init1VersionLen + 1 + PuzzleBlockLen + PuzzleNumberLen
	init1ErrorLen    = 5

	alphaLen = 10
	betaLen  = 10

	// DefaultPuzzleLevel is the puzzle difficulty a server hands out
	DefaultPuzzleLevel = 10
)

// Init1Version is the version marker sent in every client Init1 payload.
var Init1Version = [Init1VersionLen]byte{0x06, 0x3b, 0xec, 0xe9}

var (
	ErrInvalidInit1  = errors.New("invalid init1 packet")
	ErrInit1Rejected = errors.New("init1 rejected by server")
	ErrPuzzleFailed  = errors.New("puzzle solution rejected")
	ErrAlphaMismatch = errors.New("alpha does not match")
)

type handshakeState struct {
	// client
	alpha       string
	puzzleBlock []byte
	solution    []byte

	// server
	cookie      []byte
	puzzle      []byte
	puzzleLevel int
	solved      bool
}

// SetPuzzleLevel sets the difficulty a server engine hands out
func (e *Engine) SetPuzzleLevel(level int) {
	e.mu.Lock()
	e.handshake.puzzleLevel = level
	e.mu.Unlock()
}

// Alpha returns the alpha nonce the client sent in clientinitiv
func (e *Engine) Alpha() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshake.alpha
}

func (e *Engine) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(e.rand, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// Init1Start builds the first client handshake payload.
func (e *Engine) Init1Start() ([]byte, error) {
	e.mu.Lock()
	e.handshake.puzzleBlock, e.handshake.solution = nil, nil
	e.mu.Unlock()

	nonce, err := e.random(4)
	if err != nil {
		return nil, err
	}
	data := make([]byte, init1StartLen)
	copy(data, Init1Version[:])
	data[Init1VersionLen] = Init1StepStart
	binary.BigEndian.PutUint32(data[Init1VersionLen+1:], uint32(time.Now().Unix()))
	copy(data[Init1VersionLen+5:], nonce)
	return data, nil
}

// ProcessInit1 consumes a server Init1 payload and returns the client's next
// payload. A nil data starts the handshake. After the last step the returned
// payload carries the clientinitiv command.
func (e *Engine) ProcessInit1(data []byte) ([]byte, error) {
	if data == nil {
		return e.Init1Start()
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidInit1)
	}

	switch data[0] {
	case Init1StepRestart:
		return e.Init1Start()

	case Init1StepCookie:
		switch len(data) {
		case init1CookieLen:
			out := make([]byte, init1EchoLen)
			copy(out, Init1Version[:])
			out[Init1VersionLen] = Init1StepEcho
			copy(out[Init1VersionLen+1:], data[1:init1CookieLen])
			return out, nil
		case init1ErrorLen:
			return nil, fmt.Errorf("%w: code %d", ErrInit1Rejected, binary.BigEndian.Uint32(data[1:]))
		default:
			return nil, fmt.Errorf("%w: step 1 length %d", ErrInvalidInit1, len(data))
		}

	case Init1StepPuzzle:
		if len(data) != init1PuzzleLen {
			return nil, fmt.Errorf("%w: step 3 length %d", ErrInvalidInit1, len(data))
		}
		return e.solveInit1(data[1:])

	default:
		return nil, fmt.Errorf("%w: unexpected step %#02x", ErrInvalidInit1, data[0])
	}
}

func (e *Engine) solveInit1(block []byte) ([]byte, error) {
	if e.identity == nil {
		return nil, ErrNoIdentity
	}

	// a repeated puzzle gets the same answer, the server may already hold our alpha
	e.mu.Lock()
	if e.handshake.solution != nil && bytes.Equal(e.handshake.puzzleBlock, block) {
		out := bytes.Clone(e.handshake.solution)
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	alphaBytes, err := e.random(alphaLen)
	if err != nil {
		return nil, err
	}
	alpha := base64.StdEncoding.EncodeToString(alphaBytes)
	text := protocol.NewCommand(protocol.CmdClientInitIV).
		Add("alpha", alpha).
		Add("omega", e.identity.PublicKeyString).
		Add("ip", "").
		Bytes()

	y, err := SolvePuzzleBlock(block)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, init1SolutionMin+len(text))
	out = append(out, Init1Version[:]...)
	out = append(out, Init1StepSolution)
	out = append(out, block...)
	out = append(out, y...)
	out = append(out, text...)

	e.mu.Lock()
	e.handshake.alpha = alpha
	e.handshake.puzzleBlock = bytes.Clone(block)
	e.handshake.solution = bytes.Clone(out)
	e.mu.Unlock()
	return out, nil
}

// ExpandIV applies the server's initivexpand command on a client engine.
func (e *Engine) ExpandIV(cmd *protocol.TextCommand) error {
	alpha, _ := cmd.Get("alpha")
	beta, _ := cmd.Get("beta")
	omega, _ := cmd.Get("omega")
	if beta == "" || omega == "" {
		return fmt.Errorf("%w: incomplete initivexpand", ErrInvalidInit1)
	}
	if sent := e.Alpha(); sent != "" && alpha != sent {
		return ErrAlphaMismatch
	}
	return e.CryptoInit(alpha, beta, omega)
}

// ProcessClientInit1 answers a client Init1 payload on a server engine. When
// the puzzle solution is accepted, reply is nil and clientInitIV holds the
// trailing clientinitiv command.
func (e *Engine) ProcessClientInit1(data []byte) (reply, clientInitIV []byte, err error) {
	if len(data) < Init1VersionLen+1 {
		return nil, nil, fmt.Errorf("%w: length %d", ErrInvalidInit1, len(data))
	}

	switch data[Init1VersionLen] {
	case Init1StepStart:
		if len(data) != init1StartLen {
			return nil, nil, fmt.Errorf("%w: step 0 length %d", ErrInvalidInit1, len(data))
		}
		cookie, err := e.random(16)
		if err != nil {
			return nil, nil, err
		}
		reply = make([]byte, init1CookieLen)
		reply[0] = Init1StepCookie
		copy(reply[1:17], cookie)
		// echo the client's random bytes in reverse order
		nonce := data[Init1VersionLen+5 : Init1VersionLen+9]
		for i := 0; i < 4; i++ {
			reply[17+i] = nonce[3-i]
		}

		e.mu.Lock()
		e.handshake.cookie = cookie
		e.mu.Unlock()
		return reply, nil, nil

	case Init1StepEcho:
		if len(data) != init1EchoLen {
			return nil, nil, fmt.Errorf("%w: step 2 length %d", ErrInvalidInit1, len(data))
		}
		e.mu.Lock()
		cookie := e.handshake.cookie
		level := e.handshake.puzzleLevel
		e.mu.Unlock()
		if cookie == nil || !bytes.Equal(data[Init1VersionLen+1:Init1VersionLen+17], cookie) {
			return nil, nil, fmt.Errorf("%w: cookie mismatch", ErrInvalidInit1)
		}

		block, err := e.newPuzzle(level)
		if err != nil {
			return nil, nil, err
		}
		e.mu.Lock()
		e.handshake.puzzle = block
		e.handshake.solved = false
		e.mu.Unlock()
		return append([]byte{Init1StepPuzzle}, block...), nil, nil

	case Init1StepSolution:
		if len(data) < init1SolutionMin {
			return nil, nil, fmt.Errorf("%w: step 4 length %d", ErrInvalidInit1, len(data))
		}
		e.mu.Lock()
		block := e.handshake.puzzle
		solved := e.handshake.solved
		e.mu.Unlock()

		blockStart := Init1VersionLen + 1
		if block == nil || !bytes.Equal(data[blockStart:blockStart+PuzzleBlockLen], block) {
			return nil, nil, fmt.Errorf("%w: unknown puzzle", ErrInvalidInit1)
		}
		if !solved {
			want, err := SolvePuzzleBlock(block)
			if err != nil {
				return nil, nil, err
			}
			if !bytes.Equal(data[blockStart+PuzzleBlockLen:init1SolutionMin], want) {
				return nil, nil, ErrPuzzleFailed
			}
			e.mu.Lock()
			e.handshake.solved = true
			e.mu.Unlock()
		}
		return nil, data[init1SolutionMin:], nil

	default:
		return nil, nil, fmt.Errorf("%w: unexpected step %#02x", ErrInvalidInit1, data[Init1VersionLen])
	}
}

// newPuzzle creates a puzzle block with a random odd 512 bit modulus.
func (e *Engine) newPuzzle(level int) ([]byte, error) {
	if level < 0 || level > MaxPuzzleLevel {
		return nil, fmt.Errorf("%w: %d", ErrPuzzleLevel, level)
	}
	raw, err := e.random(2*PuzzleNumberLen + 100)
	if err != nil {
		return nil, err
	}

	nBytes := raw[PuzzleNumberLen : 2*PuzzleNumberLen]
	nBytes[0] |= 0x80
	nBytes[PuzzleNumberLen-1] |= 0x01
	n := new(big.Int).SetBytes(nBytes)
	x := new(big.Int).SetBytes(raw[:PuzzleNumberLen])
	x.Mod(x, n)
	if x.Cmp(big.NewInt(2)) < 0 {
		x.SetInt64(2)
	}

	block := make([]byte, PuzzleBlockLen)
	x.FillBytes(block[:PuzzleNumberLen])
	n.FillBytes(block[PuzzleNumberLen:puzzleLevelOff])
	binary.BigEndian.PutUint32(block[puzzleLevelOff:], uint32(level))
	copy(block[puzzleLevelOff+4:], raw[2*PuzzleNumberLen:])
	return block, nil
}

// BuildIVExpand answers a clientinitiv command on a server engine. The
// returned command must be sent before calling CryptoInit with the same
// alpha and beta, since the client decrypts it with the dummy key.
func (e *Engine) BuildIVExpand(clientInitIV *protocol.TextCommand) (expand *protocol.TextCommand, beta string, err error) {
	if e.identity == nil {
		return nil, "", ErrNoIdentity
	}
	alpha, _ := clientInitIV.Get("alpha")
	omega, _ := clientInitIV.Get("omega")
	if clientInitIV.Name != protocol.CmdClientInitIV || alpha == "" || omega == "" {
		return nil, "", fmt.Errorf("%w: bad clientinitiv", ErrInvalidInit1)
	}

	betaBytes, err := e.random(betaLen)
	if err != nil {
		return nil, "", err
	}
	beta = base64.StdEncoding.EncodeToString(betaBytes)
	expand = protocol.NewCommand(protocol.CmdInitIVExpand).
		Add("alpha", alpha).
		Add("beta", beta).
		Add("omega", e.identity.PublicKeyString)
	return expand, beta, nil
}
