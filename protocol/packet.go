package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout:
// client -> server: [8 bytes MAC][2 bytes packet ID][2 bytes client ID][1 byte type|flags][data]
// server -> client: [8 bytes MAC][2 bytes packet ID][1 byte type|flags][data]
const (
	MACLen = 8

	ClientHeaderLen = 5
	ServerHeaderLen = 3

	MaxPacketSize    = 500
	MaxOutHeaderSize = MACLen + ClientHeaderLen
	MaxPayloadSize   = MaxPacketSize - MaxOutHeaderSize

	// Init1PacketID is the fixed packet ID carried by every handshake packet.
	Init1PacketID = 101
)

var (
	ErrPacketTooShort    = errors.New("packet too short")
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// PacketType is the low nibble of the type byte
type PacketType uint8

const (
	Voice PacketType = iota
	VoiceWhisper
	Command
	CommandLow
	Ping
	Pong
	Ack
	AckLow
	Init1

	PacketTypeCount = 9
)

// String returns a string representation of the packet type
func (t PacketType) String() string {
	switch t {
	case Voice:
		return "voice"
	case VoiceWhisper:
		return "voice_whisper"
	case Command:
		return "command"
	case CommandLow:
		return "command_low"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Ack:
		return "ack"
	case AckLow:
		return "ack_low"
	case Init1:
		return "init1"
	default:
		return "unknown"
	}
}

// IsReliable reports whether packets of this type are acknowledged and retransmitted.
func (t PacketType) IsReliable() bool {
	return t == Command || t == CommandLow
}

func (t PacketType) IsVoice() bool {
	return t == Voice || t == VoiceWhisper
}

// AckType returns the acknowledgement type for a reliable packet type.
func (t PacketType) AckType() PacketType {
	if t == CommandLow {
		return AckLow
	}
	return Ack
}

// AckedType is the inverse of AckType.
func (t PacketType) AckedType() PacketType {
	if t == AckLow {
		return CommandLow
	}
	return Command
}

// Flags is the high nibble of the type byte
type Flags uint8

const (
	FlagNone        Flags = 0x00
	FlagFragmented  Flags = 0x10
	FlagNewProtocol Flags = 0x20
	FlagCompressed  Flags = 0x40
	FlagUnencrypted Flags = 0x80
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Direction identifies who sent a packet, which decides the header layout.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

// HeaderLen returns the header size for packets travelling in this direction
func (d Direction) HeaderLen() int {
	if d == ClientToServer {
		return ClientHeaderLen
	}
	return ServerHeaderLen
}

// Reverse returns the opposite direction
func (d Direction) Reverse() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

func (d Direction) String() string {
	if d == ClientToServer {
		return "c2s"
	}
	return "s2c"
}

// Packet is a single protocol frame. Data holds the plaintext payload, Raw the
// frame as it is (or was) on the wire.
type Packet struct {
	Type         PacketType
	Flags        Flags
	ID           uint16
	GenerationID uint32
	ClientID     uint16 // client -> server only
	Direction    Direction

	MAC    [MACLen]byte
	Header []byte
	Data   []byte
	Raw    []byte
}

// NewPacket creates an outgoing packet. IDs and flags are assigned later by the sender.
func NewPacket(dir Direction, t PacketType, data []byte) *Packet {
	return &Packet{
		Type:      t,
		Direction: dir,
		Data:      data,
	}
}

// TypeFlags returns the combined type and flag byte
func (p *Packet) TypeFlags() byte {
	return byte(p.Type)&0x0F | byte(p.Flags)&0xF0
}

// BuildHeader serializes the header fields into p.Header and returns it.
// The header must be built before encryption since it is authenticated.
func (p *Packet) BuildHeader() []byte {
	header := make([]byte, p.Direction.HeaderLen())
	binary.BigEndian.PutUint16(header[0:2], p.ID)
	if p.Direction == ClientToServer {
		binary.BigEndian.PutUint16(header[2:4], p.ClientID)
		header[4] = p.TypeFlags()
	} else {
		header[2] = p.TypeFlags()
	}
	p.Header = header
	return header
}

// ParsePacket splits a received frame into MAC, header and body.
// The body stays encrypted until the crypto engine processes it.
func ParsePacket(raw []byte, dir Direction) (*Packet, error) {
	headerLen := dir.HeaderLen()
	if len(raw) < MACLen+headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(raw))
	}

	p := &Packet{
		Direction: dir,
		Raw:       raw,
		Header:    raw[MACLen : MACLen+headerLen],
		Data:      raw[MACLen+headerLen:],
	}
	copy(p.MAC[:], raw[:MACLen])

	p.ID = binary.BigEndian.Uint16(p.Header[0:2])
	var typeFlags byte
	if dir == ClientToServer {
		p.ClientID = binary.BigEndian.Uint16(p.Header[2:4])
		typeFlags = p.Header[4]
	} else {
		typeFlags = p.Header[2]
	}
	p.Type = PacketType(typeFlags & 0x0F)
	p.Flags = Flags(typeFlags & 0xF0)
	if p.Type >= PacketTypeCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, p.Type)
	}

	return p, nil
}

// NeedsSplitting reports whether a payload of the given size exceeds a single frame.
func NeedsSplitting(dataLen int) bool {
	return dataLen+MaxOutHeaderSize > MaxPacketSize
}

// String returns a short description used in logs
func (p *Packet) String() string {
	return fmt.Sprintf("%s %s id=%d gen=%d flags=%#02x len=%d", p.Direction, p.Type, p.ID, p.GenerationID, byte(p.Flags), len(p.Data))
}
