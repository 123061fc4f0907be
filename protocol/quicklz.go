package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// QuickLZ level 1 stream layout:
// short header (input < 216 bytes): [1 byte flags][1 byte compressed len][1 byte decompressed len]
// long header:                      [1 byte flags][4 bytes compressed len LE][4 bytes decompressed len LE]
// flags: 0x01 = compressed, 0x02 = long header, bits 2-3 = level, 0x40 always set
const (
	qlzTableSize      = 4096
	qlzSetControl     = 0x80000000
	qlzShortHeaderLen = 3
	qlzLongHeaderLen  = 9
	qlzShortLimit     = 216

	qlzFlagCompressed = 0x01
	qlzFlagLongHeader = 0x02
	qlzFlagAlways     = 0x40
)

var (
	ErrUnsupportedLevel     = errors.New("unsupported compression level")
	ErrDecompressedTooLarge = errors.New("decompressed size exceeds limit")
	ErrCorruptStream        = errors.New("corrupt compressed stream")
)

// Scratch holds the hash tables used while compressing or decompressing.
// A Scratch must not be shared between goroutines; reuse one per connection
// to avoid reallocating the tables for every packet.
type Scratch struct {
	hashtable   [qlzTableSize]int
	hashCounter [qlzTableSize]bool
	cachetable  [qlzTableSize]int
}

// NewScratch allocates a fresh scratch area
func NewScratch() *Scratch {
	return &Scratch{}
}

func (s *Scratch) reset() {
	clear(s.hashtable[:])
	clear(s.hashCounter[:])
	clear(s.cachetable[:])
}

// CompressedSize reads the total stream length from the header.
func CompressedSize(data []byte) (int, error) {
	if err := checkHeader(data); err != nil {
		return 0, err
	}
	if data[0]&qlzFlagLongHeader != 0 {
		return int(int32(binary.LittleEndian.Uint32(data[1:5]))), nil
	}
	return int(data[1]), nil
}

// DecompressedSize reads the original payload length from the header.
func DecompressedSize(data []byte) (int, error) {
	if err := checkHeader(data); err != nil {
		return 0, err
	}
	if data[0]&qlzFlagLongHeader != 0 {
		return int(int32(binary.LittleEndian.Uint32(data[5:9]))), nil
	}
	return int(data[2]), nil
}

// IsCompressed reports whether the stream body is LZ encoded rather than stored.
func IsCompressed(data []byte) bool {
	return len(data) > 0 && data[0]&qlzFlagCompressed != 0
}

func checkHeader(data []byte) error {
	if len(data) < qlzShortHeaderLen {
		return fmt.Errorf("%w: missing header", ErrCorruptStream)
	}
	if data[0]&qlzFlagLongHeader != 0 && len(data) < qlzLongHeaderLen {
		return fmt.Errorf("%w: truncated long header", ErrCorruptStream)
	}
	return nil
}

// Compress encodes data with QuickLZ. Only level 1 is supported.
// A nil scratch allocates a temporary one.
func Compress(data []byte, level int, s *Scratch) ([]byte, error) {
	if level != 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLevel, level)
	}
	if s == nil {
		s = NewScratch()
	}
	s.reset()

	headerLen := qlzLongHeaderLen
	if len(data) < qlzShortLimit {
		headerLen = qlzShortHeaderLen
	}

	dest := make([]byte, len(data)+400)
	destPos := headerLen + 4
	controlPos := headerLen
	sourcePos := 0
	unmatched := 0
	var control uint32 = qlzSetControl

	sourceLimit := len(data) - 10
	for sourcePos < sourceLimit {
		if control&1 != 0 {
			// Stop once the output no longer shrinks enough to be worth it.
			if sourcePos > len(data)/2 && destPos > sourcePos-sourcePos/32 {
				copy(dest[headerLen:], data)
				dest = dest[:headerLen+len(data)]
				writeQLZHeader(dest, len(data), level, headerLen, false)
				return dest, nil
			}
			binary.LittleEndian.PutUint32(dest[controlPos:], control>>1|qlzSetControl)
			controlPos = destPos
			destPos += 4
			control = qlzSetControl
		}

		next := read24(data, sourcePos)
		hash := qlzHash(next)
		offset := s.hashtable[hash]
		cache := s.cachetable[hash]
		s.cachetable[hash] = next
		s.hashtable[hash] = sourcePos

		if cache == next && s.hashCounter[hash] &&
			(sourcePos-offset >= 3 ||
				sourcePos == offset+1 && unmatched >= 3 && sourcePos > 3 && is6Same(data[sourcePos-3:])) {
			control = control>>1 | qlzSetControl
			matchLen := 3
			remainder := min(len(data)-4-sourcePos, 0xFF)
			for data[offset+matchLen] == data[sourcePos+matchLen] && matchLen < remainder {
				matchLen++
			}
			if matchLen < 18 {
				binary.LittleEndian.PutUint16(dest[destPos:], uint16(hash<<4|(matchLen-2)))
				destPos += 2
			} else {
				write24(dest, destPos, hash<<4|matchLen<<16)
				destPos += 3
			}
			sourcePos += matchLen
			unmatched = 0
		} else {
			unmatched++
			s.hashCounter[hash] = true
			dest[destPos] = data[sourcePos]
			destPos++
			sourcePos++
			control >>= 1
		}
	}

	for sourcePos < len(data) {
		if control&1 != 0 {
			binary.LittleEndian.PutUint32(dest[controlPos:], control>>1|qlzSetControl)
			controlPos = destPos
			destPos += 4
			control = qlzSetControl
		}
		dest[destPos] = data[sourcePos]
		destPos++
		sourcePos++
		control >>= 1
	}

	for control&1 == 0 {
		control >>= 1
	}
	binary.LittleEndian.PutUint32(dest[controlPos:], control>>1|qlzSetControl)

	dest = dest[:destPos]
	writeQLZHeader(dest, len(data), level, headerLen, true)
	return dest, nil
}

// Decompress decodes a QuickLZ level 1 stream. Streams claiming a
// decompressed size of maxSize or more are rejected before allocating.
// A nil scratch allocates a temporary one.
func Decompress(data []byte, maxSize int, s *Scratch) ([]byte, error) {
	if err := checkHeader(data); err != nil {
		return nil, err
	}

	flags := data[0]
	level := int(flags>>2) & 0x03
	if level != 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedLevel, level)
	}

	headerLen := qlzShortHeaderLen
	if flags&qlzFlagLongHeader != 0 {
		headerLen = qlzLongHeaderLen
	}
	compressedSize, _ := CompressedSize(data)
	decompressedSize, _ := DecompressedSize(data)

	if decompressedSize < 0 || compressedSize < headerLen || compressedSize > len(data) {
		return nil, fmt.Errorf("%w: invalid sizes %d/%d", ErrCorruptStream, compressedSize, decompressedSize)
	}
	if decompressedSize >= maxSize {
		return nil, fmt.Errorf("%w: %d >= %d", ErrDecompressedTooLarge, decompressedSize, maxSize)
	}
	data = data[:compressedSize]
	dest := make([]byte, decompressedSize)

	if flags&qlzFlagCompressed == 0 {
		if compressedSize-headerLen != decompressedSize {
			return nil, fmt.Errorf("%w: stored block length mismatch", ErrCorruptStream)
		}
		copy(dest, data[headerLen:])
		return dest, nil
	}

	if s == nil {
		s = NewScratch()
	}
	clear(s.hashtable[:])

	var control uint32 = 1
	sourcePos := headerLen
	destPos := 0
	nextHashed := 0
	tailStart := max(decompressedSize, 10) - 10

	for {
		if control == 1 {
			if sourcePos+4 > len(data) {
				return nil, fmt.Errorf("%w: truncated control word", ErrCorruptStream)
			}
			control = binary.LittleEndian.Uint32(data[sourcePos:])
			sourcePos += 4
		}

		if control&1 != 0 {
			control >>= 1
			if sourcePos+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated reference", ErrCorruptStream)
			}
			next := data[sourcePos]
			hash := int(next>>4) | int(data[sourcePos+1])<<4
			sourcePos += 2

			matchLen := int(next & 0x0F)
			if matchLen != 0 {
				matchLen += 2
			} else {
				if sourcePos >= len(data) {
					return nil, fmt.Errorf("%w: truncated match length", ErrCorruptStream)
				}
				matchLen = int(data[sourcePos])
				sourcePos++
			}

			offset := s.hashtable[hash]
			if matchLen < 3 || offset >= destPos || destPos+matchLen > decompressedSize {
				return nil, fmt.Errorf("%w: invalid reference", ErrCorruptStream)
			}
			// Byte-wise copy: source and destination may overlap.
			for i := 0; i < matchLen; i++ {
				dest[destPos+i] = dest[offset+i]
			}
			destPos += matchLen

			end := destPos + 1 - matchLen
			s.updateHashtable(dest, nextHashed, end)
			nextHashed = destPos
		} else if destPos >= tailStart {
			for destPos < decompressedSize {
				if control == 1 {
					sourcePos += 4
				}
				control >>= 1
				if sourcePos >= len(data) {
					return nil, fmt.Errorf("%w: truncated literal run", ErrCorruptStream)
				}
				dest[destPos] = data[sourcePos]
				destPos++
				sourcePos++
			}
			break
		} else {
			if sourcePos >= len(data) {
				return nil, fmt.Errorf("%w: truncated literal", ErrCorruptStream)
			}
			dest[destPos] = data[sourcePos]
			destPos++
			sourcePos++
			control >>= 1
			end := max(destPos-2, 0)
			s.updateHashtable(dest, nextHashed, end)
			nextHashed = max(nextHashed, end)
		}
	}

	return dest, nil
}

func (s *Scratch) updateHashtable(dest []byte, start, end int) {
	if start >= end {
		return
	}
	next := read24(dest, start)
	s.hashtable[qlzHash(next)] = start
	for i := start + 1; i < end; i++ {
		next = next>>8 | int(dest[i+2])<<16
		s.hashtable[qlzHash(next)] = i
	}
}

func writeQLZHeader(dest []byte, srcLen, level, headerLen int, compressed bool) {
	flags := byte(level<<2) | qlzFlagAlways
	if compressed {
		flags |= qlzFlagCompressed
	}

	if headerLen == qlzShortHeaderLen {
		dest[0] = flags
		dest[1] = byte(len(dest))
		dest[2] = byte(srcLen)
		return
	}
	dest[0] = flags | qlzFlagLongHeader
	binary.LittleEndian.PutUint32(dest[1:5], uint32(len(dest)))
	binary.LittleEndian.PutUint32(dest[5:9], uint32(srcLen))
}

func read24(b []byte, off int) int {
	return int(b[off]) | int(b[off+1])<<8 | int(b[off+2])<<16
}

func write24(b []byte, off int, v int) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
}

func qlzHash(v int) int {
	return (v>>12 ^ v) & 0xfff
}

func is6Same(b []byte) bool {
	return b[0] == b[1] && b[1] == b[2] && b[2] == b[3] && b[3] == b[4] && b[4] == b[5]
}
