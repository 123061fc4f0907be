package tscrypt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// Puzzle block layout inside the server's Init1 step 3:
// [64 bytes x][64 bytes n][4 bytes level BE][100 bytes server data]
const (
	PuzzleNumberLen = 64
	PuzzleBlockLen  = 232
	puzzleLevelOff  = 2 * PuzzleNumberLen

	// MaxPuzzleLevel bounds the work a server may demand
	MaxPuzzleLevel = 1_000_000
)

var ErrPuzzleLevel = errors.New("puzzle level out of range")

// SolvePuzzle computes y = x^(2^level) mod n by repeated squaring.
func SolvePuzzle(x, n *big.Int, level int) *big.Int {
	if n.Sign() == 0 {
		return new(big.Int)
	}
	y := new(big.Int).Mod(x, n)
	for i := 0; i < level; i++ {
		y.Mul(y, y)
		y.Mod(y, n)
	}
	return y
}

// ParsePuzzle reads x, n and level from a puzzle block.
func ParsePuzzle(block []byte) (x, n *big.Int, level int, err error) {
	if len(block) < puzzleLevelOff+4 {
		return nil, nil, 0, fmt.Errorf("%w: puzzle block is %d bytes", ErrInvalidInit1, len(block))
	}
	x = new(big.Int).SetBytes(block[:PuzzleNumberLen])
	n = new(big.Int).SetBytes(block[PuzzleNumberLen:puzzleLevelOff])
	level = int(int32(binary.BigEndian.Uint32(block[puzzleLevelOff:])))
	if level < 0 || level > MaxPuzzleLevel {
		return nil, nil, 0, fmt.Errorf("%w: %d", ErrPuzzleLevel, level)
	}
	return x, n, level, nil
}

// SolvePuzzleBlock solves a puzzle block and returns y as a 64 byte big-endian number.
func SolvePuzzleBlock(block []byte) ([]byte, error) {
	x, n, level, err := ParsePuzzle(block)
	if err != nil {
		return nil, err
	}
	y := SolvePuzzle(x, n, level)
	out := make([]byte, PuzzleNumberLen)
	if y.BitLen() > PuzzleNumberLen*8 {
		return nil, fmt.Errorf("%w: solution exceeds %d bytes", ErrInvalidInit1, PuzzleNumberLen)
	}
	return y.FillBytes(out), nil
}
