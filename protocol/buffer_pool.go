package protocol

import (
	"bytes"
	"sync"
)

const (
	// ReadBufferSize is the size for UDP read buffers (max UDP payload)
	ReadBufferSize = 65535

	// maxPooledAssembly keeps oversized reassembly buffers out of the pool
	maxPooledAssembly = 64 * 1024
)

var readPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ReadBufferSize)
		return &buf
	},
}

var assemblyPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetReadBuffer returns a buffer for socket reads.
// The returned buffer has a length of exactly ReadBufferSize.
// Callers must call PutReadBuffer when done.
func GetReadBuffer() *[]byte {
	return readPool.Get().(*[]byte)
}

// PutReadBuffer returns a read buffer to the pool.
// If buf is nil or has incorrect size, it is silently discarded.
func PutReadBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != ReadBufferSize {
		return
	}
	readPool.Put(buf)
}

// GetAssemblyBuffer returns an empty buffer for joining fragment payloads.
func GetAssemblyBuffer() *bytes.Buffer {
	buf := assemblyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutAssemblyBuffer returns a buffer obtained from GetAssemblyBuffer.
func PutAssemblyBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledAssembly {
		return
	}
	buf.Reset()
	assemblyPool.Put(buf)
}
