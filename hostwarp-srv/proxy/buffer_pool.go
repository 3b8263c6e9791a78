package proxy

import (
	"io"
	"sync"
)

// DefaultBufferSize is the chunk size used by relays, tunnels and streamed
// request bodies.
const DefaultBufferSize = 32 * 1024

var relayBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// getBuffer takes a chunk buffer; hand it back with putBuffer.
func getBuffer() *[]byte {
	return relayBuffers.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		relayBuffers.Put(buf)
	}
}

// copyBuffer is io.Copy on a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// copyExactly streams n bytes from src to dst. A source that ends early
// yields io.ErrUnexpectedEOF.
func copyExactly(dst io.Writer, src io.Reader, n int64) (int64, error) {
	written, err := copyBuffer(dst, io.LimitReader(src, n))
	if err == nil && written < n {
		err = io.ErrUnexpectedEOF
	}
	return written, err
}
