package proxy

import (
	"io"
	"net/http"
	"sync"
)

const (
	// DefaultBufferSize is the size of pooled copy buffers (32KB), the same
	// as the buffer io.Copy allocates on its own.
	DefaultBufferSize = 32 * 1024
)

// bufferPool holds the buffers used to stream upstream response bodies.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool.
// The caller must return the buffer using putBuffer when done.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// copyBuffer copies from src to dst using a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// flushWriter pushes every chunk to the client as soon as it is written,
// so a slow upstream body reaches the client incrementally.
type flushWriter struct {
	w   io.Writer
	rc  *http.ResponseController
	err error // first failed client write
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	return &flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		if fw.err == nil {
			fw.err = err
		}
		return n, err
	}
	// ErrNotSupported just means the writer is unbuffered
	_ = fw.rc.Flush()
	return n, nil
}
