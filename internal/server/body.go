package server

import (
	"context"
	"io"
)

// Body is a response body as chunk production. The responder queries
// EndOfStream before sending the header frame so that bodiless responses
// complete in a single frame, and pulls chunks with Next during the flush
// phase until it returns io.EOF.
type Body interface {
	// EndOfStream reports whether the body is already exhausted.
	EndOfStream() bool

	// Next returns the next chunk, or io.EOF once the body is exhausted.
	Next(ctx context.Context) ([]byte, error)
}

// NoBody is an empty Body.
var NoBody Body = noBody{}

type noBody struct{}

func (noBody) EndOfStream() bool                    { return true }
func (noBody) Next(context.Context) ([]byte, error) { return nil, io.EOF }

// BytesBody returns a Body producing p as a single chunk. An empty p is
// immediately end-of-stream.
func BytesBody(p []byte) Body {
	return &bytesBody{p: p}
}

type bytesBody struct {
	p    []byte
	done bool
}

func (b *bytesBody) EndOfStream() bool { return b.done || len(b.p) == 0 }

func (b *bytesBody) Next(context.Context) ([]byte, error) {
	if b.EndOfStream() {
		return nil, io.EOF
	}
	b.done = true
	return b.p, nil
}

// ReaderBody returns a Body streaming chunks of at most chunkSize bytes
// from r. It reports end-of-stream only after r has returned io.EOF, so a
// response built from a non-empty reader always goes through the flush
// phase.
func ReaderBody(r io.Reader, chunkSize int) Body {
	if chunkSize <= 0 {
		chunkSize = 8 * 1024
	}
	return &readerBody{r: r, buf: make([]byte, chunkSize)}
}

type readerBody struct {
	r    io.Reader
	buf  []byte
	done bool
}

func (b *readerBody) EndOfStream() bool { return b.done }

func (b *readerBody) Next(ctx context.Context) ([]byte, error) {
	if b.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := b.r.Read(b.buf)
	if err == io.EOF {
		b.done = true
		if n == 0 {
			return nil, io.EOF
		}
		return b.buf[:n], nil
	}
	if err != nil {
		b.done = true
		return nil, err
	}
	return b.buf[:n], nil
}
