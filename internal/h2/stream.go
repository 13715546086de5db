package h2

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/h2serve/internal/server"
)

var (
	errStreamDone  = errors.New("h2: stream already ended")
	errHeadersSent = errors.New("h2: response headers already sent")
	errNoHeaders   = errors.New("h2: response headers not sent yet")
	errStreamReset = errors.New("h2: stream reset")
	errConnClosed  = errors.New("h2: connection closed")
)

// stream is one inbound request/response exchange. It implements the
// driver's per-stream response channel; the engine connection serializes
// the actual frame writes, so concurrent responders stay safe without any
// locking of their own.
type stream struct {
	id   uint32
	conn *Conn
	req  *http.Request

	// bodyW feeds the request body pipe; nil when the request carried
	// END_STREAM on its headers.
	bodyW *io.PipeWriter

	mu          sync.Mutex
	headersSent bool
	done        bool
}

var _ server.RespondStream = (*stream)(nil)

func (s *stream) SendResponse(status int, header http.Header, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errStreamDone
	}
	if s.headersSent {
		return errHeadersSent
	}

	c := s.conn
	c.writeMu.Lock()
	c.hbuf.Reset()
	c.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	encodeFields(c.henc, header)
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.headersSent = true
	if endStream {
		s.finishLocked()
	}
	return nil
}

func (s *stream) SendData(p []byte, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errStreamDone
	}
	if !s.headersSent {
		return errNoHeaders
	}
	// An empty chunk only reaches the wire when it carries END_STREAM.
	if len(p) == 0 && !endStream {
		return nil
	}

	max := int(s.conn.peerMaxFrame.Load())
	for first := true; first || len(p) > 0; first = false {
		chunk := p
		if len(chunk) > max {
			chunk = p[:max]
		}
		p = p[len(chunk):]
		end := endStream && len(p) == 0

		s.conn.writeMu.Lock()
		err := s.conn.fr.WriteData(s.id, end, chunk)
		s.conn.writeMu.Unlock()
		if err != nil {
			return err
		}
	}

	if endStream {
		s.finishLocked()
	}
	return nil
}

func (s *stream) SendTrailers(trailer http.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errStreamDone
	}
	if !s.headersSent {
		return errNoHeaders
	}

	c := s.conn
	c.writeMu.Lock()
	c.hbuf.Reset()
	encodeFields(c.henc, trailer)
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     true,
	})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.finishLocked()
	return nil
}

func (s *stream) SendReset(code uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.conn.writeRSTStream(s.id, http2.ErrCode(code))
	s.closeBodyLocked(errStreamReset)
	s.finishLocked()
}

// finishLocked marks the local side complete and retires the stream from
// the connection. Callers hold s.mu.
func (s *stream) finishLocked() {
	s.done = true
	s.conn.removeStream(s.id)
}

// closeBody ends the request body pipe; the handler's next read returns
// io.EOF, or err when non-nil.
func (s *stream) closeBody(err error) {
	s.mu.Lock()
	s.closeBodyLocked(err)
	s.mu.Unlock()
}

func (s *stream) closeBodyLocked(err error) {
	if s.bodyW == nil {
		return
	}
	s.bodyW.CloseWithError(err)
	s.bodyW = nil
}

// encodeFields hpack-encodes an http.Header, lowercasing names as the wire
// format requires and dropping connection-specific fields that are illegal
// in HTTP/2.
func encodeFields(henc *hpack.Encoder, header http.Header) {
	for name, values := range header {
		lower := strings.ToLower(name)
		switch lower {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		for _, v := range values {
			henc.WriteField(hpack.HeaderField{Name: lower, Value: v})
		}
	}
}

// requestFromHeaders assembles an *http.Request from a decoded header
// block. The body is attached by the caller.
func requestFromHeaders(f *http2.MetaHeadersFrame, remote net.Addr) (*http.Request, error) {
	method := f.PseudoValue("method")
	path := f.PseudoValue("path")
	authority := f.PseudoValue("authority")
	if method == "" {
		return nil, errors.New("missing :method pseudo-header")
	}
	if path == "" {
		return nil, errors.New("missing :path pseudo-header")
	}

	u, err := url.ParseRequestURI(path)
	if err != nil {
		return nil, fmt.Errorf("invalid :path %q: %w", path, err)
	}

	header := make(http.Header)
	for _, hf := range f.RegularFields() {
		header.Add(hf.Name, hf.Value)
	}

	contentLength := int64(-1)
	if v := header.Get("Content-Length"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil && n >= 0 {
			contentLength = n
		}
	}

	req := &http.Request{
		Method:        method,
		URL:           u,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		ProtoMinor:    0,
		Header:        header,
		Host:          authority,
		RequestURI:    path,
		ContentLength: contentLength,
	}
	if remote != nil {
		req.RemoteAddr = remote.String()
	}
	return req, nil
}
