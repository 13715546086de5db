// Package h2 is the protocol engine collaborator: a deliberately small
// server-side HTTP/2 implementation over golang.org/x/net/http2's Framer
// and hpack. It speaks cleartext prior-knowledge HTTP/2 and exposes
// exactly the engine surface the connection driver needs: handshake,
// accept-stream, per-stream response sending, graceful GOAWAY and a close
// notification.
//
// Simplifications, by scope: receive-side flow control is coarse (every
// DATA frame is credited straight back with WINDOW_UPDATE), the peer's
// send window is not modeled, header blocks are never split into
// CONTINUATION frames, and PUSH_PROMISE and priority are not implemented.
package h2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/h2serve/internal/server"
)

const (
	defaultMaxConcurrentStreams = 100
	defaultMaxFrameSize         = 16384
	defaultInitialWindowSize    = 1 << 20
	defaultMaxHeaderListSize    = 32 * 1024
	defaultAcceptBacklog        = 16

	// RFC 7541 default dynamic table size; we never resize it.
	headerTableSize = 4096
)

// Options is the handshake configuration the connection factory binds:
// the SETTINGS the server advertises, plus the accept queue depth.
type Options struct {
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	InitialWindowSize    uint32
	MaxHeaderListSize    uint32

	// AcceptBacklog bounds how many decoded streams may queue between the
	// frame reader and Accept. A full backlog stalls the reader, which is
	// the engine-level acceptance backpressure.
	AcceptBacklog int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if o.MaxFrameSize < 16384 || o.MaxFrameSize > 1<<24-1 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	if o.InitialWindowSize == 0 {
		o.InitialWindowSize = defaultInitialWindowSize
	}
	if o.MaxHeaderListSize == 0 {
		o.MaxHeaderListSize = defaultMaxHeaderListSize
	}
	if o.AcceptBacklog <= 0 {
		o.AcceptBacklog = defaultAcceptBacklog
	}
	return o
}

// Handshaker performs the server side of the HTTP/2 connection preface.
type Handshaker struct {
	opts Options
	log  zerolog.Logger
}

// NewHandshaker returns a Handshaker advertising opts.
func NewHandshaker(opts Options, log zerolog.Logger) *Handshaker {
	return &Handshaker{opts: opts.withDefaults(), log: log}
}

var _ server.Handshaker = (*Handshaker)(nil)

// Handshake reads the client preface, exchanges SETTINGS, and returns the
// established engine connection, which owns nc from then on. Canceling ctx
// interrupts a handshake in progress by poisoning the transport deadline.
func (h *Handshaker) Handshake(ctx context.Context, nc net.Conn) (server.EngineConn, error) {
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now())
	})
	defer stop()

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(nc, preface); err != nil {
		return nil, fmt.Errorf("reading client preface: %w", err)
	}
	if string(preface) != http2.ClientPreface {
		return nil, fmt.Errorf("invalid client preface %q", preface)
	}

	fr := http2.NewFramer(nc, nc)
	fr.SetMaxReadFrameSize(h.opts.MaxFrameSize)
	fr.ReadMetaHeaders = hpack.NewDecoder(headerTableSize, nil)
	fr.MaxHeaderListSize = h.opts.MaxHeaderListSize

	err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: h.opts.MaxConcurrentStreams},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: h.opts.MaxFrameSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: h.opts.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: h.opts.MaxHeaderListSize},
	)
	if err != nil {
		return nil, fmt.Errorf("writing server settings: %w", err)
	}

	f, err := fr.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading client settings: %w", err)
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		return nil, fmt.Errorf("expected client SETTINGS, got %T", f)
	}

	c := &Conn{
		nc:           nc,
		fr:           fr,
		log:          h.log,
		opts:         h.opts,
		accepts:      make(chan *stream, h.opts.AcceptBacklog),
		streams:      make(map[uint32]*stream),
		closed:       make(chan struct{}),
		goingAway:    atomic.NewBool(false),
		lastAccepted: atomic.NewUint32(0),
		peerMaxFrame: atomic.NewUint32(defaultMaxFrameSize),
	}
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.applySettings(sf)

	if err := c.writeSettingsAck(); err != nil {
		return nil, fmt.Errorf("acking client settings: %w", err)
	}

	nc.SetDeadline(time.Time{})
	go c.readLoop()
	return c, nil
}

// Conn is one established HTTP/2 connection. A single reader goroutine
// decodes frames and queues accepted streams; writes from the driver and
// from concurrent background responders are serialized by writeMu. The
// hpack encoder state is shared across streams, so header encoding happens
// under the same lock.
type Conn struct {
	nc   net.Conn
	fr   *http2.Framer
	log  zerolog.Logger
	opts Options

	writeMu sync.Mutex
	henc    *hpack.Encoder
	hbuf    bytes.Buffer

	accepts chan *stream

	goingAway    *atomic.Bool
	lastAccepted *atomic.Uint32
	peerMaxFrame *atomic.Uint32

	streamsMu sync.Mutex
	streams   map[uint32]*stream

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ server.EngineConn = (*Conn)(nil)

// Accept blocks until the next inbound stream is available. It returns
// io.EOF once the peer has cleanly ended the connection.
func (c *Conn) Accept(ctx context.Context) (*http.Request, server.RespondStream, error) {
	select {
	case st := <-c.accepts:
		return st.req, st, nil
	case <-c.closed:
		if c.closeErr != nil {
			return nil, nil, c.closeErr
		}
		return nil, nil, io.EOF
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// GoAway emits GOAWAY(NO_ERROR) carrying the last accepted stream id and
// stops accepting new streams. The connection closes once the in-flight
// streams have drained.
func (c *Conn) GoAway() {
	if !c.goingAway.CompareAndSwap(false, true) {
		return
	}
	c.writeMu.Lock()
	err := c.fr.WriteGoAway(c.lastAccepted.Load(), http2.ErrCodeNo, nil)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return
	}
	c.log.Debug().Uint32("last_stream", c.lastAccepted.Load()).Msg("sent GOAWAY")
	c.maybeFinish()
}

// Closed is closed once the connection has fully shut down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// CloseErr reports the shutdown error, if any. Valid only after Closed has
// fired.
func (c *Conn) CloseErr() error { return c.closeErr }

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.nc.Close()
		close(c.closed)
		// Unblock any handler still reading a request body. Done off
		// this goroutine: shutdown can be reached with a stream mutex
		// held.
		go c.closeAllBodies()
	})
}

func (c *Conn) closeAllBodies() {
	c.streamsMu.Lock()
	remaining := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		remaining = append(remaining, st)
	}
	c.streamsMu.Unlock()
	for _, st := range remaining {
		st.closeBody(errConnClosed)
	}
}

// maybeFinish closes the connection once a GOAWAY has been sent and no
// streams remain in flight. Streams still sitting in the accept backlog
// are refused first: nothing will ever accept them once the drain has
// started, so left alone they would pin the connection open.
func (c *Conn) maybeFinish() {
	if !c.goingAway.Load() {
		return
	}
	c.refuseQueued()
	c.streamsMu.Lock()
	active := len(c.streams)
	c.streamsMu.Unlock()
	if active == 0 {
		c.shutdown(nil)
	}
}

// refuseStream retires a stream that will never be served. REFUSED_STREAM
// tells the peer the request was not processed and is safe to retry.
func (c *Conn) refuseStream(st *stream) {
	c.writeRSTStream(st.id, http2.ErrCodeRefusedStream)
	st.closeBody(errStreamReset)
	c.streamsMu.Lock()
	delete(c.streams, st.id)
	c.streamsMu.Unlock()
}

func (c *Conn) refuseQueued() {
	for {
		select {
		case st := <-c.accepts:
			c.refuseStream(st)
		default:
			return
		}
	}
}

func (c *Conn) removeStream(id uint32) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
	c.maybeFinish()
}

func (c *Conn) lookupStream(id uint32) *stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

func (c *Conn) readLoop() {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.RSTStreamFrame:
			c.handleReset(f)
		case *http2.SettingsFrame:
			c.handleSettings(f)
		case *http2.PingFrame:
			c.handlePing(f)
		case *http2.GoAwayFrame:
			c.log.Debug().Uint32("last_stream", f.LastStreamID).Msg("received GOAWAY")
		case *http2.WindowUpdateFrame:
			// The peer's send window is not modeled.
		default:
			// PRIORITY and anything unexpected is ignored.
		}
	}
}

func (c *Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	id := f.Header().StreamID

	// HEADERS on a known stream are request trailers.
	if st := c.lookupStream(id); st != nil {
		if f.StreamEnded() {
			st.closeBody(nil)
		}
		return
	}

	if c.goingAway.Load() {
		c.writeRSTStream(id, http2.ErrCodeRefusedStream)
		return
	}

	req, err := requestFromHeaders(f, c.nc.RemoteAddr())
	if err != nil {
		c.log.Debug().Err(err).Uint32("stream", id).Msg("malformed request headers")
		c.writeRSTStream(id, http2.ErrCodeProtocol)
		return
	}

	st := &stream{id: id, conn: c, req: req}
	if f.StreamEnded() {
		req.Body = http.NoBody
	} else {
		pr, pw := io.Pipe()
		st.bodyW = pw
		req.Body = pr
	}

	c.streamsMu.Lock()
	c.streams[id] = st
	c.streamsMu.Unlock()
	c.lastAccepted.Store(id)

	// GoAway can race past the check above; a stream admitted in that
	// window is retired the same way as one found in the backlog.
	if c.goingAway.Load() {
		c.refuseStream(st)
		c.maybeFinish()
		return
	}

	// A full backlog intentionally stalls the reader.
	select {
	case c.accepts <- st:
	case <-c.closed:
	}
}

func (c *Conn) handleData(f *http2.DataFrame) {
	id := f.Header().StreamID
	data := f.Data()

	// Coarse receive flow control: credit consumed data straight back.
	if n := uint32(len(data)); n > 0 {
		c.writeMu.Lock()
		c.fr.WriteWindowUpdate(0, n)
		if !f.StreamEnded() {
			c.fr.WriteWindowUpdate(id, n)
		}
		c.writeMu.Unlock()
	}

	st := c.lookupStream(id)
	if st == nil || st.bodyW == nil {
		return
	}
	if len(data) > 0 {
		// The framer reuses its read buffer across frames.
		buf := make([]byte, len(data))
		copy(buf, data)
		if _, err := st.bodyW.Write(buf); err != nil {
			return
		}
	}
	if f.StreamEnded() {
		st.closeBody(nil)
	}
}

func (c *Conn) handleReset(f *http2.RSTStreamFrame) {
	id := f.Header().StreamID
	st := c.lookupStream(id)
	if st == nil {
		return
	}
	c.log.Debug().Uint32("stream", id).Str("code", f.ErrCode.String()).Msg("stream reset by peer")
	st.closeBody(fmt.Errorf("stream %d reset by peer: %s", id, f.ErrCode))
	c.removeStream(id)
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	c.applySettings(f)
	if err := c.writeSettingsAck(); err != nil {
		c.shutdown(err)
	}
}

func (c *Conn) applySettings(f *http2.SettingsFrame) {
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			if s.Val >= 16384 && s.Val <= 1<<24-1 {
				c.peerMaxFrame.Store(s.Val)
			}
		case http2.SettingHeaderTableSize:
			c.writeMu.Lock()
			c.henc.SetMaxDynamicTableSize(s.Val)
			c.writeMu.Unlock()
		}
		return nil
	})
}

func (c *Conn) writeSettingsAck() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fr.WriteSettingsAck()
}

func (c *Conn) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	c.writeMu.Lock()
	if err := c.fr.WritePing(true, f.Data); err != nil {
		c.log.Debug().Err(err).Msg("failed to ack PING")
	}
	c.writeMu.Unlock()
}

func (c *Conn) writeRSTStream(id uint32, code http2.ErrCode) {
	c.writeMu.Lock()
	if err := c.fr.WriteRSTStream(id, code); err != nil {
		c.log.Debug().Err(err).Uint32("stream", id).Msg("failed to write RST_STREAM")
	}
	c.writeMu.Unlock()
}
