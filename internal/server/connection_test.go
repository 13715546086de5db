package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// ---- stubs ----

type stubHandshaker struct {
	conn  EngineConn
	err   error
	delay time.Duration
}

func (h stubHandshaker) Handshake(ctx context.Context, _ net.Conn) (EngineConn, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.conn, h.err
}

type stubNewService struct {
	svc   Service
	err   error
	delay time.Duration
}

func (n stubNewService) NewService(ctx context.Context) (Service, error) {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return n.svc, n.err
}

type acceptEvent struct {
	req     *http.Request
	respond RespondStream
	err     error
}

// stubEngine scripts Accept results through a channel; once the script is
// drained, Accept blocks like a quiet connection.
type stubEngine struct {
	events chan acceptEvent

	accepts *atomic.Int32
	goAways *atomic.Int32

	closeErr      error
	closeOnGoAway bool
	closed        chan struct{}
	closeOnce     sync.Once
}

func newStubEngine(backlog int) *stubEngine {
	return &stubEngine{
		events:  make(chan acceptEvent, backlog),
		accepts: atomic.NewInt32(0),
		goAways: atomic.NewInt32(0),
		closed:  make(chan struct{}),
	}
}

func (e *stubEngine) Accept(ctx context.Context) (*http.Request, RespondStream, error) {
	e.accepts.Inc()
	select {
	case ev := <-e.events:
		return ev.req, ev.respond, ev.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (e *stubEngine) GoAway() {
	e.goAways.Inc()
	if e.closeOnGoAway {
		e.close()
	}
}

func (e *stubEngine) close() {
	e.closeOnce.Do(func() { close(e.closed) })
}

func (e *stubEngine) Closed() <-chan struct{} { return e.closed }
func (e *stubEngine) CloseErr() error         { return e.closeErr }

type stubService struct {
	mu      sync.Mutex
	ready   []error
	calls   []*http.Request
	respond func(req *http.Request) (*Response, error)
}

func (s *stubService) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) > 0 {
		r := s.ready[0]
		s.ready = s.ready[1:]
		return r
	}
	return nil
}

func (s *stubService) Call(req *http.Request) ResponseFuture {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	respond := s.respond
	s.mu.Unlock()
	return FutureFunc(func(context.Context) (*Response, error) {
		if respond == nil {
			return &Response{Status: http.StatusOK}, nil
		}
		return respond(req)
	})
}

func (s *stubService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// inlineExec runs tasks synchronously on the dispatch loop. Good enough
// for tests that only care about what the responder sent.
type inlineExec struct{}

func (inlineExec) Execute(task func()) error {
	task()
	return nil
}

// scriptExec returns scripted results and captures accepted tasks without
// running them.
type scriptExec struct {
	mu      sync.Mutex
	results []error
	tasks   []func()
}

func (e *scriptExec) Execute(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var r error
	if len(e.results) > 0 {
		r = e.results[0]
		e.results = e.results[1:]
	}
	if r == nil {
		e.tasks = append(e.tasks, task)
	}
	return r
}

type sentResponse struct {
	status    int
	header    http.Header
	endStream bool
}

type sentData struct {
	p         []byte
	endStream bool
}

// recordStream records everything the responder sends on the stream.
type recordStream struct {
	mu        sync.Mutex
	responses []sentResponse
	data      []sentData
	trailers  []http.Header
	resets    []uint32

	responseErr error
	dataErr     error
	trailerErr  error

	notify     chan struct{}
	notifyOnce sync.Once
}

func newRecordStream() *recordStream {
	return &recordStream{notify: make(chan struct{})}
}

func (r *recordStream) signal() {
	r.notifyOnce.Do(func() { close(r.notify) })
}

func (r *recordStream) SendResponse(status int, header http.Header, endStream bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.signal()
	if r.responseErr != nil {
		return r.responseErr
	}
	r.responses = append(r.responses, sentResponse{status: status, header: header, endStream: endStream})
	return nil
}

func (r *recordStream) SendData(p []byte, endStream bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dataErr != nil {
		return r.dataErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	r.data = append(r.data, sentData{p: buf, endStream: endStream})
	return nil
}

func (r *recordStream) SendTrailers(trailer http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trailerErr != nil {
		return r.trailerErr
	}
	r.trailers = append(r.trailers, trailer)
	return nil
}

func (r *recordStream) SendReset(code uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.signal()
	r.resets = append(r.resets, code)
}

func testRequest(method, path string, body io.ReadCloser) *http.Request {
	req, _ := http.NewRequest(method, path, nil)
	req.Body = body
	return req
}

func newTestConnection(hs Handshaker, ns NewService, exec Executor, modify Modify) *Connection {
	return newConnection(nil, hs, ns, exec, modify, zerolog.Nop())
}

// ---- tests ----

func TestConnectionCleanEnd(t *testing.T) {
	engine := newStubEngine(1)
	engine.events <- acceptEvent{err: io.EOF}
	svc := &stubService{}

	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{svc: svc},
		inlineExec{},
		nil,
	)

	require.Equal(t, StateInit, conn.State())
	err := conn.Serve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, conn.State())
	assert.Equal(t, int32(1), engine.accepts.Load())
	assert.Equal(t, int32(0), engine.goAways.Load())
}

func TestConnectionHandshakeError(t *testing.T) {
	cause := errors.New("preface mismatch")
	svc := &stubService{}

	conn := newTestConnection(
		stubHandshaker{err: cause},
		stubNewService{svc: svc, delay: 50 * time.Millisecond},
		inlineExec{},
		nil,
	)

	err := conn.Serve(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindHandshake, cerr.Kind)
	assert.Same(t, cause, cerr.Cause)
	assert.Equal(t, StateDone, conn.State())
	assert.Equal(t, 0, svc.callCount())
}

func TestConnectionNewServiceError(t *testing.T) {
	cause := errors.New("db unavailable")
	engine := newStubEngine(1)

	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{err: cause},
		inlineExec{},
		nil,
	)

	err := conn.Serve(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNewService, cerr.Kind)
	assert.Same(t, cause, cerr.Cause)
	assert.Equal(t, StateDone, conn.State())

	// No request was ever dispatched.
	assert.Equal(t, int32(0), engine.accepts.Load())
}

func TestConnectionFirstInitFailureWins(t *testing.T) {
	cause := errors.New("factory exploded")
	engine := newStubEngine(1)

	// The handshake takes much longer than the failing instantiation; the
	// fork-join must surface the instantiation failure without waiting.
	conn := newTestConnection(
		stubHandshaker{conn: engine, delay: time.Second},
		stubNewService{err: cause},
		inlineExec{},
		nil,
	)

	start := time.Now()
	err := conn.Serve(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNewService, cerr.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConnectionModifyRunsOnceBeforeService(t *testing.T) {
	respond := newRecordStream()
	body := io.NopCloser(strings.NewReader("payload"))

	engine := newStubEngine(2)
	engine.events <- acceptEvent{req: testRequest("POST", "/submit", body), respond: respond}
	engine.events <- acceptEvent{err: io.EOF}

	svc := &stubService{}
	modifyCalls := atomic.NewInt32(0)
	modify := ModifyFunc(func(req *http.Request) {
		modifyCalls.Inc()
		// The hook must not see the body.
		assert.Nil(t, req.Body)
		req.Header.Set("X-Rewritten", "yes")
	})

	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{svc: svc},
		inlineExec{},
		modify,
	)

	require.NoError(t, conn.Serve(context.Background()))
	require.Equal(t, int32(1), modifyCalls.Load())

	svc.mu.Lock()
	require.Len(t, svc.calls, 1)
	seen := svc.calls[0]
	svc.mu.Unlock()

	// The hook ran before dispatch, and the body was reattached after it.
	assert.Equal(t, "yes", seen.Header.Get("X-Rewritten"))
	assert.Equal(t, body, seen.Body)

	// Default response from the stub service: empty body, single header
	// frame carrying end-of-stream.
	respond.mu.Lock()
	defer respond.mu.Unlock()
	require.Len(t, respond.responses, 1)
	assert.True(t, respond.responses[0].endStream)
	assert.Empty(t, respond.data)
	assert.Empty(t, respond.resets)
}

func TestConnectionServiceErrorTriggersGoAway(t *testing.T) {
	respond := newRecordStream()
	cause := errors.New("service wedged")
	engineCloseErr := errors.New("close fault to be discarded")

	engine := newStubEngine(1)
	engine.events <- acceptEvent{req: testRequest("GET", "/one", nil), respond: respond}
	engine.closeOnGoAway = true
	engine.closeErr = engineCloseErr

	// Ready succeeds for the first request, then reports the terminal
	// error on the second probe.
	svc := &stubService{ready: []error{nil, cause}}

	exec := &scriptExec{}
	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{svc: svc},
		exec,
		nil,
	)

	err := conn.Serve(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindService, cerr.Kind)
	assert.Same(t, cause, cerr.Cause)
	assert.Equal(t, StateDone, conn.State())

	// Graceful shutdown was signaled exactly once, the first request's
	// responder was already handed to the executor, and no further stream
	// was accepted after the readiness error.
	assert.Equal(t, int32(1), engine.goAways.Load())
	assert.Equal(t, int32(1), engine.accepts.Load())
	assert.Len(t, exec.tasks, 1)

	// Driving a finished connection is a no-op.
	require.NoError(t, conn.Serve(context.Background()))
	assert.Equal(t, int32(1), engine.goAways.Load())
}

func TestConnectionExecuteRejectionIsFatal(t *testing.T) {
	first := newRecordStream()
	second := newRecordStream()
	rejection := errors.New("queue full")

	engine := newStubEngine(2)
	engine.events <- acceptEvent{req: testRequest("GET", "/1", nil), respond: first}
	engine.events <- acceptEvent{req: testRequest("GET", "/2", nil), respond: second}

	svc := &stubService{}
	exec := &scriptExec{results: []error{nil, rejection}}

	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{svc: svc},
		exec,
		nil,
	)

	err := conn.Serve(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindExecute, cerr.Kind)
	assert.Same(t, rejection, cerr.Cause)
	assert.Equal(t, StateDone, conn.State())

	// The first responder is still in flight; the rejection of the second
	// killed the connection anyway.
	assert.Len(t, exec.tasks, 1)
}

func TestConnectionProtocolError(t *testing.T) {
	cause := errors.New("frame too large")
	engine := newStubEngine(1)
	engine.events <- acceptEvent{err: cause}

	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{svc: &stubService{}},
		inlineExec{},
		nil,
	)

	err := conn.Serve(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindProtocol, cerr.Kind)
	assert.Same(t, cause, cerr.Cause)
	assert.Equal(t, StateDone, conn.State())
}

func TestConnectionStaysReadyBetweenRequests(t *testing.T) {
	respond := newRecordStream()
	engine := newStubEngine(1)
	engine.events <- acceptEvent{req: testRequest("GET", "/only", nil), respond: respond}

	svc := &stubService{}
	conn := newTestConnection(
		stubHandshaker{conn: engine},
		stubNewService{svc: svc},
		inlineExec{},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- conn.Serve(ctx) }()

	// The one scripted request is answered while the connection keeps
	// waiting for the next stream.
	select {
	case <-respond.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("responder never sent the response")
	}
	assert.Equal(t, StateReady, conn.State())

	cancel()
	select {
	case err := <-served:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.Equal(t, StateDone, conn.State())
}

func TestConnectionAbandonedDuringInit(t *testing.T) {
	conn := newTestConnection(
		stubHandshaker{conn: newStubEngine(0), delay: time.Second},
		stubNewService{svc: &stubService{}, delay: time.Second},
		inlineExec{},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := conn.Serve(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDone, conn.State())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "goaway", StateGoAway.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}
