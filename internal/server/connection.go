package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ConnState identifies the phase of a connection's lifecycle. Transitions
// only ever move forward: Init -> Ready -> GoAway -> Done, or from any
// state straight to Done on a fatal error.
type ConnState int32

const (
	// StateInit: the handshake and the service instantiation are running
	// concurrently; both must succeed before any request is accepted.
	StateInit ConnState = iota

	// StateReady: the engine connection and the service are live; the
	// dispatch loop is accepting streams.
	StateReady

	// StateGoAway: the service reported an unrecoverable readiness error;
	// graceful shutdown has been signaled and the connection is draining.
	StateGoAway

	// StateDone: terminal. Serving a done connection is a no-op.
	StateDone
)

// String returns the state's name.
func (s ConnState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateGoAway:
		return "goaway"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

type handshakeResult struct {
	conn EngineConn
	err  error
}

type newServiceResult struct {
	svc Service
	err error
}

// Connection drives one accepted transport end to end: handshake,
// per-stream request dispatch, concurrent response delivery, and graceful
// shutdown. Serve must not be called concurrently with itself; beyond
// that, all connection-internal transitions are single-writer.
type Connection struct {
	transport net.Conn
	hs        Handshaker
	ns        NewService
	exec      Executor
	modify    Modify
	log       zerolog.Logger

	state *atomic.Int32

	// Init phase: fork-join of handshake and service instantiation.
	started bool
	hsCh    chan handshakeResult
	svcCh   chan newServiceResult

	// Populated on entering Ready.
	engine  EngineConn
	service Service

	// Populated on entering GoAway.
	svcErr error
}

func newConnection(transport net.Conn, hs Handshaker, ns NewService, exec Executor, modify Modify, log zerolog.Logger) *Connection {
	if modify == nil {
		modify = NopModify
	}
	return &Connection{
		transport: transport,
		hs:        hs,
		ns:        ns,
		exec:      exec,
		modify:    modify,
		log:       log,
		state:     atomic.NewInt32(int32(StateInit)),
	}
}

// State reports the connection's current lifecycle phase.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Serve drives the connection until it terminates. It returns nil once the
// peer has cleanly ended the connection, a *Error on any of the fatal
// failures of the taxonomy, or ctx.Err() if the caller abandons the
// connection. Every suspension point blocks on a notification, never on a
// poll loop.
//
// Any returned error forces the state to Done first, so a connection can
// never be driven twice past a failure: serving a done connection returns
// nil immediately.
func (c *Connection) Serve(ctx context.Context) error {
	err := c.serve(ctx)
	if err != nil {
		c.setState(StateDone)
	}
	return err
}

func (c *Connection) serve(ctx context.Context) error {
	for {
		switch c.State() {
		case StateInit:
			if err := c.serveInit(ctx); err != nil {
				return err
			}
		case StateReady:
			done, err := c.serveReady(ctx)
			if err != nil {
				return err
			}
			if done {
				c.setState(StateDone)
				return nil
			}
			// Service closed; continue into the goaway drain.
		case StateGoAway:
			return c.serveGoAway(ctx)
		case StateDone:
			return nil
		default:
			panic("server: connection in impossible state")
		}
	}
}

// serveInit runs the fork-join of handshake and service instantiation.
// Both branches run concurrently; both must succeed, and the first
// observed failure wins without waiting for the other branch.
func (c *Connection) serveInit(ctx context.Context) error {
	if !c.started {
		c.started = true
		c.hsCh = make(chan handshakeResult, 1)
		c.svcCh = make(chan newServiceResult, 1)

		hsCh, svcCh := c.hsCh, c.svcCh
		go func() {
			conn, err := c.hs.Handshake(ctx, c.transport)
			hsCh <- handshakeResult{conn: conn, err: err}
		}()
		go func() {
			svc, err := c.ns.NewService(ctx)
			svcCh <- newServiceResult{svc: svc, err: err}
		}()
	}

	for c.engine == nil || c.service == nil {
		select {
		case r := <-c.hsCh:
			if r.err != nil {
				return handshakeError(r.err)
			}
			c.engine = r.conn
			c.hsCh = nil // receiving from a nil channel blocks forever
		case r := <-c.svcCh:
			if r.err != nil {
				return newServiceError(r.err)
			}
			c.service = r.svc
			c.svcCh = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.log.Debug().Msg("connection established, service ready")
	c.setState(StateReady)
	return nil
}

// serveReady runs the dispatch loop: probe service capacity, pull the next
// inbound stream, rewrite the request through the Modify hook, dispatch it
// to the service, and hand the response future to a background responder
// on the executor. It returns done=true on a clean end of the connection,
// and done=false with a nil error once the service has closed and the
// state has moved to GoAway.
func (c *Connection) serveReady(ctx context.Context) (done bool, err error) {
	for {
		if rerr := c.service.Ready(ctx); rerr != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.log.Debug().Err(rerr).Msg("service closed, starting graceful shutdown")
			c.engine.GoAway()
			c.svcErr = rerr
			c.setState(StateGoAway)
			return false, nil
		}

		req, respond, aerr := c.engine.Accept(ctx)
		if aerr != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if errors.Is(aerr, io.EOF) {
				c.log.Debug().Msg("connection ended cleanly")
				return true, nil
			}
			return false, protocolError(aerr)
		}

		// The hook sees the request without its body: detach, rewrite,
		// reattach.
		body := req.Body
		req.Body = nil
		c.modify.Modify(req)
		req.Body = body

		future := c.service.Call(req)

		bg := newBackground(ctx, respond, future, c.log)
		if eerr := c.exec.Execute(bg.Run); eerr != nil {
			// Fatal to the whole connection, not just this request.
			return false, executeError(eerr)
		}
	}
}

// serveGoAway waits for the engine to report fully closed, absorbing any
// trailing in-flight stream completion at the engine level. Whatever error
// the engine observed while closing is deliberately discarded: the stored
// service error is always the one surfaced, even when that masks a genuine
// shutdown fault.
func (c *Connection) serveGoAway(ctx context.Context) error {
	select {
	case <-c.engine.Closed():
	case <-ctx.Done():
		return ctx.Err()
	}

	if cerr := c.engine.CloseErr(); cerr != nil {
		c.log.Debug().Err(cerr).Msg("discarding engine close error in favor of service error")
	}
	c.log.Debug().Msg("graceful shutdown complete")
	c.setState(StateDone)
	return serviceError(c.svcErr)
}
