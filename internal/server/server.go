// Package server implements the server-side connection driver for a
// multiplexed request/response protocol. A Server binds a service factory,
// an engine handshake configuration and a task executor; each accepted
// transport becomes one Connection, which drives the handshake, the
// per-stream dispatch loop and the graceful shutdown sequence, spawning
// one background responder per request on the executor.
package server

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// Executor runs background responder tasks. Execute must either accept the
// task and run it on another goroutine, or return an error; a rejection is
// fatal to the connection that submitted the task.
type Executor interface {
	Execute(task func()) error
}

// Server attaches service instances to engine connections. It is the thin
// construction surface: all protocol and concurrency logic lives in
// Connection and Background.
type Server struct {
	newService NewService
	handshaker Handshaker
	exec       Executor
	log        zerolog.Logger
}

// NewServer builds a connection factory from a service factory, an engine
// handshaker and an executor.
func NewServer(ns NewService, hs Handshaker, exec Executor, log zerolog.Logger) (*Server, error) {
	if ns == nil {
		return nil, fmt.Errorf("service factory cannot be nil")
	}
	if hs == nil {
		return nil, fmt.Errorf("handshaker cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	return &Server{
		newService: ns,
		handshaker: hs,
		exec:       exec,
		log:        log,
	}, nil
}

// Serve produces the Connection for one accepted transport. The connection
// does no work until it is driven.
func (s *Server) Serve(conn net.Conn) *Connection {
	return s.ServeModified(conn, NopModify)
}

// ServeModified is Serve with a request-rewrite hook attached; modify runs
// synchronously once per request, before the service is called.
func (s *Server) ServeModified(conn net.Conn, modify Modify) *Connection {
	log := s.log.With().Str("remote", remoteAddr(conn)).Logger()
	return newConnection(conn, s.handshaker, s.newService, s.exec, modify, log)
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}
