package server

import (
	"context"
	"net"
	"net/http"
)

// ResetInternalError is the reset code a background responder sends on the
// stream's response channel when the application's response production
// fails. It matches the HTTP/2 INTERNAL_ERROR code.
const ResetInternalError uint32 = 0x2

// Handshaker establishes the multiplexed protocol over a raw transport.
// The returned EngineConn owns the transport from that point on.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn) (EngineConn, error)
}

// EngineConn is the protocol engine's view of one established connection:
// wire framing, flow control and multiplexing live behind it. The driver
// only accepts inbound streams, signals graceful shutdown, and waits for
// the close notification.
type EngineConn interface {
	// Accept blocks until the engine delivers the next inbound stream,
	// returning the decoded request and the stream's response channel.
	// It returns io.EOF once the peer has cleanly ended the connection,
	// and any other error on a protocol fault.
	Accept(ctx context.Context) (*http.Request, RespondStream, error)

	// GoAway signals graceful shutdown: the engine notifies the peer that
	// no new streams will be accepted while in-flight streams finish.
	GoAway()

	// Closed is closed once the engine connection has fully shut down,
	// including any trailing in-flight stream completion.
	Closed() <-chan struct{}

	// CloseErr reports the error, if any, the engine observed while
	// closing. It is meaningful only after Closed has fired.
	CloseErr() error
}

// RespondStream is the per-stream response channel handed out by Accept.
// The engine synchronizes concurrent per-stream senders internally.
type RespondStream interface {
	// SendResponse sends the response header frame. endStream marks the
	// response as complete with no body to follow.
	SendResponse(status int, header http.Header, endStream bool) error

	// SendData sends one body chunk. endStream marks it as the final
	// frame of the stream.
	SendData(p []byte, endStream bool) error

	// SendTrailers sends trailing metadata and ends the stream.
	SendTrailers(trailer http.Header) error

	// SendReset abandons the stream, signaling code to the peer.
	SendReset(code uint32)
}
