package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Background sends one request's response and streams its body. One
// instance runs per dispatched request, on the external executor,
// independent of the connection and of every other responder.
//
// Failures here are isolated: a failed response future becomes a single
// stream reset to the peer, a failed header send is abandoned silently,
// and flush-phase errors are logged and swallowed. Nothing a responder
// does can terminate the connection.
type Background struct {
	ctx     context.Context
	respond RespondStream
	future  ResponseFuture
	log     zerolog.Logger
}

func newBackground(ctx context.Context, respond RespondStream, future ResponseFuture, log zerolog.Logger) *Background {
	return &Background{
		ctx:     ctx,
		respond: respond,
		future:  future,
		log:     log,
	}
}

// Run executes the responder's two phases: wait for the response, then
// flush its body. It is the task submitted to the executor.
func (b *Background) Run() {
	resp, err := b.future.Response(b.ctx)
	if err != nil {
		// One request's failure degrades to a stream reset; the rest of
		// the connection is unaffected.
		b.log.Debug().Err(err).Msg("response future failed, resetting stream")
		b.respond.SendReset(ResetInternalError)
		return
	}

	// Bodiless responses complete in the single header frame.
	endStream := resp.Body == nil || resp.Body.EndOfStream()

	if serr := b.respond.SendResponse(resp.Status, resp.Header, endStream); serr != nil {
		// The stream is partially consumed; nothing is recoverable at
		// this layer.
		b.log.Debug().Err(serr).Msg("failed to send response headers, abandoning stream")
		return
	}

	if endStream {
		return
	}

	flushBody(b.ctx, b.respond, resp.Body, resp.Trailer, b.log)
}

// flushBody streams body chunks, and trailing metadata when present, until
// the body is exhausted or the stream fails. It never propagates an error:
// a broken stream is abandoned, a broken body resets the stream.
func flushBody(ctx context.Context, respond RespondStream, body Body, trailer http.Header, log zerolog.Logger) {
	for {
		chunk, err := body.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			log.Debug().Err(err).Msg("response body failed, resetting stream")
			respond.SendReset(ResetInternalError)
			return
		}

		// When no trailers follow, the final chunk carries end-of-stream
		// so the peer is not left waiting on an empty closing frame.
		endStream := len(trailer) == 0 && body.EndOfStream()
		if werr := respond.SendData(chunk, endStream); werr != nil {
			log.Debug().Err(werr).Msg("failed to send response data, abandoning stream")
			return
		}
		if endStream {
			return
		}
	}

	if len(trailer) > 0 {
		if terr := respond.SendTrailers(trailer); terr != nil {
			log.Debug().Err(terr).Msg("failed to send trailers, abandoning stream")
		}
		return
	}
	if werr := respond.SendData(nil, true); werr != nil {
		log.Debug().Err(werr).Msg("failed to end response stream")
	}
}
