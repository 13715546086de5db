package server

import (
	"context"
	"net/http"
)

// NewService produces one Service per accepted connection.
type NewService interface {
	NewService(ctx context.Context) (Service, error)
}

// Service handles the requests of a single connection.
//
// Ready is the backpressure probe: it blocks until the service can accept
// another request, and returns an error only when the service is
// unrecoverably closed, which triggers the connection's graceful
// shutdown. Call dispatches one request and must return promptly; the
// response is produced through the returned future, which the connection
// waits on from a background responder so that response production never
// serializes behind acceptance of the next request.
type Service interface {
	Ready(ctx context.Context) error
	Call(req *http.Request) ResponseFuture
}

// ResponseFuture resolves to the response for one dispatched request.
type ResponseFuture interface {
	Response(ctx context.Context) (*Response, error)
}

// Response is the service's reply to one request.
type Response struct {
	Status  int
	Header  http.Header
	Trailer http.Header
	Body    Body
}

// NewServiceFunc adapts a function to the NewService interface.
type NewServiceFunc func(ctx context.Context) (Service, error)

func (f NewServiceFunc) NewService(ctx context.Context) (Service, error) { return f(ctx) }

// ServiceFunc adapts a plain handler function to a Service that is always
// ready. The function itself runs on the background responder's goroutine,
// not on the dispatch loop.
type ServiceFunc func(req *http.Request) (*Response, error)

func (f ServiceFunc) Ready(ctx context.Context) error { return nil }

func (f ServiceFunc) Call(req *http.Request) ResponseFuture {
	return FutureFunc(func(ctx context.Context) (*Response, error) {
		return f(req)
	})
}

// FutureFunc adapts a function to the ResponseFuture interface.
type FutureFunc func(ctx context.Context) (*Response, error)

func (f FutureFunc) Response(ctx context.Context) (*Response, error) { return f(ctx) }

// Respond returns an already-resolved future carrying resp.
func Respond(resp *Response) ResponseFuture {
	return FutureFunc(func(context.Context) (*Response, error) {
		return resp, nil
	})
}
