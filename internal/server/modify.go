package server

import "net/http"

// Modify rewrites a request before it is dispatched to the service. The
// hook runs synchronously, exactly once per request, on the connection's
// dispatch loop, so it must not block. The request it sees has no body
// attached: method, URL, headers and context are mutable, the body is
// intentionally out of reach at this point.
type Modify interface {
	Modify(req *http.Request)
}

// ModifyFunc adapts a function to the Modify interface.
type ModifyFunc func(req *http.Request)

func (f ModifyFunc) Modify(req *http.Request) { f(req) }

// NopModify is the default hook; it leaves the request untouched.
var NopModify Modify = ModifyFunc(func(*http.Request) {})
