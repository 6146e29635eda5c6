// Package transport defines the connection primitives the request executor drives,
// and ships the HTTP implementation used in production.
package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
)

// ErrInvalidArg is returned when an option name or value is not accepted.
var ErrInvalidArg = errors.New("invalid argument")

// RequestType is the HTTP verb of a request.
type RequestType int

const (
	RequestGet RequestType = iota
	RequestPost
	RequestPut
	RequestDelete
	RequestPatch
	RequestHead
)

var requestMethods = map[RequestType]string{
	RequestGet:    http.MethodGet,
	RequestPost:   http.MethodPost,
	RequestPut:    http.MethodPut,
	RequestDelete: http.MethodDelete,
	RequestPatch:  http.MethodPatch,
	RequestHead:   http.MethodHead,
}

// IsValid reports whether t is one of the known request types.
func (t RequestType) IsValid() bool {
	_, ok := requestMethods[t]
	return ok
}

// String returns the HTTP method of the request type.
func (t RequestType) String() string {
	if m, ok := requestMethods[t]; ok {
		return m
	}
	return "UNKNOWN"
}

// Request is a fully resolved request handed to a Transport.
type Request struct {
	Type   RequestType
	Path   string
	Header http.Header
	Body   []byte
}

// Response receives the outcome of a request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       *bytes.Buffer
}

// Connection is an open connection to a single host.
type Connection interface {
	Host() string
}

// Transport is the low level connection layer.
//
// Init and Deinit bracket the library lifetime, CreateConnection and CloseConnection
// bracket a connection. ExecuteRequest fails only when no HTTP dialogue happened; any
// status code is reported through the Response.
type Transport interface {
	Init() error
	Deinit()
	CreateConnection(hostname string) (Connection, error)
	CloseConnection(conn Connection)
	ExecuteRequest(ctx context.Context, conn Connection, req Request, resp *Response) error
	SetOption(conn Connection, name string, value interface{}) error
	CloneOption(name string, value interface{}) (interface{}, error)
}
