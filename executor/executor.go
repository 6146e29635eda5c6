// Package executor runs HTTP requests over a cached transport connection and recovers
// from transport failures by rebuilding the connection, then the transport library.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

var (
	// ErrInvalidArg ...
	ErrInvalidArg = errors.New("invalid argument")
	// ErrRecoveryFailed is returned when the request failed and every recovery level was used up.
	ErrRecoveryFailed = errors.New("recovery failed")
)

// Result classifies the outcome of an executor call.
type Result int

const (
	ResultOK Result = iota
	ResultInvalidArg
	ResultError
	ResultRecoveryFailed
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultInvalidArg:
		return "INVALID_ARG"
	case ResultRecoveryFailed:
		return "RECOVERYFAILED"
	default:
		return "ERROR"
	}
}

// ResultOf maps an error returned by the executor to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrInvalidArg):
		return ResultInvalidArg
	case errors.Is(err, ErrRecoveryFailed):
		return ResultRecoveryFailed
	default:
		return ResultError
	}
}

// Request describes one exchange. Nil Header and Body are replaced for the duration of the call.
type Request struct {
	Type   transport.RequestType
	Path   string
	Header http.Header
	Body   []byte
}

// Response receives the exchange outcome. Nil Header and Body are replaced for the duration of the call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       *bytes.Buffer
}

type savedOption struct {
	name  string
	value interface{}
}

// Executor owns a hostname, a lazily created connection and the options to replay on it.
type Executor struct {
	hostname  string
	transport transport.Transport
	logger    log.Logger

	mu          sync.Mutex
	options     []savedOption
	initialized bool
	conn        transport.Connection
	destroyed   bool
}

// Create returns an Executor for hostname. No connection is opened until the first request.
func Create(hostname string, t transport.Transport, logger log.Logger) (*Executor, error) {
	if hostname == "" {
		return nil, fmt.Errorf("empty hostname: %w", ErrInvalidArg)
	}
	if t == nil {
		return nil, fmt.Errorf("nil transport: %w", ErrInvalidArg)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Executor{
		hostname:  hostname,
		transport: t,
		logger:    logger,
	}, nil
}

// Hostname ...
func (e *Executor) Hostname() string {
	return e.hostname
}

// Destroy closes a live connection, deinitializes the transport and drops every saved option.
// It is safe to call on a nil Executor and more than once.
func (e *Executor) Destroy() {
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return
	}
	e.reset()
	e.options = nil
	e.destroyed = true
}

// SetOption validates the option through the transport and saves it for every future connection.
// A live connection receives the option immediately.
func (e *Executor) SetOption(name string, value interface{}) error {
	if e == nil || name == "" || value == nil {
		return fmt.Errorf("set option %q: %w", name, ErrInvalidArg)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return fmt.Errorf("set option %s: executor is destroyed: %w", name, ErrInvalidArg)
	}

	cloned, err := e.transport.CloneOption(name, value)
	if err != nil {
		if errors.Is(err, transport.ErrInvalidArg) {
			return fmt.Errorf("clone option %s: %w", name, errors.Join(ErrInvalidArg, err))
		}
		return fmt.Errorf("clone option %s: %w", name, err)
	}

	replaced := false
	for i := range e.options {
		if e.options[i].name == name {
			e.options[i].value = cloned
			replaced = true
			break
		}
	}
	if !replaced {
		e.options = append(e.options, savedOption{name: name, value: cloned})
	}

	if e.conn == nil {
		return nil
	}

	if err := e.transport.SetOption(e.conn, name, cloned); err != nil {
		if errors.Is(err, transport.ErrInvalidArg) {
			return fmt.Errorf("set option %s: %w", name, errors.Join(ErrInvalidArg, err))
		}
		return fmt.Errorf("set option %s: %w", name, err)
	}

	return nil
}

// ExecuteRequest sends req and fills resp, recovering from transport failures.
// The Host and Content-Length headers of req are rewritten on every call.
// On success the connection is kept for the next call; when recovery fails the
// executor is left disconnected and ErrRecoveryFailed is returned.
func (e *Executor) ExecuteRequest(ctx context.Context, req *Request, resp *Response) error {
	if e == nil {
		return fmt.Errorf("execute request: nil executor: %w", ErrInvalidArg)
	}
	if req == nil {
		return fmt.Errorf("execute request: nil request: %w", ErrInvalidArg)
	}
	if !req.Type.IsValid() {
		return fmt.Errorf("execute request: request type %d: %w", req.Type, ErrInvalidArg)
	}

	header := req.Header
	if header == nil {
		header = http.Header{}
	}
	body := req.Body
	if body == nil {
		body = []byte{}
	}
	header.Set("Host", e.hostname)
	header.Set("Content-Length", strconv.Itoa(len(body)))

	var scratch Response
	if resp == nil {
		resp = &scratch
	}
	respHeader := resp.Header
	if respHeader == nil {
		respHeader = http.Header{}
	}
	respBody := resp.Body
	if respBody == nil {
		respBody = &bytes.Buffer{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return fmt.Errorf("execute request: executor is destroyed: %w", ErrInvalidArg)
	}

	x := exchange{
		req: transport.Request{
			Type:   req.Type,
			Path:   req.Path,
			Header: header,
			Body:   body,
		},
		header:   respHeader,
		body:     respBody,
		bodyMark: respBody.Len(),
	}
	if err := e.run(ctx, &x); err != nil {
		return err
	}

	resp.StatusCode = x.statusCode
	return nil
}
