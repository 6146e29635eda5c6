package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-iotutils/transport"
)

type level int

const (
	levelLibrary level = iota + 1
	levelConnection
	levelRequest
)

func (l level) String() string {
	switch l {
	case levelLibrary:
		return "library"
	case levelConnection:
		return "connection"
	default:
		return "request"
	}
}

// recovery is the per call state of the retry automaton: every level may be redone once.
type recovery struct {
	libraryRetried    bool
	connectionRetried bool
}

type exchange struct {
	req transport.Request

	header     http.Header
	body       *bytes.Buffer
	bodyMark   int
	statusCode int
}

// run drives the exchange from the first level that is not up yet.
//
// A failed request closes the connection and redoes it; if the connection was already
// redone, the library is redone as well. A failed connection redoes the library. A level
// failing after its single retry, or the library failing at all, unwinds everything.
func (e *Executor) run(ctx context.Context, x *exchange) error {
	var st recovery

	current := levelLibrary
	if e.conn != nil {
		current = levelRequest
	} else if e.initialized {
		current = levelConnection
	}

	for {
		// levels that are down stay down, the next call picks up from there
		if err := ctx.Err(); err != nil {
			e.logger.Warnf("Request to %s cancelled before the %s level", e.hostname, current)
			return fmt.Errorf("execute request: %w", err)
		}

		switch current {
		case levelLibrary:
			if err := e.transport.Init(); err != nil {
				e.logger.Errorf("Failed to initialize transport: %s", err)
				e.reset()
				return fmt.Errorf("init transport: %w", withCause(ErrRecoveryFailed, err))
			}
			e.initialized = true
			current = levelConnection

		case levelConnection:
			conn, err := e.transport.CreateConnection(e.hostname)
			if err != nil || conn == nil {
				e.logger.Warnf("Failed to create connection to %s: %v", e.hostname, err)
				if !st.libraryRetried {
					st.libraryRetried = true
					e.deinit()
					current = levelLibrary
					continue
				}
				e.reset()
				return fmt.Errorf("create connection to %s: %w", e.hostname, withCause(ErrRecoveryFailed, err))
			}
			e.conn = conn
			e.replayOptions()
			current = levelRequest

		case levelRequest:
			err := e.execute(ctx, x)
			if err == nil {
				return nil
			}
			e.logger.Warnf("%s %s on %s failed: %s", x.req.Type, x.req.Path, e.hostname, err)

			switch {
			case !st.connectionRetried:
				st.connectionRetried = true
				e.closeConnection()
				current = levelConnection
			case !st.libraryRetried:
				st.libraryRetried = true
				e.closeConnection()
				e.deinit()
				current = levelLibrary
			default:
				e.reset()
				return fmt.Errorf("%s %s: %w", x.req.Type, x.req.Path, withCause(ErrRecoveryFailed, err))
			}
		}

		e.logger.Debugf("Recovering %s: redo from %s level", e.hostname, current)
	}
}

func (e *Executor) execute(ctx context.Context, x *exchange) error {
	x.body.Truncate(x.bodyMark)
	out := transport.Response{
		Header: http.Header{},
		Body:   x.body,
	}

	if err := e.transport.ExecuteRequest(ctx, e.conn, x.req, &out); err != nil {
		x.body.Truncate(x.bodyMark)
		return err
	}

	for k, values := range out.Header {
		for _, v := range values {
			x.header.Add(k, v)
		}
	}
	x.statusCode = out.StatusCode
	return nil
}

// replayOptions hands every saved option to a freshly created connection.
// Failures are logged only, the connection stays usable without them.
func (e *Executor) replayOptions() {
	for _, opt := range e.options {
		if err := e.transport.SetOption(e.conn, opt.name, opt.value); err != nil {
			e.logger.Debugf("Failed to replay option %s on %s: %s", opt.name, e.hostname, err)
		}
	}
}

func (e *Executor) closeConnection() {
	if e.conn == nil {
		return
	}
	e.transport.CloseConnection(e.conn)
	e.conn = nil
}

func (e *Executor) deinit() {
	if !e.initialized {
		return
	}
	e.transport.Deinit()
	e.initialized = false
}

// reset brings the executor back to the idle state.
func (e *Executor) reset() {
	e.closeConnection()
	e.deinit()
}

func withCause(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
