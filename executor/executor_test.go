package executor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-iotutils/transport"
	"github.com/bitrise-io/go-iotutils/transport/mocks"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testHost = "h.h"

var errTransport = errors.New("transport failure")

type fakeConn struct {
	host string
}

func (c *fakeConn) Host() string {
	return c.host
}

func calledMethods(m *mocks.Transport) []string {
	var names []string
	for _, c := range m.Calls {
		names = append(names, c.Method)
	}
	return names
}

// connectedExecutor returns an executor that already holds a live connection, with the
// calls made to open it cleared from the mock.
func connectedExecutor(t *testing.T) (*Executor, *mocks.Transport, *fakeConn) {
	conn := &fakeConn{host: testHost}
	m := new(mocks.Transport)
	m.On("Init").Return(nil).Once()
	m.On("CreateConnection", testHost).Return(conn, nil).Once()
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).Return(nil).Once()

	e, err := Create(testHost, m, log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet, Path: "/"}, nil))

	m.AssertExpectations(t)
	m.Calls = nil
	m.ExpectedCalls = nil

	return e, m, conn
}

func TestCreate(t *testing.T) {
	m := new(mocks.Transport)

	_, err := Create("", m, log.NewLogger())
	require.ErrorIs(t, err, ErrInvalidArg)

	_, err = Create(testHost, nil, log.NewLogger())
	require.ErrorIs(t, err, ErrInvalidArg)

	e, err := Create(testHost, m, nil)
	require.NoError(t, err)
	assert.Equal(t, testHost, e.Hostname())
	assert.Empty(t, m.Calls, "no transport work before the first request")
}

func TestDestroy(t *testing.T) {
	t.Run("nil executor", func(t *testing.T) {
		var e *Executor
		e.Destroy()
	})

	t.Run("never connected", func(t *testing.T) {
		m := new(mocks.Transport)
		e, err := Create(testHost, m, log.NewLogger())
		require.NoError(t, err)

		e.Destroy()
		e.Destroy()

		assert.Empty(t, m.Calls)
	})

	t.Run("connected", func(t *testing.T) {
		e, m, conn := connectedExecutor(t)
		m.On("CloseConnection", conn).Return().Once()
		m.On("Deinit").Return().Once()

		e.Destroy()
		e.Destroy()

		assert.Equal(t, []string{"CloseConnection", "Deinit"}, calledMethods(m))
		m.AssertExpectations(t)
	})

	t.Run("destroyed executor rejects requests", func(t *testing.T) {
		m := new(mocks.Transport)
		e, err := Create(testHost, m, log.NewLogger())
		require.NoError(t, err)
		e.Destroy()

		err = e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, nil)
		require.ErrorIs(t, err, ErrInvalidArg)
		require.ErrorIs(t, e.SetOption(transport.OptionVerbose, true), ErrInvalidArg)
		assert.Empty(t, m.Calls)
	})
}

func TestSetOption_Arguments(t *testing.T) {
	var nilExecutor *Executor
	require.ErrorIs(t, nilExecutor.SetOption("name", "value"), ErrInvalidArg)

	m := new(mocks.Transport)
	e, err := Create(testHost, m, log.NewLogger())
	require.NoError(t, err)

	require.ErrorIs(t, e.SetOption("", "value"), ErrInvalidArg)
	require.ErrorIs(t, e.SetOption("name", nil), ErrInvalidArg)
	assert.Empty(t, m.Calls)
}

func TestSetOption_CloneFailure(t *testing.T) {
	tests := []struct {
		name     string
		cloneErr error
		want     Result
	}{
		{
			name:     "invalid argument passes through",
			cloneErr: transport.ErrInvalidArg,
			want:     ResultInvalidArg,
		},
		{
			name:     "any other failure is an error",
			cloneErr: errors.New("out of memory"),
			want:     ResultError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(mocks.Transport)
			m.On("CloneOption", "opt", "value").Return(nil, tt.cloneErr)
			e, err := Create(testHost, m, log.NewLogger())
			require.NoError(t, err)

			err = e.SetOption("opt", "value")

			assert.Equal(t, tt.want, ResultOf(err))
			assert.Empty(t, e.options)
		})
	}
}

func TestSetOption_Disconnected(t *testing.T) {
	m := new(mocks.Transport)
	m.On("CloneOption", "a", "1").Return("1", nil)
	m.On("CloneOption", "b", "2").Return("2", nil)
	m.On("CloneOption", "a", "3").Return("3", nil)
	e, err := Create(testHost, m, log.NewLogger())
	require.NoError(t, err)

	require.NoError(t, e.SetOption("a", "1"))
	require.NoError(t, e.SetOption("b", "2"))
	require.NoError(t, e.SetOption("a", "3"))

	assert.Equal(t, []savedOption{{name: "a", value: "3"}, {name: "b", value: "2"}}, e.options)
	m.AssertNotCalled(t, "SetOption", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetOption_Connected(t *testing.T) {
	tests := []struct {
		name   string
		setErr error
		want   Result
	}{
		{name: "applied", setErr: nil, want: ResultOK},
		{name: "rejected by the connection", setErr: transport.ErrInvalidArg, want: ResultInvalidArg},
		{name: "failed on the connection", setErr: errors.New("boom"), want: ResultError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, m, conn := connectedExecutor(t)
			m.On("CloneOption", "opt", "value").Return("value", nil)
			m.On("SetOption", conn, "opt", "value").Return(tt.setErr).Once()

			err := e.SetOption("opt", "value")

			assert.Equal(t, tt.want, ResultOf(err))
			assert.Len(t, e.options, 1, "the option is saved even if the live connection refused it")
			m.AssertExpectations(t)
		})
	}
}

func TestExecuteRequest_ReplaysOptionsOnNewConnection(t *testing.T) {
	conn := &fakeConn{host: testHost}
	m := new(mocks.Transport)
	m.On("CloneOption", "a", "1").Return("1", nil)
	m.On("CloneOption", "b", "2").Return("2", nil)
	m.On("Init").Return(nil).Once()
	m.On("CreateConnection", testHost).Return(conn, nil).Once()
	m.On("SetOption", conn, "a", "1").Return(errTransport).Once()
	m.On("SetOption", conn, "b", "2").Return(transport.ErrInvalidArg).Once()
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).Return(nil).Once()

	e, err := Create(testHost, m, log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, e.SetOption("a", "1"))
	require.NoError(t, e.SetOption("b", "2"))

	err = e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestPost, Path: "/x"}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"CloneOption", "CloneOption", "Init", "CreateConnection", "SetOption", "SetOption", "ExecuteRequest"}, calledMethods(m))
	m.AssertExpectations(t)
}

func TestExecuteRequest_Arguments(t *testing.T) {
	var nilExecutor *Executor
	err := nilExecutor.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, nil)
	require.ErrorIs(t, err, ErrInvalidArg)

	m := new(mocks.Transport)
	e, err := Create(testHost, m, log.NewLogger())
	require.NoError(t, err)

	require.ErrorIs(t, e.ExecuteRequest(context.Background(), nil, nil), ErrInvalidArg)
	require.ErrorIs(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestType(100)}, nil), ErrInvalidArg)
	assert.Empty(t, m.Calls)
}

func TestExecuteRequest_Headers(t *testing.T) {
	e, m, conn := connectedExecutor(t)

	var seen []transport.Request
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(2).(transport.Request)
			req.Header = req.Header.Clone()
			seen = append(seen, req)
		}).
		Return(nil)

	// no headers, no body
	require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, nil))

	// caller headers are rewritten on every call
	header := http.Header{"Content-Length": []string{"999"}, "X-Custom": []string{"v"}}
	require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestPut, Path: "/p", Header: header, Body: []byte("12345")}, nil))
	require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestPut, Path: "/p", Header: header, Body: []byte("1")}, nil))

	require.Len(t, seen, 3)
	assert.Equal(t, testHost, seen[0].Header.Get("Host"))
	assert.Equal(t, "0", seen[0].Header.Get("Content-Length"))
	assert.Equal(t, []byte{}, seen[0].Body)
	assert.Equal(t, "", seen[0].Path)

	assert.Equal(t, "5", seen[1].Header.Get("Content-Length"))
	assert.Equal(t, "v", seen[1].Header.Get("X-Custom"))
	assert.Equal(t, "1", header.Get("Content-Length"))
	assert.Equal(t, testHost, header.Get("Host"))
}

func TestExecuteRequest_Response(t *testing.T) {
	e, m, conn := connectedExecutor(t)
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			out := args.Get(3).(*transport.Response)
			out.StatusCode = http.StatusCreated
			out.Header.Set("ETag", "etag")
			out.Body.WriteString("created")
		}).
		Return(nil)

	t.Run("caller supplied response objects", func(t *testing.T) {
		resp := Response{Header: http.Header{}, Body: &bytes.Buffer{}}

		require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestPut}, &resp))

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "etag", resp.Header.Get("ETag"))
		assert.Equal(t, "created", resp.Body.String())
	})

	t.Run("status only", func(t *testing.T) {
		resp := Response{}

		require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestPut}, &resp))

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Nil(t, resp.Header)
		assert.Nil(t, resp.Body)
	})
}

func TestExecuteRequest_FailedAttemptDoesNotLeakIntoBody(t *testing.T) {
	e, m, conn := connectedExecutor(t)
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(3).(*transport.Response).Body.WriteString("partial")
		}).
		Return(errTransport).Once()
	m.On("CloseConnection", conn).Return().Once()
	m.On("CreateConnection", testHost).Return(conn, nil).Once()
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			out := args.Get(3).(*transport.Response)
			out.StatusCode = http.StatusOK
			out.Body.WriteString("full")
		}).
		Return(nil).Once()

	body := bytes.NewBufferString("prefix-")
	resp := Response{Body: body}
	require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, &resp))

	assert.Equal(t, "prefix-full", body.String())
	m.AssertExpectations(t)
}

type step struct {
	method string
	fail   bool
}

func expectSteps(m *mocks.Transport, conn *fakeConn, steps []step) []string {
	var names []string
	for _, s := range steps {
		var err error
		if s.fail {
			err = errTransport
		}

		switch s.method {
		case "Init":
			m.On("Init").Return(err).Once()
		case "Deinit":
			m.On("Deinit").Return().Once()
		case "CreateConnection":
			if s.fail {
				m.On("CreateConnection", testHost).Return(nil, err).Once()
			} else {
				m.On("CreateConnection", testHost).Return(conn, nil).Once()
			}
		case "CloseConnection":
			m.On("CloseConnection", conn).Return().Once()
		case "ExecuteRequest":
			m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).Return(err).Once()
		}
		names = append(names, s.method)
	}
	return names
}

func TestExecuteRequest_Recovery(t *testing.T) {
	var (
		exec       = step{method: "ExecuteRequest"}
		execFail   = step{method: "ExecuteRequest", fail: true}
		create     = step{method: "CreateConnection"}
		createFail = step{method: "CreateConnection", fail: true}
		initOK     = step{method: "Init"}
		initFail   = step{method: "Init", fail: true}
		closeConn  = step{method: "CloseConnection"}
		deinit     = step{method: "Deinit"}
	)

	tests := []struct {
		name  string
		steps []step
		want  Result
	}{
		{
			name:  "S1 live connection executes once",
			steps: []step{exec},
			want:  ResultOK,
		},
		{
			name:  "S2 connection is recreated after a failed request",
			steps: []step{execFail, closeConn, create, exec},
			want:  ResultOK,
		},
		{
			name:  "S3 library is reinitialized after the recreated connection fails too",
			steps: []step{execFail, closeConn, create, execFail, closeConn, deinit, initOK, create, exec},
			want:  ResultOK,
		},
		{
			name:  "S4 failed connection escalates to the library",
			steps: []step{execFail, closeConn, createFail, deinit, initOK, create, exec},
			want:  ResultOK,
		},
		{
			name:  "F1 library fails during escalation",
			steps: []step{execFail, closeConn, createFail, deinit, initFail},
			want:  ResultRecoveryFailed,
		},
		{
			name:  "F2 connection fails again after the library retry",
			steps: []step{execFail, closeConn, createFail, deinit, initOK, createFail, deinit},
			want:  ResultRecoveryFailed,
		},
		{
			name:  "F3 request fails after both levels were retried",
			steps: []step{execFail, closeConn, createFail, deinit, initOK, create, execFail, closeConn, deinit},
			want:  ResultRecoveryFailed,
		},
		{
			name:  "F4 library fails after the connection retry",
			steps: []step{execFail, closeConn, create, execFail, closeConn, deinit, initFail},
			want:  ResultRecoveryFailed,
		},
		{
			name:  "F5 connection fails after the library retry",
			steps: []step{execFail, closeConn, create, execFail, closeConn, deinit, initOK, createFail, deinit},
			want:  ResultRecoveryFailed,
		},
		{
			name:  "F6 request fails after every retry",
			steps: []step{execFail, closeConn, create, execFail, closeConn, deinit, initOK, create, execFail, closeConn, deinit},
			want:  ResultRecoveryFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, m, conn := connectedExecutor(t)
			wantCalls := expectSteps(m, conn, tt.steps)

			err := e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet, Path: "/devices"}, nil)

			assert.Equal(t, tt.want, ResultOf(err))
			assert.Equal(t, wantCalls, calledMethods(m))
			m.AssertExpectations(t)

			if tt.want == ResultRecoveryFailed {
				assert.False(t, e.initialized)
				assert.Nil(t, e.conn)
			} else {
				assert.True(t, e.initialized)
				assert.Equal(t, conn, e.conn)
			}
		})
	}
}

func TestExecuteRequest_FreshExecutor(t *testing.T) {
	t.Run("library failure is not retried", func(t *testing.T) {
		m := new(mocks.Transport)
		m.On("Init").Return(errTransport).Once()
		e, err := Create(testHost, m, log.NewLogger())
		require.NoError(t, err)

		err = e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, nil)

		require.ErrorIs(t, err, ErrRecoveryFailed)
		require.ErrorIs(t, err, errTransport)
		assert.Equal(t, []string{"Init"}, calledMethods(m))
	})

	t.Run("starts over after a failed recovery", func(t *testing.T) {
		e, m, conn := connectedExecutor(t)
		expectSteps(m, conn, []step{
			{method: "ExecuteRequest", fail: true}, {method: "CloseConnection"}, {method: "CreateConnection", fail: true},
			{method: "Deinit"}, {method: "Init", fail: true},
		})
		require.ErrorIs(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, nil), ErrRecoveryFailed)

		m.Calls = nil
		m.ExpectedCalls = nil
		wantCalls := expectSteps(m, conn, []step{{method: "Init"}, {method: "CreateConnection"}, {method: "ExecuteRequest"}})

		require.NoError(t, e.ExecuteRequest(context.Background(), &Request{Type: transport.RequestGet}, nil))
		assert.Equal(t, wantCalls, calledMethods(m))
	})
}

func TestExecuteRequest_Cancelled(t *testing.T) {
	e, m, conn := connectedExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	m.On("ExecuteRequest", mock.Anything, conn, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return(context.Canceled).Once()
	m.On("CloseConnection", conn).Return().Once()

	err := e.ExecuteRequest(ctx, &Request{Type: transport.RequestGet}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResultError, ResultOf(err))
	assert.Equal(t, []string{"ExecuteRequest", "CloseConnection"}, calledMethods(m))
	assert.True(t, e.initialized, "the library stays up for the next call")
	assert.Nil(t, e.conn)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "OK", ResultOK.String())
	assert.Equal(t, "INVALID_ARG", ResultInvalidArg.String())
	assert.Equal(t, "ERROR", ResultError.String())
	assert.Equal(t, "RECOVERYFAILED", ResultRecoveryFailed.String())
}
