package blob

import "errors"

var (
	// ErrInvalidArg ...
	ErrInvalidArg = errors.New("invalid argument")
	// ErrNotImplemented is returned for payloads that need a block upload when it is disabled.
	ErrNotImplemented = errors.New("not implemented")
	// ErrHTTP is returned when a request could not be executed.
	ErrHTTP = errors.New("http error")
)

// Result classifies the outcome of an upload.
type Result int

const (
	ResultOK Result = iota
	ResultError
	ResultNotImplemented
	ResultHTTPError
	ResultInvalidArg
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultNotImplemented:
		return "NOT_IMPLEMENTED"
	case ResultHTTPError:
		return "HTTP_ERROR"
	case ResultInvalidArg:
		return "INVALID_ARG"
	default:
		return "ERROR"
	}
}

// ResultOf maps an error returned by the uploader to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrInvalidArg):
		return ResultInvalidArg
	case errors.Is(err, ErrNotImplemented):
		return ResultNotImplemented
	case errors.Is(err, ErrHTTP):
		return ResultHTTPError
	default:
		return ResultError
	}
}
