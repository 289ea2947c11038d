package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyOutput is returned when the decoded payload is blank. It is kept
// distinct from ParseError: the host answered, but with nothing.
var ErrEmptyOutput = errors.New("remote output is empty")

// ConnectionError reports a failure to open or use the remote session
// (unreachable host, authentication, transport timeout).
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ScriptError reports a non-zero exit code from a remote script.
type ScriptError struct {
	Host     string
	ExitCode int
	Stderr   string
}

func (e *ScriptError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("script on %s exited with code %d", e.Host, e.ExitCode)
	}
	return fmt.Sprintf("script on %s exited with code %d: %s", e.Host, e.ExitCode, stderr)
}

// ParseError reports a payload that could not be decoded or parsed.
type ParseError struct {
	Host   string
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output from %s: %v", e.Format, e.Host, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsHostError reports whether err is one of the per-host failures raised by
// this package.
func IsHostError(err error) bool {
	var (
		connErr   *ConnectionError
		scriptErr *ScriptError
		parseErr  *ParseError
	)
	return errors.Is(err, ErrEmptyOutput) ||
		errors.As(err, &connErr) ||
		errors.As(err, &scriptErr) ||
		errors.As(err, &parseErr)
}
