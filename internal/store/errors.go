package store

import "fmt"

// ConnectionError reports an unsupported driver or a failed connection
// handshake. It is fatal to the current run.
type ConnectionError struct {
	Driver string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection (%s): %v", e.Driver, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidIdentifierError reports a configured table name that is not a plain
// SQL identifier.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid SQL identifier %q", e.Name)
}

// InsertError reports a rolled-back per-host batch.
type InsertError struct {
	Host string
	Err  error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert records for %s: %v", e.Host, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }
