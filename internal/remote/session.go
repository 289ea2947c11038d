package remote

import "context"

// Result is the captured outcome of one remote PowerShell invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session runs PowerShell scripts on a single host.
type Session interface {
	RunPS(ctx context.Context, script string) (Result, error)
	Close() error
}

// Dialer opens sessions. Implementations must be safe for concurrent use.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, host string) (Session, error) {
	return f(ctx, host)
}
