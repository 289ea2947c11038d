package remote

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/go-tangra/go-tangra-swinventory/internal/credential"
)

// Credentials resolves a username and plaintext password.
type Credentials interface {
	Resolve(kind credential.Kind) (string, string, error)
}

// WinRMOptions configures the WinRM transport.
type WinRMOptions struct {
	Port             int
	HTTPS            bool
	Insecure         bool
	Transport        string // "ntlm" or "basic"
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// WinRMDialer opens WinRM sessions authenticated with the remote-host
// credential.
type WinRMDialer struct {
	opts  WinRMOptions
	creds Credentials
}

func NewWinRMDialer(opts WinRMOptions, creds Credentials) *WinRMDialer {
	if opts.Port == 0 {
		opts.Port = 5985
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Second
	}
	return &WinRMDialer{opts: opts, creds: creds}
}

// Dial builds a client for host. WinRM is stateless over HTTP, so no
// connection is made until the first script runs.
func (d *WinRMDialer) Dial(_ context.Context, host string) (Session, error) {
	user, pass, err := d.creds.Resolve(credential.RemoteHost)
	if err != nil {
		return nil, err
	}

	endpoint := winrm.NewEndpoint(host, d.opts.Port, d.opts.HTTPS, d.opts.Insecure, nil, nil, nil, d.opts.ConnectTimeout)

	seconds := int(math.Ceil(d.opts.OperationTimeout.Seconds()))
	params := winrm.NewParameters(fmt.Sprintf("PT%dS", seconds), "en-US", 153600)
	if strings.EqualFold(d.opts.Transport, "ntlm") {
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
	}

	client, err := winrm.NewClientWithParameters(endpoint, user, pass, params)
	if err != nil {
		return nil, &ConnectionError{Host: host, Err: err}
	}
	return &winrmSession{host: host, client: client}, nil
}

type winrmSession struct {
	host   string
	client *winrm.Client
}

func (s *winrmSession) RunPS(ctx context.Context, script string) (Result, error) {
	stdout, stderr, code, err := s.client.RunWithContextWithString(ctx, winrm.Powershell(script), "")
	if err != nil {
		return Result{}, &ConnectionError{Host: s.host, Err: err}
	}
	return Result{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (s *winrmSession) Close() error { return nil }
