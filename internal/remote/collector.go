// Package remote collects the installed-software listing of Windows hosts
// over WinRM.
package remote

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Collector runs the OS probe and the inventory script on one host at a
// time. It is safe for concurrent use if its Dialer is.
type Collector struct {
	dialer      Dialer
	logger      *zap.Logger
	callTimeout time.Duration
}

// NewCollector returns a collector. callTimeout bounds each remote call
// (probe and inventory script separately); zero means no bound beyond the
// transport's own timeouts.
func NewCollector(dialer Dialer, callTimeout time.Duration, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{dialer: dialer, logger: logger, callTimeout: callTimeout}
}

// Collect returns the raw entries of host, each stamped with Hostname=host.
func (c *Collector) Collect(ctx context.Context, host string) ([]Entry, error) {
	log := c.logger.With(zap.String("host", host))

	session, err := c.dialer.Dial(ctx, host)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{Host: host, Err: err}
	}
	defer session.Close()

	format, err := c.probe(ctx, session, host)
	if err != nil {
		return nil, err
	}
	log.Debug("os probe finished", zap.Stringer("format", format))

	script := modernScript
	if format == Delimited {
		script = legacyScript
	}
	res, err := c.run(ctx, session, host, script)
	if err != nil {
		return nil, err
	}

	payload, err := DecodePayload(host, format, res.Stdout)
	if err != nil {
		return nil, err
	}

	entries, err := c.parse(log, host, payload)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Hostname = host
	}
	log.Debug("inventory collected", zap.Int("entries", len(entries)))
	return entries, nil
}

func (c *Collector) probe(ctx context.Context, session Session, host string) (Format, error) {
	res, err := c.run(ctx, session, host, probeScript)
	if err != nil {
		return Structured, err
	}
	if strings.Contains(res.Stdout, legacyMarker) {
		return Delimited, nil
	}
	return Structured, nil
}

func (c *Collector) run(ctx context.Context, session Session, host, script string) (Result, error) {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	res, err := session.RunPS(ctx, script)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return Result{}, err
		}
		return Result{}, &ConnectionError{Host: host, Err: err}
	}
	if res.ExitCode != 0 {
		return Result{}, &ScriptError{Host: host, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func (c *Collector) parse(log *zap.Logger, host string, payload Payload) ([]Entry, error) {
	if payload.Format == Delimited {
		entries := ParseDelimited(payload.Text)
		if len(entries) == 0 {
			return nil, &ParseError{Host: host, Format: Delimited, Err: errors.New("no records found")}
		}
		log.Debug("parsed delimited output")
		return entries, nil
	}

	entries, err := ParseStructured(payload.Text)
	if err == nil {
		log.Debug("parsed structured output")
		return entries, nil
	}

	log.Warn("structured parse failed, trying delimited parser", zap.Error(err))
	fallback := ParseDelimited(payload.Text)
	if len(fallback) == 0 {
		return nil, &ParseError{Host: host, Format: Structured, Err: err}
	}
	log.Info("parsed output with delimited fallback", zap.Int("entries", len(fallback)))
	return fallback, nil
}
