//go:build windows

package winsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"
)

const (
	// stopGrace bounds how long the SCM waits for an in-flight inventory
	// run to drain after a stop request.
	stopGrace = 2 * time.Minute
	// uninstallPoll and uninstallTries bound the wait for the service to
	// reach Stopped before it is deleted.
	uninstallPoll  = 500 * time.Millisecond
	uninstallTries = 20
)

// Event IDs written to the Application log.
const (
	eventInfo    uint32 = 1
	eventWarning uint32 = 2
	eventError   uint32 = 3
)

// eventLogWriter forwards encoded zap lines to the Windows Event Log,
// choosing the entry type from the console encoder's level column.
type eventLogWriter struct {
	elog *eventlog.Log
}

func (w *eventLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	var err error
	switch {
	case strings.Contains(msg, "\tERROR\t"), strings.Contains(msg, "\tFATAL\t"), strings.Contains(msg, "\tPANIC\t"):
		err = w.elog.Error(eventError, msg)
	case strings.Contains(msg, "\tWARN\t"):
		err = w.elog.Warning(eventWarning, msg)
	default:
		err = w.elog.Info(eventInfo, msg)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// EventLogWriter opens the named event source for use as an extra zap
// destination.
func EventLogWriter(name string) (io.Writer, error) {
	elog, err := eventlog.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", name, err)
	}
	return &eventLogWriter{elog: elog}, nil
}

func IsWindowsService() bool {
	ok, err := svc.IsWindowsService()
	return err == nil && ok
}

// inventoryService adapts the scheduler/control-surface run function to the
// SCM protocol.
type inventoryService struct {
	log *zap.Logger
	run func(ctx context.Context) error
}

func (s *inventoryService) Execute(_ []string, req <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	s.log.Info("service running")

	for {
		select {
		case err := <-done:
			changes <- svc.Status{State: svc.StopPending}
			if err != nil {
				s.log.Error("service exited", zap.Error(err))
				return false, 1
			}
			s.log.Info("service exited")
			return false, 0

		case cr := <-req:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.log.Info("stop requested, waiting for active work", zap.Duration("grace", stopGrace))
				changes <- svc.Status{State: svc.StopPending, WaitHint: uint32(stopGrace / time.Millisecond)}
				cancel()
				select {
				case <-done:
				case <-time.After(stopGrace):
					s.log.Warn("graceful stop timed out")
				}
				return false, 0
			default:
				s.log.Debug("ignoring service control request", zap.Uint32("cmd", uint32(cr.Cmd)))
			}
		}
	}
}

// RunService blocks until the SCM stops the service. ctx passed to run is
// cancelled on Stop or Shutdown.
func RunService(name string, logger *zap.Logger, run func(ctx context.Context) error) error {
	return svc.Run(name, &inventoryService{log: logger.With(zap.String("service", name)), run: run})
}

// Install registers the service for automatic start with restart-on-failure
// recovery and creates its event source.
func Install(name, displayName, description, exePath string, args []string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to SCM: %w", err)
	}
	defer m.Disconnect()

	if existing, err := m.OpenService(name); err == nil {
		existing.Close()
		return fmt.Errorf("service %s already exists", name)
	}

	s, err := m.CreateService(name, exePath, mgr.Config{
		DisplayName:      displayName,
		Description:      description,
		StartType:        mgr.StartAutomatic,
		DelayedAutoStart: true,
	}, args...)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer s.Close()

	recovery := []mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 2 * time.Minute},
		{Type: mgr.NoAction},
	}
	if err := s.SetRecoveryActions(recovery, uint32((24 * time.Hour).Seconds())); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not set recovery actions: %v\n", err)
	}

	if err := eventlog.InstallAsEventCreate(name, eventlog.Error|eventlog.Warning|eventlog.Info); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not install event log source: %v\n", err)
	}
	return nil
}

// Uninstall stops the service if needed, deletes it and removes its event
// source.
func Uninstall(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("open service %s: %w", name, err)
	}
	defer s.Close()

	if st, err := s.Query(); err == nil && st.State != svc.Stopped {
		if _, err := s.Control(svc.Stop); err != nil {
			return fmt.Errorf("stop service %s: %w", name, err)
		}
		if err := waitStopped(s); err != nil {
			return err
		}
	}

	if err := s.Delete(); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	_ = eventlog.Remove(name)
	return nil
}

func waitStopped(s *mgr.Service) error {
	for range uninstallTries {
		time.Sleep(uninstallPoll)
		st, err := s.Query()
		if err != nil {
			return fmt.Errorf("query service: %w", err)
		}
		if st.State == svc.Stopped {
			return nil
		}
	}
	return errors.New("service did not stop in time")
}

// ExePath returns the absolute path of the running binary, used as the
// service image path.
func ExePath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return p, nil
}
