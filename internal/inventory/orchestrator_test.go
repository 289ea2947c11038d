package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-tangra/go-tangra-swinventory/internal/hosts"
	"github.com/go-tangra/go-tangra-swinventory/internal/normalize"
	"github.com/go-tangra/go-tangra-swinventory/internal/remote"
	"github.com/go-tangra/go-tangra-swinventory/internal/store"
)

type collectorFunc func(ctx context.Context, host string) ([]remote.Entry, error)

func (f collectorFunc) Collect(ctx context.Context, host string) ([]remote.Entry, error) {
	return f(ctx, host)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver:      "sqlite",
		Database:    filepath.Join(t.TempDir(), "inv.db"),
		ProdTable:   "table_prod",
		BackupTable: "table_backup",
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var start = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func TestRunOnceEndToEnd(t *testing.T) {
	st := openStore(t)
	dumpDir := t.TempDir()

	c := collectorFunc(func(_ context.Context, host string) ([]remote.Entry, error) {
		return []remote.Entry{{
			Name: "Tool (x64) 1.2.3", Publisher: "Interflex Systems", InstallDate: "20230115",
			Size: "1024", Version: "1.2.3", Hostname: host,
		}}, nil
	})

	o := New(c, st, hosts.Static{"pc-01"}, Options{
		Workers: 2, BackupBeforeRun: true, DumpDir: dumpDir, Clock: clockwork.NewFakeClockAt(start),
	}, nil)

	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.HostsProcessed)
	assert.Equal(t, 0, summary.HostsFailed)
	assert.Equal(t, 1, summary.RecordsInserted)

	rows, total, err := st.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Tool", rows[0].Name)
	assert.Equal(t, "Interflex Datensysteme GmbH & Co. KG", rows[0].Publisher)
	assert.Equal(t, "2023-01-15", rows[0].InstallDate.Format("2006-01-02"))
	assert.EqualValues(t, 1024, rows[0].ProgramSize)
	assert.Equal(t, "1.2.3", rows[0].Version)
	assert.Equal(t, "pc-01", rows[0].Hostname)
	assert.True(t, rows[0].IsNew)

	meta, err := st.Metadata(context.Background())
	require.NoError(t, err)
	require.NotNil(t, meta.LastInventoryStart)
	require.NotNil(t, meta.NextInventoryRun)
	assert.True(t, start.Equal(*meta.LastInventoryStart))
	assert.True(t, start.AddDate(0, 0, 14).Equal(*meta.NextInventoryRun))

	data, err := os.ReadFile(filepath.Join(dumpDir, "pc-01_output.json"))
	require.NoError(t, err)
	var dumped []normalize.Record
	require.NoError(t, json.Unmarshal(data, &dumped))
	assert.Equal(t, "Tool", dumped[0].Name)

	assert.False(t, o.Running())
	assert.Equal(t, summary.ID, o.Status().LastRun.ID)
}

func TestRunOnceIsolatesHostFailures(t *testing.T) {
	st := openStore(t)

	c := collectorFunc(func(_ context.Context, host string) ([]remote.Entry, error) {
		if host == "h2" {
			return nil, &remote.ConnectionError{Host: host, Err: errors.New("no route to host")}
		}
		return []remote.Entry{{Name: "App " + host}, {Name: "Lib"}}, nil
	})

	o := New(c, st, hosts.Static{"h1", "h2", "h3"}, Options{Workers: 3}, nil)
	summary, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.HostsAttempted)
	assert.Equal(t, 2, summary.HostsProcessed)
	assert.Equal(t, 1, summary.HostsFailed)
	assert.Equal(t, 4, summary.RecordsInserted)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "h2", summary.Failures[0].Host)
	assert.Contains(t, summary.Failures[0].Error, "no route to host")

	_, total, err := st.List(context.Background(), store.ListFilter{Hostname: "h3"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestEmptyOutputIsCountedAsFailure(t *testing.T) {
	st := openStore(t)
	c := collectorFunc(func(context.Context, string) ([]remote.Entry, error) {
		return nil, remote.ErrEmptyOutput
	})

	summary, err := New(c, st, hosts.Static{"h1"}, Options{}, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.HostsFailed)
	assert.Equal(t, 0, summary.HostsProcessed)

	_, total, err := st.List(context.Background(), store.ListFilter{Hostname: "h1"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

// droppingStore loses its database connection on every insert.
type droppingStore struct {
	*store.Store
}

func (droppingStore) Insert(context.Context, string, []normalize.Record) (int, error) {
	return 0, &store.ConnectionError{Driver: "sqlite", Err: errors.New("connection reset by peer")}
}

func TestLostDatabaseConnectionAbortsRun(t *testing.T) {
	st := openStore(t)
	c := collectorFunc(func(_ context.Context, host string) ([]remote.Entry, error) {
		return []remote.Entry{{Name: "App " + host}}, nil
	})

	o := New(c, droppingStore{st}, hosts.Static{"h1", "h2", "h3"}, Options{Workers: 1}, nil)
	summary, err := o.RunOnce(context.Background())

	var connErr *store.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.NotEmpty(t, summary.Error)
	assert.Equal(t, 0, summary.RecordsInserted)
	assert.False(t, o.Running())

	meta, err := st.Metadata(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, meta.LastInventoryStart)
	assert.Nil(t, meta.LastEndTime)
	assert.Nil(t, meta.NextInventoryRun)
}

func TestSecondRunFlipsFreshness(t *testing.T) {
	st := openStore(t)
	c := collectorFunc(func(context.Context, string) ([]remote.Entry, error) {
		return []remote.Entry{{Name: "App"}}, nil
	})
	o := New(c, st, hosts.Static{"h1"}, Options{BackupBeforeRun: true}, nil)

	_, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = o.RunOnce(context.Background())
	require.NoError(t, err)

	_, total, err := st.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, fresh, err := st.List(context.Background(), store.ListFilter{OnlyNew: true})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh)
}

func TestSingleFlight(t *testing.T) {
	st := openStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c := collectorFunc(func(context.Context, string) ([]remote.Entry, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil
	})
	o := New(c, st, hosts.Static{"h1"}, Options{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	assert.True(t, o.Running())
	status := o.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.HostsTotal)

	_, err := o.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = o.Begin()
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, o.Running())

	run, err := o.Begin()
	require.NoError(t, err)
	_, err = run.Execute(context.Background())
	require.NoError(t, err)
	_, err = run.Execute(context.Background())
	assert.Error(t, err)
}

type brokenStore struct{ Store }

func (brokenStore) Connect(context.Context) error {
	return &store.ConnectionError{Driver: "sqlserver", Err: errors.New("login failed")}
}

func TestConnectionFailureAbortsRun(t *testing.T) {
	called := false
	c := collectorFunc(func(context.Context, string) ([]remote.Entry, error) {
		called = true
		return nil, nil
	})
	o := New(c, brokenStore{}, hosts.Static{"h1"}, Options{}, nil)

	summary, err := o.RunOnce(context.Background())
	var connErr *store.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, called)
	assert.NotEmpty(t, summary.Error)
	assert.False(t, o.Running())
}

func TestIsHostError(t *testing.T) {
	assert.True(t, IsHostError(remote.ErrEmptyOutput))
	assert.True(t, IsHostError(&store.InsertError{Host: "h", Err: errors.New("x")}))
	assert.False(t, IsHostError(&store.ConnectionError{Err: errors.New("x")}))
	assert.False(t, IsHostError(&store.InsertError{Host: "h", Err: &store.ConnectionError{Err: errors.New("x")}}))
	assert.False(t, IsHostError(errors.New("unexpected")))
}

func TestNextRun(t *testing.T) {
	assert.Equal(t, start.AddDate(0, 0, 21), NextRun(start, 3))
	assert.Equal(t, start.AddDate(0, 0, 7), NextRun(start, 0))
}
