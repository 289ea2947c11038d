package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	caption   string
	inventory Result
	err       error
	scripts   []string
	closed    bool
}

func (s *fakeSession) RunPS(_ context.Context, script string) (Result, error) {
	s.scripts = append(s.scripts, script)
	if s.err != nil {
		return Result{}, s.err
	}
	if script == probeScript {
		return Result{Stdout: s.caption + "\r\n"}, nil
	}
	return s.inventory, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func dialerFor(s *fakeSession) Dialer {
	return DialerFunc(func(context.Context, string) (Session, error) { return s, nil })
}

func encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

func TestCollectStructured(t *testing.T) {
	s := &fakeSession{
		caption: "Microsoft Windows Server 2019 Standard",
		inventory: Result{Stdout: encode(`[
			{"Name":"Tool x64","Publisher":"Interflex GmbH","InstallDate":"20230115","Size":1024,"Version":"1.2.3"},
			{"Name":"Other","Publisher":null,"InstallDate":null,"Size":0,"Version":null}
		]`)},
	}

	entries, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "pc-01")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, Entry{
		Name: "Tool x64", Publisher: "Interflex GmbH", InstallDate: "20230115",
		Size: "1024", Version: "1.2.3", Hostname: "pc-01",
	}, entries[0])
	assert.Equal(t, "pc-01", entries[1].Hostname)
	assert.Empty(t, entries[1].Publisher)

	require.Len(t, s.scripts, 2)
	assert.Equal(t, modernScript, s.scripts[1])
	assert.True(t, s.closed)
}

func TestCollectSingleObject(t *testing.T) {
	s := &fakeSession{
		caption:   "Microsoft Windows 10 Pro",
		inventory: Result{Stdout: encode(`{"Name":"Solo","Version":"2.0"}`)},
	}

	entries, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "pc-02")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Solo", entries[0].Name)
}

func TestCollectLegacy(t *testing.T) {
	report := strings.Join([]string{
		"Name       : Old App",
		"Version    : 4.5",
		"Publisher  : Contoso",
		"Installiert: 20100301",
		"Größe      : 2048 KB",
		"-------------------------------",
		"Name       : Second",
		"Version    : ",
		"Publisher  : ",
		"Installiert: ",
		"Größe      :  KB",
		"-------------------------------",
	}, "\r\n")
	s := &fakeSession{
		caption:   "Microsoft Windows Server 2008 R2 Enterprise",
		inventory: Result{Stdout: encode("\ufeff" + report)},
	}

	entries, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "legacy-01")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, legacyScript, s.scripts[1])

	assert.Equal(t, Entry{
		Name: "Old App", Version: "4.5", Publisher: "Contoso",
		InstallDate: "20100301", Size: "2048", Hostname: "legacy-01",
	}, entries[0])
	assert.Equal(t, "Second", entries[1].Name)
	assert.Equal(t, "0", entries[1].Size)
}

func TestCollectFallsBackToDelimited(t *testing.T) {
	s := &fakeSession{
		caption:   "Microsoft Windows Server 2016",
		inventory: Result{Stdout: encode("Name : Fallback\nVersion : 1\n---\n")},
	}

	entries, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "pc-03")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Fallback", entries[0].Name)
}

func TestCollectErrors(t *testing.T) {
	t.Run("empty output", func(t *testing.T) {
		s := &fakeSession{caption: "Windows 11", inventory: Result{Stdout: encode("  \r\n")}}
		_, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "h")
		assert.ErrorIs(t, err, ErrEmptyOutput)
		assert.True(t, IsHostError(err))

		var parseErr *ParseError
		assert.False(t, errors.As(err, &parseErr))
	})

	t.Run("unparseable", func(t *testing.T) {
		s := &fakeSession{caption: "Windows 11", inventory: Result{Stdout: encode("garbage")}}
		_, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "h")
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, Structured, parseErr.Format)
	})

	t.Run("bad base64", func(t *testing.T) {
		s := &fakeSession{caption: "Windows 11", inventory: Result{Stdout: "%%%"}}
		_, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "h")
		var parseErr *ParseError
		assert.ErrorAs(t, err, &parseErr)
	})

	t.Run("script exit code", func(t *testing.T) {
		s := &fakeSession{caption: "Windows 11", inventory: Result{ExitCode: 1, Stderr: "access denied"}}
		_, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "h")
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, 1, scriptErr.ExitCode)
		assert.Contains(t, err.Error(), "access denied")
	})

	t.Run("transport", func(t *testing.T) {
		s := &fakeSession{err: errors.New("dial tcp: i/o timeout")}
		_, err := NewCollector(dialerFor(s), 0, nil).Collect(context.Background(), "h")
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "h", connErr.Host)
	})

	t.Run("dial", func(t *testing.T) {
		d := DialerFunc(func(context.Context, string) (Session, error) { return nil, errors.New("auth") })
		_, err := NewCollector(d, 0, nil).Collect(context.Background(), "h")
		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})
}

func TestParseDelimitedKeepsTrailingBlock(t *testing.T) {
	entries := ParseDelimited("Name : A\n---\nName : B\nVersion : 2\n")
	require.Len(t, entries, 2)
	assert.Equal(t, "B", entries[1].Name)
	assert.Equal(t, "2", entries[1].Version)

	assert.Empty(t, ParseDelimited("---\n---\n"))
}

func TestDecodePayloadBlankIsEmptyOutput(t *testing.T) {
	for _, tc := range []struct {
		name   string
		stdout string
		format Format
	}{
		{"whitespace", encode("  \r\n"), Structured},
		{"bom only", encode("\ufeff \n"), Delimited},
		{"no output", "", Structured},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePayload("pc-07", tc.format, tc.stdout)
			require.ErrorIs(t, err, ErrEmptyOutput)
			assert.Contains(t, err.Error(), "pc-07")

			var parseErr *ParseError
			assert.False(t, errors.As(err, &parseErr))
		})
	}
}
