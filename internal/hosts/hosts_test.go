package hosts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	in := "\ufeffsite,Hostname\n" +
		"berlin, pc-01\n" +
		"# decommissioned\n" +
		"berlin,\n" +
		"munich,PC-01\n" +
		"munich,pc-02\n" +
		"hamburg\n"

	got, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"pc-01", "pc-02"}, got)
}

func TestReadMissingColumn(t *testing.T) {
	_, err := Read(strings.NewReader("name\npc-01\n"))
	assert.ErrorIs(t, err, ErrNoHostColumn)

	_, err = Read(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoHostColumn)
}

func TestFileAndStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.csv")
	require.NoError(t, os.WriteFile(path, []byte("hostname\nsrv-a\nsrv-b\n"), 0o600))

	got, err := File(path).Hosts()
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-a", "srv-b"}, got)

	_, err = File(filepath.Join(t.TempDir(), "missing.csv")).Hosts()
	assert.ErrorIs(t, err, os.ErrNotExist)

	got, _ = Static{" a ", "b", "A", ""}.Hosts()
	assert.Equal(t, []string{"a", "b"}, got)
}
