package iothub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionString(t *testing.T) {
	d, err := ParseConnectionString("HostName=myhub.azure-devices.net;DeviceId=foo;SharedAccessKey=c2VjcmV0=")
	require.NoError(t, err)

	assert.Equal(t, "myhub.azure-devices.net", d.HostName)
	assert.Equal(t, "foo", d.DeviceID)
	assert.Equal(t, "", d.ModuleID)
	assert.Equal(t, "c2VjcmV0=", d.SharedAccessKey)
}

func TestParseConnectionStringModule(t *testing.T) {
	d, err := ParseConnectionString(" HostName=h;DeviceId=foo;ModuleId=bar; ")
	require.NoError(t, err)
	assert.Equal(t, "foo/bar", d.ClientID())
	assert.Equal(t, "HostName=h;DeviceId=foo;ModuleId=bar", d.ConnectionString())
}

func TestParseConnectionStringInvalid(t *testing.T) {
	for _, cs := range []string{
		"",
		"DeviceId=foo",
		"HostName=h",
		"HostName=h;DeviceId",
	} {
		_, err := ParseConnectionString(cs)
		assert.ErrorIs(t, err, ErrInvalidConnectionString, "connection string %q", cs)
	}
}

func TestConnectionStringRoundTrip(t *testing.T) {
	cs := "HostName=myhub.azure-devices.net;DeviceId=foo;SharedAccessKey=c2VjcmV0"
	d, err := ParseConnectionString(cs)
	require.NoError(t, err)
	assert.Equal(t, cs, d.ConnectionString())
}

func TestWriteReadConnectionString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connection-string")
	cs := "HostName=h;DeviceId=foo;SharedAccessKey=c2VjcmV0"

	require.NoError(t, WriteConnectionString(path, cs))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := ReadConnectionString(path)
	require.NoError(t, err)
	assert.Equal(t, cs, got)
}

func TestWriteConnectionStringRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connection-string")
	assert.ErrorIs(t, WriteConnectionString(path, "DeviceId=foo"), ErrInvalidConnectionString)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestReadConnectionStringErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadConnectionString(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0600))
	_, err = ReadConnectionString(empty)
	assert.ErrorIs(t, err, ErrInvalidConnectionString)
}
