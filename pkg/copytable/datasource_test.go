package copytable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDatasource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDatasource(t *testing.T) {
	path := writeDatasource(t, "host: db1\nport: 3307\nusername: alice\npassword: secret\n")
	ep, err := LoadDatasource(path)
	require.NoError(t, err)
	assert.Equal(t, MySQLEndpoint{User: "alice", Password: "secret", Host: "db1", Port: 3307}, ep)
}

func TestLoadDatasourceDefaultsPort(t *testing.T) {
	path := writeDatasource(t, "host: db1\nusername: alice\n")
	ep, err := LoadDatasource(path)
	require.NoError(t, err)
	assert.Equal(t, 3306, ep.Port)
}

func TestLoadDatasourceSocket(t *testing.T) {
	path := writeDatasource(t, "socket: /tmp/mysql.sock\nusername: alice\n")
	ep, err := LoadDatasource(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mysql.sock", ep.Socket)
	assert.Equal(t, 0, ep.Port)
}

func TestLoadDatasourceErrors(t *testing.T) {
	_, err := LoadDatasource(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, InvocationError, KindOf(err))

	path := writeDatasource(t, "host: db1\n")
	_, err = LoadDatasource(path)
	require.Error(t, err)

	path = writeDatasource(t, "username: alice\n")
	_, err = LoadDatasource(path)
	require.Error(t, err)

	path = writeDatasource(t, "nonsense: [\n")
	_, err = LoadDatasource(path)
	require.Error(t, err)
}
