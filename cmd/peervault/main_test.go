package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peervault/peervault/internal/client"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/pkg/bytesize"
	"github.com/peervault/peervault/testutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfigFile(t *testing.T, path string) {
	t.Helper()
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
}

func TestCoordinatorConfig_FlagsOverrideFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	withConfigFile(t, testutil.TempFile(t, dir, "coordinator.yaml", `
listen: ":9000"
replication_factor: 5
min_replicas: 3
max_payload: "1MB"
`))

	var f serveFlags
	cmd := &cobra.Command{}
	f.bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--listen", ":7000", "--max-payload", "2MB", "--no-metrics"}))

	cfg, err := coordinatorConfig(cmd, &f)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 5, cfg.ReplicationFactor)
	assert.Equal(t, 3, cfg.MinReplicas)
	assert.Equal(t, int64(2*bytesize.MB), cfg.MaxPayload.Bytes())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestCoordinatorConfig_DefaultsWithoutFile(t *testing.T) {
	withConfigFile(t, "")

	var f serveFlags
	cmd := &cobra.Command{}
	f.bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--replication-factor", "1"}))

	cfg, err := coordinatorConfig(cmd, &f)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultListen, cfg.Listen)
	assert.Equal(t, 1, cfg.ReplicationFactor)
	assert.Equal(t, 1, cfg.MinReplicas, "min replicas follows a lowered factor")
	assert.True(t, cfg.Metrics.Enabled)
}

func TestCoordinatorConfig_InvalidFlags(t *testing.T) {
	withConfigFile(t, "")

	tests := []struct {
		name string
		args []string
	}{
		{"min above factor", []string{"--replication-factor", "2", "--min-replicas", "3"}},
		{"bad payload", []string{"--max-payload", "lots"}},
		{"bad timeout", []string{"--operation-timeout", "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f serveFlags
			cmd := &cobra.Command{}
			f.bind(cmd)
			require.NoError(t, cmd.ParseFlags(tt.args))
			_, err := coordinatorConfig(cmd, &f)
			assert.Error(t, err)
		})
	}
}

func TestPeerConfig_FlagsOverrideFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	withConfigFile(t, testutil.TempFile(t, dir, "peer.yaml", `
id: "from-file"
server: "http://coord:8000"
data_dir: "/var/lib/peervault"
`))

	var f peerFlags
	cmd := &cobra.Command{}
	f.bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--id", "node-7", "--compression=false", "--max-payload", "128MB"}))

	cfg, err := peerConfig(cmd, &f)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.ID)
	assert.Equal(t, "http://coord:8000", cfg.Server)
	assert.Equal(t, "/var/lib/peervault", cfg.DataDir)
	assert.False(t, cfg.Compression)
	assert.Equal(t, 128*bytesize.MB, cfg.MaxPayload.Bytes())
}

func TestPeerConfig_RequiresID(t *testing.T) {
	withConfigFile(t, "")

	var f peerFlags
	cmd := &cobra.Command{}
	f.bind(cmd)
	require.NoError(t, cmd.ParseFlags(nil))

	_, err := peerConfig(cmd, &f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}

func TestClientFlags_ServerURL(t *testing.T) {
	t.Setenv(ServerEnv, "")
	assert.Equal(t, config.DefaultServer, (&clientFlags{}).serverURL())

	t.Setenv(ServerEnv, "http://env:8000")
	assert.Equal(t, "http://env:8000", (&clientFlags{}).serverURL())
	assert.Equal(t, "http://flag:8000", (&clientFlags{server: "http://flag:8000"}).serverURL())
}

func TestRenderFiles(t *testing.T) {
	var buf bytes.Buffer
	renderFiles(&buf, nil)
	assert.Contains(t, buf.String(), "No files stored.")

	buf.Reset()
	renderFiles(&buf, []client.File{
		{ID: "A1B2C3D4", Name: "report.txt", Size: 2048, Date: time.Now(), Checksum: strings.Repeat("ab", 32), Replicas: []string{"A", "B"}},
		{ID: "E5F6A7B8", Name: "photo.jpg", Size: 3 * bytesize.MB, Date: time.Now(), Replicas: []string{"C"}},
	})
	out := buf.String()
	assert.Contains(t, out, "A1B2C3D4")
	assert.Contains(t, out, "report.txt")
	assert.Contains(t, out, "A,B")
	assert.Contains(t, out, "abababababab")
	assert.NotContains(t, out, strings.Repeat("ab", 32))
	assert.Contains(t, out, "2 files")
}

func TestWriteDownload(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	d := &client.Download{FileID: "F1", Name: "../../etc/evil.txt", Data: []byte("payload")}
	path, err := writeDownload(dir, d, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "evil.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = writeDownload(dir, d, false)
	assert.ErrorContains(t, err, "already exists")

	d.Data = []byte("newer")
	_, err = writeDownload(dir, d, true)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))
}

func TestWriteExampleConfigs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	written, err := writeExampleConfigs(dir, "node-1", false)
	require.NoError(t, err)
	require.Len(t, written, 2)

	coordCfg, err := config.LoadCoordinatorConfig(filepath.Join(dir, "coordinator.yaml"))
	require.NoError(t, err)
	require.NoError(t, coordCfg.Validate())
	assert.Equal(t, config.DefaultReplicationFactor, coordCfg.ReplicationFactor)
	assert.Equal(t, int64(config.DefaultMaxPayload), coordCfg.MaxPayload.Bytes())

	peerCfg, err := config.LoadPeerConfig(filepath.Join(dir, "peer.yaml"))
	require.NoError(t, err)
	require.NoError(t, peerCfg.Validate())
	assert.Equal(t, "node-1", peerCfg.ID)

	_, err = writeExampleConfigs(dir, "node-1", false)
	assert.ErrorContains(t, err, "already exists")
	_, err = writeExampleConfigs(dir, "node-2", true)
	assert.NoError(t, err)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "peervault "+Version)
}
