package svc

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServiceConfig(t *testing.T) {
	serve := DefaultServiceConfig(ModeServe)
	assert.Equal(t, "peervault-coordinator", serve.Name)
	assert.Equal(t, "coordinator.yaml", filepath.Base(serve.ConfigPath))

	peer := DefaultServiceConfig(ModePeer)
	assert.Equal(t, "peervault-peer", peer.Name)
	assert.Equal(t, "peer.yaml", filepath.Base(peer.ConfigPath))
}

func TestArguments(t *testing.T) {
	cfg := &ServiceConfig{Mode: ModePeer, ConfigPath: "/etc/peervault/peer.yaml"}
	assert.Equal(t, []string{"peer", "--service-run", "--config", "/etc/peervault/peer.yaml"}, Arguments(cfg))

	svcCfg := NewServiceConfig(&ServiceConfig{Name: "x", Mode: ModeServe, ConfigPath: "c.yaml"})
	assert.Equal(t, "x", svcCfg.Name)
	assert.Equal(t, "serve", svcCfg.Arguments[0])
	if runtime.GOOS == "linux" {
		assert.Equal(t, "on-failure", svcCfg.Option["Restart"])
	}
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeServe))
	assert.True(t, ValidMode(ModePeer))
	assert.False(t, ValidMode("join"))

	_, err := Status(&ServiceConfig{Name: "x", Mode: "join"})
	assert.Error(t, err)
	assert.Error(t, Control(DefaultServiceConfig(ModePeer), "explode"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "not installed", StatusString(service.StatusUnknown))
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan struct{})
	prg := &Program{
		Mode: ModePeer,
		Run: func(ctx context.Context, configPath string) error {
			assert.Equal(t, "peer.yaml", configPath)
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		ConfigPath: "peer.yaml",
	}
	require.NoError(t, prg.Start(nil))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_StopReturnsRunError(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{Mode: ModeServe, Run: func(context.Context, string) error { return boom }}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgram_StartWithoutRun(t *testing.T) {
	assert.Error(t, (&Program{Mode: ModeServe}).Start(nil))
}

func TestLogCommand(t *testing.T) {
	cmd, err := LogCommand(LogOptions{ServiceName: "peervault-peer", Lines: 10, Follow: true})
	switch runtime.GOOS {
	case "linux":
		require.NoError(t, err)
		assert.Contains(t, cmd.Args, "journalctl")
		assert.Contains(t, cmd.Args, "peervault-peer")
		assert.Contains(t, cmd.Args, "-f")
	case "darwin":
		require.NoError(t, err)
		assert.Contains(t, cmd.Args, "/var/log/peervault-peer.out.log")
	}
}
