package output

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"vis-service/internal/eventloop"
	"vis-service/internal/feed"
	"vis-service/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cdQuality = feed.AudioFormat{SampleRate: 44100, Format: feed.SampleS16, Channels: 2}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOutput(t *testing.T, stateOpts ...feed.Option) (*Output, *eventloop.Loop) {
	t.Helper()

	loop := eventloop.New(quietLogger())
	go loop.Run(context.Background())
	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
	})

	cfg := relay.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.ReapInterval = 50 * time.Millisecond

	out := New(cfg, loop, quietLogger(), WithFeedOptions(stateOpts...))
	t.Cleanup(func() { _ = out.Shutdown() })
	return out, loop
}

func dial(t *testing.T, out *Output) net.Conn {
	t.Helper()
	view, err := out.Clients()
	require.NoError(t, err)
	require.NotEmpty(t, view.Address)

	conn, err := net.DialTimeout("tcp", view.Address, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echo(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, relay.IsClosedError(err), "expected closed connection, got %v", err)
}

func TestEnableAcceptsClients(t *testing.T) {
	out, _ := newTestOutput(t)

	view, err := out.Clients()
	require.NoError(t, err)
	assert.False(t, view.Enabled)

	require.NoError(t, out.Enable(context.Background()))
	require.NoError(t, out.Enable(context.Background()), "enable twice is harmless")

	conn := dial(t, out)
	echo(t, conn, "ping")

	view, err = out.Clients()
	require.NoError(t, err)
	assert.True(t, view.Enabled)
	assert.Equal(t, 1, view.Count)
	require.Len(t, view.Clients, 1)
	assert.Equal(t, uint64(4), view.Clients[0].BytesOut)
}

func TestDisableClosesClients(t *testing.T) {
	out, _ := newTestOutput(t)
	require.NoError(t, out.Enable(context.Background()))

	conn := dial(t, out)
	echo(t, conn, "hello")

	require.NoError(t, out.Disable())
	expectClosed(t, conn)

	require.NoError(t, out.Disable(), "disable twice is harmless")

	view, err := out.Clients()
	require.NoError(t, err)
	assert.False(t, view.Enabled)
	assert.Equal(t, 0, view.Count)
	assert.Empty(t, view.Address)
}

func TestPlayDepositsWholeBlock(t *testing.T) {
	var reports []feed.Report
	out, _ := newTestOutput(t, feed.WithReportHook(func(r feed.Report) { reports = append(reports, r) }))

	require.NoError(t, out.Open(cdQuality))

	block := make([]byte, 1024)
	for i := 0; i < 500; i++ {
		assert.Equal(t, 1024, out.Play(block))
	}

	snap := out.Snapshot()
	assert.True(t, snap.Started)
	assert.Equal(t, uint64(500*1024), snap.CumulativeBytes)
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(500), reports[0].Calls)

	out.Close()
	assert.False(t, out.Snapshot().Open)
}

func TestOpenRejectsInvalidFormat(t *testing.T) {
	out, _ := newTestOutput(t)

	err := out.Open(feed.AudioFormat{SampleRate: 0, Format: feed.SampleS16, Channels: 2})
	assert.ErrorIs(t, err, feed.ErrInvalidFormat)
	assert.False(t, out.Snapshot().Open)
}

func TestDelayTracksProducedAudio(t *testing.T) {
	out, _ := newTestOutput(t)
	require.NoError(t, out.Open(cdQuality))

	// ten seconds of audio produced at once
	out.Play(make([]byte, cdQuality.BytesPerSecond()*10))
	delay := out.Delay()
	assert.Greater(t, delay, 9*time.Second)
	assert.LessOrEqual(t, delay, 10*time.Second)
}

func TestShutdownClosesServerBeforeState(t *testing.T) {
	out, _ := newTestOutput(t)
	state := out.state
	require.NoError(t, out.Enable(context.Background()))
	require.NoError(t, out.Open(cdQuality))
	out.Play(make([]byte, 4096))

	conn := dial(t, out)
	echo(t, conn, "bye")

	require.NoError(t, out.Shutdown())
	expectClosed(t, conn)
	assert.False(t, state.Snapshot().Open)

	// the handle is inert afterwards
	require.NoError(t, out.Shutdown())
	assert.Equal(t, 10, out.Play(make([]byte, 10)))
	assert.ErrorIs(t, out.Enable(context.Background()), relay.ErrServerClosed)
	assert.ErrorIs(t, out.Open(cdQuality), relay.ErrServerClosed)
	_, err := out.Clients()
	assert.ErrorIs(t, err, relay.ErrServerClosed)
	assert.NoError(t, out.Disable())
}

func TestShutdownAfterLoopStopped(t *testing.T) {
	out, loop := newTestOutput(t)
	state := out.state
	require.NoError(t, out.Enable(context.Background()))
	require.NoError(t, out.Open(cdQuality))

	conn := dial(t, out)
	echo(t, conn, "x")

	loop.Stop()
	<-loop.Done()

	require.NoError(t, out.Shutdown())
	expectClosed(t, conn)
	assert.False(t, state.Snapshot().Open)
}

func TestEnableFailsWhenLoopStopped(t *testing.T) {
	out, loop := newTestOutput(t)
	loop.Stop()
	<-loop.Done()

	err := out.Enable(context.Background())
	assert.ErrorIs(t, err, eventloop.ErrStopped)
}

func TestShutdownKeepsStateWhenServerCloseFails(t *testing.T) {
	out, _ := newTestOutput(t)
	state := out.state
	require.NoError(t, out.Enable(context.Background()))
	require.NoError(t, out.Open(cdQuality))

	conn := dial(t, out)
	echo(t, conn, "still here")

	out.closeServer = func(*relay.Server) { panic("listener stuck") }
	err := out.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener stuck")

	// the connection may still read the state, so it must stay open
	assert.True(t, state.Snapshot().Open)
	assert.True(t, out.Snapshot().Open)
	echo(t, conn, "again")

	out.closeServer = (*relay.Server).Close
	require.NoError(t, out.Shutdown())
	expectClosed(t, conn)
	assert.False(t, state.Snapshot().Open)
	assert.ErrorIs(t, out.Enable(context.Background()), relay.ErrServerClosed)
}

func TestStateBelongsToOutput(t *testing.T) {
	out, _ := newTestOutput(t, feed.WithReportEvery(2))
	require.NoError(t, out.Open(cdQuality))

	out.Play(make([]byte, 8))
	out.Play(make([]byte, 8))
	assert.Equal(t, uint64(2), out.Snapshot().Calls)

	require.NoError(t, out.Shutdown())
	assert.Equal(t, feed.Snapshot{}, out.Snapshot())
	assert.Equal(t, time.Duration(0), out.Delay())
}
