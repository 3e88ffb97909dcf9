package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"gitlab.com/d21d3q/wmbusd/internal/decoder"
	"gitlab.com/d21d3q/wmbusd/internal/driver/builtin"
)

const multicalJSON = `{"_":"telegram","media":"cold water","meter":"multical21","id":"76348799",` +
	`"current_status":"DRY","external_temperature_c":19,"flow_temperature_c":127,"status":"DRY",` +
	`"target_m3":6.408,"time_bursting":"","time_dry":"22-31 days","time_leaking":"","time_reversed":"","total_m3":6.408}`

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wmbusd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "wmbusd.sock")
}

func startServer(t *testing.T, cfg Config) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	log, _ := test.NewNullLogger()
	srv := New(cfg, decoder.New(builtin.Registry(), log), log)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	return srv, cancel, done
}

func roundTrip(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	resp, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return resp
}

func TestServerTCPAndUnix(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := socketPath(t)
	cfg := Config{TCP: "127.0.0.1:0", Unix: path, UnixMode: 0o660, Session: DefaultOptions()}
	srv, cancel, done := startServer(t, cfg)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o660), fi.Mode().Perm())

	addrs := srv.Addrs()
	require.Len(t, addrs, 2)
	request := `{"telegram":"` + multicalEncrypted + `","key":"` + multicalKey + `"}`
	for _, addr := range addrs {
		conn, err := net.Dial(addr.Network(), addr.String())
		require.NoError(t, err)
		require.Equal(t, multicalJSON+"\n", roundTrip(t, conn, request))
		conn.Close()
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.Zero(t, srv.Live())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestServerShutdownClosesSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cancel, done := startServer(t, Config{TCP: "127.0.0.1:0", Session: DefaultOptions()})
	addr := srv.Addrs()[0]
	conn, err := net.Dial(addr.Network(), addr.String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Live() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServerNewConnectionStartsCold(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cancel, done := startServer(t, Config{TCP: "127.0.0.1:0", Session: DefaultOptions()})
	defer func() {
		cancel()
		<-done
	}()
	addr := srv.Addrs()[0]
	request := `{"telegram":"` + multicalEncrypted + `","key":"` + multicalKey + `"}`

	var got []string
	for range 2 {
		conn, err := net.Dial(addr.Network(), addr.String())
		require.NoError(t, err)
		got = append(got, roundTrip(t, conn, request))
		conn.Close()
	}
	require.Equal(t, got[0], got[1])
}

func TestListenUnixStaleSocket(t *testing.T) {
	path := socketPath(t)

	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	l, err = listenUnix(path, 0o600)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))
	_, err = listenUnix(path, 0)
	require.ErrorContains(t, err, "not a socket")
}

func TestListenFailures(t *testing.T) {
	log, _ := test.NewNullLogger()
	d := decoder.New(builtin.Registry(), log)

	require.Error(t, New(Config{}, d, log).Listen())

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	err = New(Config{TCP: busy.Addr().String(), Unix: socketPath(t)}, d, log).Listen()
	require.ErrorContains(t, err, "listen tcp")

	require.Error(t, New(Config{TCP: "127.0.0.1:0"}, d, log).Serve(context.Background()))
}

// flakyListener fails its first Accept.
type flakyListener struct {
	net.Listener
	failed *atomic.Bool
}

func (l flakyListener) Accept() (net.Conn, error) {
	if l.failed.CompareAndSwap(false, true) {
		return nil, errors.New("too many open files")
	}
	return l.Listener.Accept()
}

func TestServerRetriesFailedAccept(t *testing.T) {
	defer goleak.VerifyNone(t)

	log, hook := test.NewNullLogger()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{Session: DefaultOptions()}, decoder.New(builtin.Registry(), log), log)
	srv.listeners = append(srv.listeners, flakyListener{Listener: l, failed: atomic.NewBool(false)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	request := `{"telegram":"` + multicalEncrypted + `","key":"` + multicalKey + `"}`
	require.Equal(t, multicalJSON+"\n", roundTrip(t, conn, request))
	conn.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "accept failed" {
			warned = true
		}
	}
	require.True(t, warned)
}
