package gowmbus

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gitlab.com/d21d3q/wmbusd/internal/decoder"
	"gitlab.com/d21d3q/wmbusd/internal/driver/builtin"
	"gitlab.com/d21d3q/wmbusd/internal/server"
)

const (
	tapCompact = "23442D2C998734761B168D2087D19EAD217F1779EDA86AB6710008190000081900007F13"
	lansen     = "234433300602010014007a8e0000002f2f0efd3a1147000000008e40fd3a341200000000"
)

func startDaemon(t *testing.T) (string, func()) {
	t.Helper()
	log, _ := test.NewNullLogger()
	srv := server.New(server.Config{TCP: "127.0.0.1:0", Session: server.DefaultOptions()},
		decoder.New(builtin.Registry(), log), log)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	return srv.Addrs()[0].String(), func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestClientDecodeBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := startDaemon(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	results, err := c.DecodeBatch(ctx, []Request{
		{Telegram: multicalEncrypted, Key: multicalKey},
		{Telegram: "ZZZZ_NOT_HEX"},
		{Telegram: lansen},
		{Telegram: tapCompact, Key: multicalKey},
		{Telegram: multicalEncrypted, Key: "00000000000000000000000000000000"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	require.NoError(t, results[0].Err())
	require.Equal(t, "multical21", results[0].Meter)
	total, err := results[0].FieldSet().Float("total_m3")
	require.NoError(t, err)
	require.Equal(t, 6.408, total)

	require.ErrorContains(t, results[1].Err(), "invalid hex")
	require.Equal(t, "ZZZZ_NOT_HEX", results[1].Telegram)

	require.Equal(t, "lansenpu", results[2].Meter)
	a, err := results[2].FieldSet().Int("a_counter")
	require.NoError(t, err)
	require.Equal(t, int64(4711), a)

	require.NoError(t, results[3].Err())
	dry, err := results[3].FieldSet().String("time_dry")
	require.NoError(t, err)
	require.Equal(t, "22-31 days", dry)

	require.ErrorContains(t, results[4].Err(), "decryption failed")
	require.Equal(t, "76348799", results[4].ID)

	// The connection stays usable after failures.
	res, err := c.Decode(ctx, Request{Telegram: multicalEncrypted, Key: multicalKey})
	require.NoError(t, err)
	require.Equal(t, results[0].String(), res.String())

	empty, err := c.DecodeBatch(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestClientContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	addr, stop := startDaemon(t)
	defer stop()

	c, err := Dial(context.Background(), "tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Decode(ctx, Request{Telegram: lansen})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClientBrokenAfterFailedExchange(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, daemon := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		defer daemon.Close()
		rd := bufio.NewReader(daemon)
		for range 2 {
			if _, err := rd.ReadString('\n'); err != nil {
				return
			}
		}
		daemon.Write([]byte("not a response\n"))
		rd.ReadString('\n')
	}()

	c := NewClient(client)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.DecodeBatch(ctx, []Request{{Telegram: lansen}, {Telegram: lansen}})
	require.ErrorContains(t, err, "wmbusd exchange")
	<-served

	_, err = c.Decode(ctx, Request{Telegram: lansen})
	require.ErrorIs(t, err, ErrClientBroken)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "unix", "/nonexistent/wmbusd.sock")
	require.ErrorContains(t, err, "dial wmbusd")
}
