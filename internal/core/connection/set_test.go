package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridsync/gridsync/internal/core/packet"
)

func TestSetPipeEventStream(t *testing.T) {
	desc := &Description{Type: TypePipe, Hostname: "set-test"}
	l, err := Listen(desc)
	require.NoError(t, err)

	set := NewSet(nil)
	require.NoError(t, set.AddListener(l))
	defer func() {
		_ = set.Close()
		set.Wait()
	}()

	client, err := Dial(context.Background(), desc)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ev, err := set.Select()
	require.NoError(t, err)
	require.Equal(t, EventConnect, ev.Type)
	server := ev.Connection
	require.NoError(t, set.AddConnection(server))
	defer func() { _ = server.Close() }()

	p := &packet.Packet{
		Command:   packet.CmdNodeCustom,
		SessionID: 3,
		ObjectID:  9,
		Payload:   []byte("frame body"),
	}
	frame := p.Encode()
	written, err := client.Write(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), written)

	ev, err = set.Select()
	require.NoError(t, err)
	require.Equal(t, EventPacket, ev.Type)
	got, err := packet.Decode(ev.Frame)
	require.NoError(t, err)
	require.Equal(t, p.Command, got.Command)
	require.Equal(t, p.SessionID, got.SessionID)
	require.Equal(t, []byte("frame body"), got.Payload)

	require.NoError(t, client.Close())
	ev, err = set.Select()
	require.NoError(t, err)
	require.Equal(t, EventDisconnect, ev.Type)
	require.Equal(t, server, ev.Connection)
}

func TestSetRemoveConnectionSilencesReader(t *testing.T) {
	desc := &Description{Type: TypePipe, Hostname: "set-remove-test"}
	l, err := Listen(desc)
	require.NoError(t, err)

	set := NewSet(nil)
	require.NoError(t, set.AddListener(l))
	defer func() {
		_ = set.Close()
		set.Wait()
	}()

	client, err := Dial(context.Background(), desc)
	require.NoError(t, err)

	ev, err := set.Select()
	require.NoError(t, err)
	server := ev.Connection
	require.NoError(t, set.AddConnection(server))

	set.RemoveConnection(server)
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	// no disconnect event for a removed connection
	select {
	case ev := <-set.Events():
		t.Fatalf("unexpected event %s after removal", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialUnknownPipe(t *testing.T) {
	_, err := Dial(context.Background(), &Description{Type: TypePipe, Hostname: "nobody-listens"})
	require.ErrorIs(t, err, ErrPipeNotFound)
}

func TestDialUnknownTransport(t *testing.T) {
	_, err := Dial(context.Background(), &Description{Type: "carrier-pigeon"})
	require.ErrorIs(t, err, ErrUnknownTransport)
}
