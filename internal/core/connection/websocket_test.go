package connection

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebSocketByteStream(t *testing.T) {
	l, err := Listen(&Description{Type: TypeWebSocket, Hostname: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	accepted := make(chan Connection, 1)
	go func() {
		c, aerr := l.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()

	client, err := Dial(context.Background(), &Description{Type: TypeWebSocket, Hostname: host, Port: port})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	require.Equal(t, TypeWebSocket, client.Transport())

	server := <-accepted
	defer func() { _ = server.Close() }()

	// two messages read back as one continuous stream
	first := []byte("frame-part-one")
	second := []byte("and-two")
	_, err = client.Write(first)
	require.NoError(t, err)
	_, err = client.Write(second)
	require.NoError(t, err)

	buf := make([]byte, len(first)+len(second))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, append(first, second...), buf)

	// reads split inside one message keep the remainder
	_, err = server.Write([]byte("abcdef"))
	require.NoError(t, err)
	small := make([]byte, 2)
	_, err = io.ReadFull(client, small)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), small)
	rest := make([]byte, 4)
	_, err = io.ReadFull(client, rest)
	require.NoError(t, err)
	require.Equal(t, []byte("cdef"), rest)
}
