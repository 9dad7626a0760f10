package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandLaunchCommand(t *testing.T) {
	tokens := map[byte]string{
		'h': "render1",
		'a': "10.0.0.1:4242",
		'r': "17",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"all tokens", "ssh %h noded --join %a --launch-id %r", "ssh render1 noded --join 10.0.0.1:4242 --launch-id 17"},
		{"literal percent", "nice -n 10%% %h", "nice -n 10% render1"},
		{"unknown token kept", "run %z %h", "run %z render1"},
		{"trailing percent", "run %", "run %"},
		{"no tokens", "noded", "noded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExpandLaunchCommand(tt.template, tokens))
		})
	}
}

func TestSplitCommand(t *testing.T) {
	require.Equal(t,
		[]string{"ssh", "-l", "render user", "host", "noded"},
		SplitCommand(`ssh -l "render user" host noded`))
	require.Equal(t, []string{"noded"}, SplitCommand("  noded  "))
	require.Nil(t, SplitCommand(""))
}

func TestDescriptionAddress(t *testing.T) {
	tcp := &Description{Type: TypeTCP, Hostname: "render1", Port: 4242}
	require.Equal(t, "render1:4242", tcp.Address())
	require.Equal(t, "tcp://render1:4242", tcp.String())

	pipe := &Description{Type: TypePipe, Hostname: "node-x"}
	require.Equal(t, "node-x", pipe.Address())
}
