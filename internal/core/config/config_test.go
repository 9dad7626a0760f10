package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridsync/gridsync/internal/core/connection"
)

const clusterYAML = `
log_level: debug
auto_launch: true
listen:
  transport: tcp
  host: 0.0.0.0
  port: 4242
peers:
  - name: render1
    endpoints:
      - transport: tcp
        host: render1
        port: 4242
        launch_command: "ssh %h noded --join %a --launch-id %r"
        launch_timeout: 15s
        bandwidth: 102400
  - name: render2
    endpoints:
      - transport: websocket
        host: render2
        port: 8080
      - transport: pipe
        host: render2-local
`

func TestLoadYAML(t *testing.T) {
	c, err := LoadYAML(strings.NewReader(clusterYAML))
	require.NoError(t, err)

	require.Equal(t, "debug", c.LogLevel)
	require.True(t, c.AutoLaunch)
	require.NotNil(t, c.Listen)
	require.Equal(t, 4242, c.Listen.Port)
	require.Len(t, c.Peers, 2)

	r1 := c.Peers[0]
	require.Equal(t, "render1", r1.Name)
	desc := r1.Endpoints[0].Description()
	require.Equal(t, connection.TypeTCP, desc.Type)
	require.Equal(t, "render1", desc.Hostname)
	require.Equal(t, 15*time.Second, desc.LaunchTimeout)
	require.EqualValues(t, 102400, desc.Bandwidth)
	require.Contains(t, desc.LaunchCommand, "%h")

	require.Equal(t, connection.TypePipe, c.Peers[1].Endpoints[1].Description().Type)
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	_, err := LoadYAML(strings.NewReader(`
peers:
  - name: bad
    endpoints:
      - transport: smoke-signal
        host: somewhere
`))
	require.ErrorIs(t, err, connection.ErrUnknownTransport)
}

func TestValidateRejectsIncompleteEndpoints(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"peer without name", "peers:\n  - endpoints:\n      - transport: tcp\n        host: x\n"},
		{"peer without endpoints", "peers:\n  - name: lonely\n"},
		{"tcp without host", "peers:\n  - name: p\n    endpoints:\n      - transport: tcp\n"},
		{"port out of range", "listen:\n  transport: tcp\n  host: x\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadYAML(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}
