package connection

import (
	"fmt"
	"strings"
	"time"
)

// Type selects a transport implementation.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypePipe      Type = "pipe"
	TypeWebSocket Type = "websocket"
	TypeQUIC      Type = "quic"
)

// DefaultLaunchTimeout bounds the wait for an auto-launched node's callback
// connection when the description does not set one.
const DefaultLaunchTimeout = 10 * time.Second

// Description says how a node can be reached or launched. It is immutable
// after construction; nodes advertise an ordered list of them and peers try
// each in turn.
type Description struct {
	Type     Type   `yaml:"type"`
	Hostname string `yaml:"host"`
	Port     int    `yaml:"port"`

	// LaunchCommand, when set, is executed to start the remote process if a
	// direct connect fails. Tokens of the form %x are expanded first; see
	// ExpandLaunchCommand.
	LaunchCommand string        `yaml:"launch_command,omitempty"`
	LaunchTimeout time.Duration `yaml:"launch_timeout,omitempty"`

	// Bandwidth is an advisory hint in KB/s, carried for schedulers; the
	// core does not act on it.
	Bandwidth uint32 `yaml:"bandwidth,omitempty"`
}

// Address returns the dial/listen address for the transport. Pipe endpoints
// are named by Hostname alone.
func (d *Description) Address() string {
	if d.Type == TypePipe {
		return d.Hostname
	}
	return fmt.Sprintf("%s:%d", d.Hostname, d.Port)
}

func (d *Description) String() string {
	return fmt.Sprintf("%s://%s", d.Type, d.Address())
}

// ExpandLaunchCommand substitutes %-tokens in a launch command template.
// Token keys are single characters; "%%" yields a literal percent sign.
// Unknown tokens are left as-is.
func ExpandLaunchCommand(template string, tokens map[byte]string) string {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		if template[i] != '%' || i+1 == len(template) {
			b.WriteByte(template[i])
			continue
		}
		next := template[i+1]
		if next == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if val, ok := tokens[next]; ok {
			b.WriteString(val)
			i++
			continue
		}
		b.WriteByte('%')
	}
	return b.String()
}

// SplitCommand breaks a launch command into argv, honoring double quotes.
func SplitCommand(command string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case c == '"':
			quoted = !quoted
			started = true
		case c == ' ' && !quoted:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteByte(c)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
