// Package config loads the YAML cluster description consumed by noded: the
// local listen endpoint, the known peers with their connection endpoints,
// and ambient settings like the log level.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridsync/gridsync/internal/core/connection"
)

// Cluster is the top-level configuration file structure.
type Cluster struct {
	// LogLevel is one of debug, info, warn, error, fatal. Empty means info.
	LogLevel string `yaml:"log_level,omitempty"`

	// AutoLaunch enables starting unreachable peers through their endpoint
	// launch commands.
	AutoLaunch bool `yaml:"auto_launch,omitempty"`

	// Listen is the local endpoint. Nil means a process-local pipe.
	Listen *Endpoint `yaml:"listen,omitempty"`

	Peers []Peer `yaml:"peers,omitempty"`
}

// Peer names a remote node and the ordered endpoints to reach it.
type Peer struct {
	Name      string     `yaml:"name"`
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Endpoint mirrors connection.Description in configuration form.
type Endpoint struct {
	Transport     string        `yaml:"transport"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port,omitempty"`
	LaunchCommand string        `yaml:"launch_command,omitempty"`
	LaunchTimeout time.Duration `yaml:"launch_timeout,omitempty"`
	Bandwidth     uint32        `yaml:"bandwidth,omitempty"`
}

// Description converts the endpoint to the connection layer's form.
func (e *Endpoint) Description() *connection.Description {
	return &connection.Description{
		Type:          connection.Type(e.Transport),
		Hostname:      e.Host,
		Port:          e.Port,
		LaunchCommand: e.LaunchCommand,
		LaunchTimeout: e.LaunchTimeout,
		Bandwidth:     e.Bandwidth,
	}
}

// LoadYAML decodes a cluster configuration and validates it.
func LoadYAML(r io.Reader) (*Cluster, error) {
	var c Cluster
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode cluster config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads and decodes the configuration file at path.
func LoadFile(path string) (*Cluster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cluster config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadYAML(f)
}

// Validate checks endpoint transports, addresses and port ranges.
func (c *Cluster) Validate() error {
	if c.Listen != nil {
		if err := c.Listen.validate(); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	for _, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("peer without name")
		}
		if len(p.Endpoints) == 0 {
			return fmt.Errorf("peer %s: no endpoints", p.Name)
		}
		for i, e := range p.Endpoints {
			if err := e.validate(); err != nil {
				return fmt.Errorf("peer %s endpoint %d: %w", p.Name, i, err)
			}
		}
	}
	return nil
}

func (e *Endpoint) validate() error {
	switch connection.Type(e.Transport) {
	case connection.TypeTCP, connection.TypeWebSocket, connection.TypeQUIC:
		if e.Host == "" {
			return fmt.Errorf("transport %s requires a host", e.Transport)
		}
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("port %d out of range", e.Port)
		}
	case connection.TypePipe:
		if e.Host == "" {
			return fmt.Errorf("pipe endpoint requires a name in host")
		}
	default:
		return fmt.Errorf("%w: %q", connection.ErrUnknownTransport, e.Transport)
	}
	return nil
}
