package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC transport. One bidirectional stream per connection carries the frame
// stream; QUIC's mandatory TLS runs with ephemeral self-signed certificates
// since the cluster is trusted and pre-addressed.

const quicProtocol = "gridsync"

type quicConnection struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConnection) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConnection) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConnection) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicConnection) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *quicConnection) Transport() Type      { return TypeQUIC }

func dialQUIC(ctx context.Context, desc *Description) (Connection, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtocol},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, desc.Address(), tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", desc.Address(), err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicConnection{conn: conn, stream: stream}, nil
}

type quicListener struct {
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (l *quicListener) Accept() (Connection, error) {
	conn, err := l.ln.Accept(l.ctx)
	if err != nil {
		return nil, err
	}
	// The stream surfaces once the dialer has opened it and written the
	// connect packet.
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return &quicConnection{conn: conn, stream: stream}, nil
}

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func listenQUIC(desc *Description) (Listener, error) {
	tlsConf, err := generateQUICTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(desc.Address(), tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", desc.Address(), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &quicListener{ln: ln, ctx: ctx, cancel: cancel}, nil
}

func generateQUICTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"gridsync"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:   []string{quicProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
