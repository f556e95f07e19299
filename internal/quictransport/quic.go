// Package quictransport carries CFDP PDUs as QUIC datagrams.
//
// Datagrams give the receiver exactly what CFDP expects from its link: discrete
// frames that may be lost or reordered. Reliability stays with the protocol.
package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for PDU links.
	ALPNProtocol = "cfdprx-pdu-v1"
)

// ServerConfig returns a TLS configuration for the QUIC listener.
// Uses a self-signed certificate; peers are expected to be trusted by deployment.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration for dialing a listener with a self-signed certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultQUICConfig enables datagrams. No streams are used.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:    true,
		KeepAlivePeriod:    10 * time.Second,
		MaxIdleTimeout:     60 * time.Second,
		MaxIncomingStreams: -1,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"cfdprx"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listener accepts QUIC connections and hands them out as datagram links.
type Listener struct {
	ln     *quic.Listener
	logger *slog.Logger
}

// Listen starts a QUIC listener on addr (host:port).
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	return ListenWithConfig(addr, logger, nil)
}

// ListenWithConfig starts a QUIC listener using a custom config. Datagrams are always enabled.
func ListenWithConfig(addr string, logger *slog.Logger, config *quic.Config) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultQUICConfig()
	}
	config.EnableDatagrams = true

	ln, err := quic.ListenAddr(addr, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return &Listener{ln: ln, logger: logger}, nil
}

// Addr returns the local address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (*DatagramLink, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	l.logger.Info("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &DatagramLink{conn: conn}, nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to a listener.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*DatagramLink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), DefaultQUICConfig())
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", addr)
	return &DatagramLink{conn: conn}, nil
}

// DatagramLink sends each frame as one QUIC datagram. Frames larger than the
// path allows are rejected by SendDatagram; PDU sizes must be configured accordingly.
type DatagramLink struct {
	conn *quic.Conn
}

func (l *DatagramLink) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.conn.SendDatagram(frame)
}

func (l *DatagramLink) Receive(ctx context.Context) ([]byte, error) {
	return l.conn.ReceiveDatagram(ctx)
}

// RemoteAddr returns the peer address.
func (l *DatagramLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }

func (l *DatagramLink) Close() error {
	return l.conn.CloseWithError(0, "closed")
}
