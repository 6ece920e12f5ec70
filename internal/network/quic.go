package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"veilmesh/internal/debuglog"
	"veilmesh/internal/proto"
)

const quicALPN = "veilmesh-circuit"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate. Relay links are
// authenticated by the circuit handshake, not by TLS.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("veilmesh-quic-transport-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicALPN},
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       5 * time.Minute,
		KeepAlivePeriod:      30 * time.Second,
	}
}

// QUICConn carries length-prefixed packets on one bidirectional stream.
type QUICConn struct {
	conn      *quic.Conn
	stream    *quic.Stream
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream) *QUICConn {
	return &QUICConn{conn: conn, stream: stream, done: make(chan struct{})}
}

func DialQUIC(ctx context.Context, addr string, insecure bool) (*QUICConn, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return newQUICConn(conn, stream), nil
}

func (c *QUICConn) Send(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("quic closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := proto.WriteFrame(c.stream, data); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

func (c *QUICConn) Done() <-chan struct{} { return c.done }

func (c *QUICConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *QUICConn) ReadLoop(handle Handler) {
	defer c.Close()
	for {
		data, err := proto.ReadFrame(c.stream)
		if err != nil {
			debuglog.Debugf("quic read error remote=%s err=%v", c.RemoteAddr(), err)
			return
		}
		if handle != nil {
			handle(c, data)
		}
	}
}

// ListenQUIC accepts relay links until ctx ends. Each accepted connection
// contributes one stream, read with handle.
func ListenQUIC(ctx context.Context, addr string, ready chan<- struct{}, accept func(remote string) bool, handle Handler) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	defer listener.Close()
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		close(ready)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		remote := conn.RemoteAddr().String()
		if accept != nil && !accept(hostOnly(remote)) {
			_ = conn.CloseWithError(1, "rate limited")
			continue
		}
		go func(conn *quic.Conn) {
			sctx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
			stream, err := conn.AcceptStream(sctx)
			cancel()
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			newQUICConn(conn, stream).ReadLoop(handle)
		}(conn)
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
