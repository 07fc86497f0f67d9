// Package clientpool caches gRPC channels per target and dynamic-invocation
// stubs per (target, service FQN), constructing channels lazily with the
// configured credentials. Grounded on grpc-proxy-study's lazy
// grpc.Dial-on-first-use and cv65kr-grpc's serverOptions TLS credential
// construction, mirrored for a client dialer.
package clientpool

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"

	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anthony/wsgrpc-bridge/internal/bridgeerr"
)

// Credentials configures how the pool dials backend targets.
type Credentials struct {
	Secure bool
	CAPath string // optional root CA bundle; system trust if empty
}

type stubKey struct {
	target     string
	serviceFQN string
}

// Pool caches one *grpc.ClientConn per target and one grpcdynamic.Stub per
// (target, serviceFQN). Both caches are read-mostly after warm-up and
// guarded by a single RWMutex.
type Pool struct {
	log   *zap.SugaredLogger
	creds Credentials

	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	stubs map[stubKey]grpcdynamic.Stub
}

// New builds an empty Pool using creds for every dialed channel.
func New(log *zap.SugaredLogger, creds Credentials) *Pool {
	return &Pool{
		log:   log,
		creds: creds,
		conns: map[string]*grpc.ClientConn{},
		stubs: map[stubKey]grpcdynamic.Stub{},
	}
}

// Stub returns the cached dynamic-invocation stub for (target, serviceFQN),
// dialing the target's channel on first use.
func (p *Pool) Stub(target, serviceFQN string) (grpcdynamic.Stub, error) {
	const op = "clientpool.Stub"
	key := stubKey{target: target, serviceFQN: serviceFQN}

	p.mu.RLock()
	stub, ok := p.stubs[key]
	p.mu.RUnlock()
	if ok {
		return stub, nil
	}

	conn, err := p.conn(target)
	if err != nil {
		return grpcdynamic.Stub{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if stub, ok := p.stubs[key]; ok {
		return stub, nil
	}
	stub = grpcdynamic.NewStub(conn)
	p.stubs[key] = stub
	p.log.Debugw("created dynamic stub", "target", target, "service", serviceFQN)
	return stub, nil
}

// Conn exposes the cached channel for target, dialing on first use. Used by
// the registry's reflection-loading mode, which needs a raw connection
// rather than a dynamic stub.
func (p *Pool) Conn(target string) (*grpc.ClientConn, error) {
	return p.conn(target)
}

func (p *Pool) conn(target string) (*grpc.ClientConn, error) {
	const op = "clientpool.conn"

	p.mu.RLock()
	conn, ok := p.conns[target]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[target]; ok {
		return conn, nil
	}

	creds, err := p.transportCredentials()
	if err != nil {
		return nil, bridgeerr.Wrap(op, bridgeerr.Internal, "failed to build transport credentials", err)
	}

	conn, err = grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, bridgeerr.Wrap(op, bridgeerr.Internal, "failed to dial backend target "+target, err)
	}
	p.conns[target] = conn
	p.log.Debugw("dialed backend target", "target", target, "secure", p.creds.Secure)
	return conn, nil
}

func (p *Pool) transportCredentials() (credentials.TransportCredentials, error) {
	if !p.creds.Secure {
		return insecure.NewCredentials(), nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.creds.CAPath != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(p.creds.CAPath)
		if err != nil {
			return nil, err
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, bridgeerr.New("clientpool.transportCredentials", bridgeerr.Internal,
				"could not append certs from PEM at "+p.creds.CAPath)
		}
		tlsConfig.RootCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}

// Close tears down every cached channel. Intended for process shutdown, not
// per-call cleanup.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for target, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, target)
	}
	p.stubs = map[stubKey]grpcdynamic.Stub{}
	return firstErr
}
