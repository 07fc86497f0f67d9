// Command wsgrpc-bridge parses flags and wires the Descriptor Registry,
// Client Pool, and Connection Supervisor together, declaring its flags with
// the standard library flag package inside main (no third-party CLI framework).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anthony/wsgrpc-bridge/internal/bridge"
	"github.com/anthony/wsgrpc-bridge/internal/clientpool"
	"github.com/anthony/wsgrpc-bridge/internal/metrics"
	"github.com/anthony/wsgrpc-bridge/internal/registry"
)

// repeatableFlag collects a flag passed more than once, e.g. --proto a.proto
// --proto b.proto, the same repeatable-flag idiom flag.Var exists for.
type repeatableFlag []string

func (r *repeatableFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatableFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var (
		wsPort        = flag.Int("ws-port", 8080, "WebSocket listen port")
		protoFiles    repeatableFlag
		includeDirs   repeatableFlag
		defaultTarget = flag.String("default-target", "localhost:50051", "fallback gRPC target")
		secure        = flag.Bool("secure", false, "enable TLS for the backend connection")
		tlsCA         = flag.String("tls-ca", "", "root CA bundle for TLS backend connections (system trust if empty)")
		descriptorSet = flag.String("descriptor-set", "", "precompiled FileDescriptorSet, as an alternative to --proto")
		reflect       = flag.Bool("reflect", false, "discover descriptors via the default target's reflection service instead of --proto/--descriptor-set")
		verbose       = flag.Bool("verbose", true, "enable debug-level logging")
	)
	flag.Var(&protoFiles, "proto", "proto file to load (repeatable)")
	flag.Var(&includeDirs, "include", "proto include search dir (repeatable)")
	flag.Parse()

	log := newLogger(*verbose)
	defer log.Sync() //nolint:errcheck

	if err := run(log, runConfig{
		wsPort:        *wsPort,
		protoFiles:    protoFiles,
		includeDirs:   includeDirs,
		defaultTarget: *defaultTarget,
		secure:        *secure,
		tlsCA:         *tlsCA,
		descriptorSet: *descriptorSet,
		reflect:       *reflect,
	}); err != nil {
		log.Fatalw("bridge exited", "error", err)
	}
}

func newLogger(verbose bool) *zap.SugaredLogger {
	var l *zap.Logger
	var err error
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		// zap construction failure has no logger to report through yet.
		panic(err)
	}
	return l.Sugar()
}

type runConfig struct {
	wsPort        int
	protoFiles    []string
	includeDirs   []string
	defaultTarget string
	secure        bool
	tlsCA         string
	descriptorSet string
	reflect       bool
}

// run performs the Descriptor Registry warm-up (one of the three loading
// modes: live proto parsing, a precompiled descriptor set, or backend
// reflection) and serves WebSocket connections until the process receives a
// termination signal. Only a bind failure or load error at startup is fatal.
func run(log *zap.SugaredLogger, cfg runConfig) error {
	reg := registry.New(log)
	pool := clientpool.New(log, clientpool.Credentials{Secure: cfg.secure, CAPath: cfg.tlsCA})

	switch {
	case cfg.reflect:
		conn, err := pool.Conn(cfg.defaultTarget)
		if err != nil {
			return fmt.Errorf("dial default target for reflection: %w", err)
		}
		if err := reg.LoadFromReflection(context.Background(), conn); err != nil {
			return fmt.Errorf("load descriptors via reflection: %w", err)
		}
	case cfg.descriptorSet != "":
		if err := reg.LoadDescriptorSet(cfg.descriptorSet); err != nil {
			return fmt.Errorf("load descriptor set: %w", err)
		}
	case len(cfg.protoFiles) > 0:
		if err := reg.LoadProtoFiles(cfg.protoFiles, cfg.includeDirs); err != nil {
			return fmt.Errorf("load proto files: %w", err)
		}
	default:
		return fmt.Errorf("one of --proto, --descriptor-set, or --reflect is required")
	}

	rec := metrics.New(prometheus.DefaultRegisterer)
	sup := bridge.New(log, reg, pool, rec, cfg.defaultTarget)

	mux := http.NewServeMux()
	mux.Handle("/", sup)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.wsPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-sigCh:
		log.Infow("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(ctx)
	return pool.Close()
}

// shutdownGrace bounds how long srv.Shutdown waits for in-flight HTTP
// requests. Accepted WebSocket connections are hijacked from the server, so
// Shutdown neither waits for nor closes them.
const shutdownGrace = 5 * time.Second
