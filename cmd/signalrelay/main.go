// signalrelay runs the WebRTC signaling relay: a websocket endpoint where peers
// register and exchange OFFER/ANSWER/CANDIDATE envelopes, plus the HTTP ingress.
//
// Usage:
//
//	signalrelay [--config relay.yaml] [--port 9000] [--key peerjs] [--distributed --redis-addr host:6379]
//
// Flags override the config file, which overrides the defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay"
	"github.com/hyp3rd/signalrelay/internal/config"
	redisbus "github.com/hyp3rd/signalrelay/pkg/bus/redis"
	"github.com/hyp3rd/signalrelay/pkg/transcript"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func main() {
	err := run()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "signalrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return ewrap.Wrap(err, "build logger")
	}

	defer func() { _ = logger.Sync() }()

	opts := []signalrelay.Option{signalrelay.WithLogger(logger)}

	if cfg.Redis.Addr != "" {
		b, err := redisbus.New(logger, cfg.Redis.BusOptions()...)
		if err != nil {
			return err
		}

		defer func() { _ = b.Close() }()

		opts = append(opts, signalrelay.WithBus(b))

		if cfg.Redis.Transcript {
			opts = append(opts, signalrelay.WithRecorder(
				transcript.NewRedis(b.Client(), transcript.WithMaxSize(cfg.Redis.TranscriptMaxSize))))
		}
	}

	relay, err := signalrelay.New(cfg.Relay, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = relay.Start(ctx)
	if err != nil {
		return err
	}

	defer relay.Stop()

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.WSPath(), relay)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var ingress *signalrelay.IngressServer

	if cfg.IngressPort > 0 {
		ingress = signalrelay.NewIngressServer(
			net.JoinHostPort("", strconv.Itoa(cfg.IngressPort)),
			signalrelay.WithIngressLogger(logger))

		err = ingress.Start(ctx, relay)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("signalrelay listening",
			zap.String("addr", srv.Addr),
			zap.String("path", cfg.Relay.WSPath()),
			zap.String("host", relay.Host()),
			zap.Bool("distributed", cfg.Relay.Distributed))

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			return ewrap.Wrap(err, "websocket listener")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if ingress != nil {
		_ = ingress.Shutdown(shutdownCtx)
	}

	// hijacked websocket connections are not tracked by the server; relay.Stop closes them.
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(args []string) (*config.Config, error) {
	var (
		configPath      string
		port            int
		ingressPort     int
		path            string
		key             string
		concurrentLimit int
		aliveTimeout    time.Duration
		expireTimeout   time.Duration
		allowDiscovery  bool
		distributed     bool
		redisAddr       string
		hostID          string
		logLevel        string
	)

	defaults := config.Default()

	flagSet := pflag.NewFlagSet("signalrelay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.IntVar(&port, "port", defaults.Port, "websocket listening port")
	flagSet.IntVar(&ingressPort, "ingress-port", defaults.IngressPort, "HTTP ingress port (0 disables it)")
	flagSet.StringVar(&path, "path", defaults.Relay.Path, "mount prefix of the websocket endpoint")
	flagSet.StringVar(&key, "key", defaults.Relay.Key, "shared key clients present in the handshake")
	flagSet.IntVar(&concurrentLimit, "concurrent-limit", defaults.Relay.ConcurrentLimit, "maximum registered local clients")
	flagSet.DurationVar(&aliveTimeout, "alive-timeout", defaults.Relay.AliveTimeout, "silence after which a client is reaped")
	flagSet.DurationVar(&expireTimeout, "expire-timeout", defaults.Relay.ExpireTimeout, "liveness sweep interval")
	flagSet.BoolVar(&allowDiscovery, "allow-discovery", false, "expose the peer list on the ingress")
	flagSet.BoolVar(&distributed, "distributed", false, "route every envelope through the redis bus")
	flagSet.StringVar(&redisAddr, "redis-addr", "", "redis address of the cluster bus")
	flagSet.StringVar(&hostID, "host-id", "", "override the derived host identifier")
	flagSet.StringVar(&logLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")

	err := flagSet.Parse(args)
	if err != nil {
		return nil, err
	}

	cfg := defaults

	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	apply := map[string]func(){
		"port":             func() { cfg.Port = port },
		"ingress-port":     func() { cfg.IngressPort = ingressPort },
		"path":             func() { cfg.Relay.Path = path },
		"key":              func() { cfg.Relay.Key = key },
		"concurrent-limit": func() { cfg.Relay.ConcurrentLimit = concurrentLimit },
		"alive-timeout":    func() { cfg.Relay.AliveTimeout = aliveTimeout },
		"expire-timeout":   func() { cfg.Relay.ExpireTimeout = expireTimeout },
		"allow-discovery":  func() { cfg.Relay.AllowDiscovery = allowDiscovery },
		"distributed":      func() { cfg.Relay.Distributed = distributed },
		"redis-addr":       func() { cfg.Redis.Addr = redisAddr },
		"host-id":          func() { cfg.Relay.HostID = hostID },
		"log-level":        func() { cfg.LogLevel = logLevel },
	}

	for name, fn := range apply {
		if flagSet.Changed(name) {
			fn()
		}
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
