// Package main runs the fanout broadcast relay.
// Every frame a client sends is delivered to every connected client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/fanout/internal/admin"
	"github.com/cory-johannsen/fanout/internal/config"
	"github.com/cory-johannsen/fanout/internal/observability"
	"github.com/cory-johannsen/fanout/internal/relay"
	"github.com/cory-johannsen/fanout/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (optional)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [HOST:PORT]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath, flag.Args())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if *printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			log.Fatalf("dumping config: %v", err)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	logger, err := observability.NewLogger(cfg.Logging, "relay")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics()

	ln, err := net.Listen("tcp", cfg.Relay.Addr())
	if err != nil {
		logger.Fatal("binding relay listener",
			zap.String("addr", cfg.Relay.Addr()),
			zap.Error(err),
		)
	}
	logger.Info("listening on", zap.String("addr", ln.Addr().String()))

	srv := relay.NewServer(cfg.Relay, logger, metrics)
	lifecycle := server.NewLifecycle(logger)

	// Admin services are added first so they stop last and can report the
	// relay going NOT_SERVING.
	var adm *admin.Server
	if cfg.Admin.Enabled {
		adm = admin.NewServer(srv, metrics, logger.Named("admin"))

		grpcLis, err := net.Listen("tcp", cfg.Admin.GRPCAddr())
		if err != nil {
			logger.Fatal("binding admin gRPC listener",
				zap.String("addr", cfg.Admin.GRPCAddr()),
				zap.Error(err),
			)
		}
		httpLis, err := net.Listen("tcp", cfg.Admin.HTTPAddr())
		if err != nil {
			logger.Fatal("binding admin HTTP listener",
				zap.String("addr", cfg.Admin.HTTPAddr()),
				zap.Error(err),
			)
		}

		lifecycle.Add("admin-grpc", &server.FuncService{
			StartFn: func() error { return adm.ServeGRPC(grpcLis) },
			StopFn:  adm.StopGRPC,
		})
		lifecycle.Add("admin-http", &server.FuncService{
			StartFn: func() error { return adm.ServeHTTP(httpLis) },
			StopFn:  adm.StopHTTP,
		})
	}

	lifecycle.Add("relay", &server.FuncService{
		StartFn: func() error {
			if adm != nil {
				adm.SetServing(true)
			}
			return srv.Serve(ln)
		},
		StopFn: func() {
			if adm != nil {
				adm.SetServing(false)
			}
			srv.Stop()
		},
	})

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("relay_addr", ln.Addr().String()),
		zap.Int("outbound_buffer", cfg.Relay.OutboundBuffer),
		zap.Bool("admin", cfg.Admin.Enabled),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}

// loadConfig loads the file and environment configuration, then applies the
// optional HOST:PORT positional argument on top.
func loadConfig(path string, args []string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	switch len(args) {
	case 0:
		return cfg, nil
	case 1:
		host, port, err := config.ParseAddr(args[0])
		if err != nil {
			return config.Config{}, err
		}
		cfg.Relay.Host = host
		cfg.Relay.Port = port
		return cfg, cfg.Validate()
	default:
		return config.Config{}, fmt.Errorf("expected at most one HOST:PORT argument, got %d", len(args))
	}
}
