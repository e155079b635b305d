// Package main is an interactive relay client. Each stdin line is sent as one
// frame; every frame received from the relay is printed on its own line.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/fanout/internal/config"
	"github.com/cory-johannsen/fanout/internal/frame"
	"github.com/cory-johannsen/fanout/internal/observability"
)

func main() {
	level := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	timeout := flag.Duration("dial-timeout", 5*time.Second, "connection timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [HOST:PORT]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *level, Format: "console"}, "relaycat")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := config.Default().Relay.Addr()
	if flag.NArg() > 0 {
		host, port, err := config.ParseAddr(flag.Arg(0))
		if err != nil {
			logger.Fatal("parsing address", zap.Error(err))
		}
		addr = config.RelayConfig{Host: host, Port: port}.Addr()
	}

	conn, err := net.DialTimeout("tcp", addr, *timeout)
	if err != nil {
		logger.Fatal("connecting to relay", zap.String("addr", addr), zap.Error(err))
	}
	defer conn.Close()
	logger.Info("connected", zap.String("addr", addr), zap.String("local", conn.LocalAddr().String()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := printFrames(conn, os.Stdout); err != nil {
			logger.Warn("receiving frames", zap.Error(err))
		}
	}()

	if err := sendLines(os.Stdin, conn, logger); err != nil {
		logger.Error("sending frames", zap.Error(err))
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	<-done
}

// sendLines writes each line of in as one frame. Lines longer than
// frame.MaxPayload are skipped with a warning.
func sendLines(in io.Reader, w io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		err := frame.Write(w, line)
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			logger.Warn("line too long, not sent", zap.Int("bytes", len(line)))
			continue
		}
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

// printFrames prints every frame read from r until the relay closes the connection.
func printFrames(r io.Reader, out io.Writer) error {
	br := bufio.NewReader(r)
	for {
		payload, err := frame.Read(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n", payload); err != nil {
			return err
		}
	}
}
