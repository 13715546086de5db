package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"example.com/h2serve/internal/config"
	"example.com/h2serve/internal/executor"
	"example.com/h2serve/internal/h2"
	"example.com/h2serve/internal/logger"
	"example.com/h2serve/internal/server"
)

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (TOML or JSON)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logCloser.Close()

	exec, execCleanup := buildExecutor(cfg.Executor)
	defer execCleanup()

	handshaker := h2.NewHandshaker(engineOptions(cfg.Engine), appLog)

	srv, err := server.NewServer(
		server.NewServiceFunc(func(context.Context) (server.Service, error) {
			return server.ServiceFunc(echo), nil
		}),
		handshaker,
		exec,
		appLog,
	)
	if err != nil {
		appLog.Fatal().Err(err).Msg("failed to build server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *cfg.Server.Address)
	if err != nil {
		appLog.Fatal().Err(err).Str("address", *cfg.Server.Address).Msg("failed to listen")
	}
	appLog.Info().Str("address", ln.Addr().String()).Msg("listening")

	tag := server.ModifyFunc(func(req *http.Request) {
		req.Header.Set("X-Served-By", "h2serve")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			conn := srv.ServeModified(nc, tag)
			g.Go(func() error {
				defer nc.Close()
				if serr := conn.Serve(gctx); serr != nil {
					appLog.Warn().Err(serr).Str("remote", nc.RemoteAddr().String()).Msg("connection failed")
				}
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil {
		appLog.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	appLog.Info().Msg("server stopped")
}

// echo answers any request with a summary line and, for requests carrying
// a body, the body echoed back.
func echo(req *http.Request) (*server.Response, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s served by %s\n", req.Method, req.URL.Path, req.Header.Get("X-Served-By"))
	if req.Body != nil {
		if _, err := io.Copy(&buf, req.Body); err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &server.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   server.ReaderBody(&buf, 8*1024),
	}, nil
}

func engineOptions(cfg *config.EngineConfig) h2.Options {
	opts := h2.Options{}
	if cfg == nil {
		return opts
	}
	if cfg.MaxConcurrentStreams != nil {
		opts.MaxConcurrentStreams = *cfg.MaxConcurrentStreams
	}
	if cfg.MaxFrameSize != nil {
		opts.MaxFrameSize = *cfg.MaxFrameSize
	}
	if cfg.InitialWindowSize != nil {
		opts.InitialWindowSize = *cfg.InitialWindowSize
	}
	if cfg.MaxHeaderListSize != nil {
		opts.MaxHeaderListSize = *cfg.MaxHeaderListSize
	}
	if cfg.AcceptBacklog != nil {
		opts.AcceptBacklog = *cfg.AcceptBacklog
	}
	return opts
}

func buildExecutor(cfg *config.ExecutorConfig) (server.Executor, func()) {
	if cfg == nil || cfg.Workers == nil || *cfg.Workers == 0 {
		return executor.Goroutine{}, func() {}
	}
	queue := 64
	if cfg.Queue != nil {
		queue = *cfg.Queue
	}
	pool := executor.NewPool(*cfg.Workers, queue)
	return pool, func() {
		pool.Close()
		pool.Wait()
	}
}
