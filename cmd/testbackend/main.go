// Command testbackend serves the in-memory auth, directory, group and backup
// endpoints for local development and integration tests.
//
// Settings come from flags, falling back to ETHREE_TESTBACKEND_* variables
// loaded from the environment or a .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ethree/client-go/internal/testbackend"
)

// Config holds the process I/O used by run.
type Config struct {
	Stdout io.Writer
	Stderr io.Writer
	// Getenv reads settings. Defaults to os.Getenv.
	Getenv func(string) string
}

// DefaultConfig returns a Config bound to the process.
func DefaultConfig() Config {
	return Config{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Getenv: os.Getenv,
	}
}

type options struct {
	addr           string
	seed           string
	transformRate  float64
	transformBurst int
	debug          bool
}

func parseOptions(args []string, cfg Config) (*options, error) {
	getenv := cfg.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	opts := &options{
		addr: "127.0.0.1:8787",
	}
	if v := getenv("ETHREE_TESTBACKEND_ADDR"); v != "" {
		opts.addr = v
	}
	opts.seed = getenv("ETHREE_TESTBACKEND_SEED")
	if v := getenv("ETHREE_TESTBACKEND_TRANSFORM_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("ETHREE_TESTBACKEND_TRANSFORM_RATE: %w", err)
		}
		opts.transformRate = rate
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.StringVar(&opts.addr, "addr", opts.addr, "listen address")
	fs.StringVar(&opts.seed, "seed", opts.seed, "password transform key seed, any string; hashed to the key (random when empty)")
	fs.Float64Var(&opts.transformRate, "transform-rate", opts.transformRate, "password transforms per identity per second (0 disables)")
	fs.IntVar(&opts.transformBurst, "transform-burst", 5, "password transform burst")
	fs.BoolVar(&opts.debug, "debug", false, "log every request")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// listen builds the backend and binds its listener.
func listen(opts *options, cfg Config) (*http.Server, net.Listener, error) {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cfg.Stderr, &slog.HandlerOptions{Level: level}))

	backend, err := testbackend.New(testbackend.Config{
		HardenerSeed:   []byte(opts.seed),
		TransformRate:  opts.transformRate,
		TransformBurst: opts.transformBurst,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           backend,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, ln, nil
}

// run serves until ctx is cancelled.
func run(ctx context.Context, args []string, cfg Config) error {
	_ = godotenv.Load()

	opts, err := parseOptions(args, cfg)
	if err != nil {
		return err
	}
	srv, ln, err := listen(opts, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cfg.Stdout, "listening on http://%s\n", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
