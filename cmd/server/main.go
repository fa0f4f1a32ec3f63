package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
)

const shutdownTimeout = 10 * time.Second

// errUsage marks command line errors that should print usage.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[0], os.Args[1:], os.Stderr))
}

func run(prog string, args []string, stderr io.Writer) int {
	cfg, err := parseArgs(prog, args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	runtime.GOMAXPROCS(cfg.Threads)
	srv := server.New(*cfg, logger)

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		logger.Error(err, "Failed to listen", "addr", srv.Addr())
		return 1
	}
	logger.Info("Starting relaychat server", "addr", ln.Addr().String(), "threads", srv.Config().Threads)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(err, "Server stopped with error")
		return 1
	}
	return 0
}

// parseArgs builds the configuration from the environment (and an optional
// .env file) and then applies flags and the positional
// <address> <port> <thread-count> arguments.
func parseArgs(prog string, args []string, stderr io.Writer) (*server.Config, error) {
	fs := pflag.NewFlagSet(prog, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	// Flags stop at <address> so a negative thread count stays positional.
	fs.SetInterspersed(false)
	envFile := fs.String("env-file", ".env", "optional dotenv file loaded before reading the environment")
	logFormat := fs.String("log-format", "", "log output format: json or console")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	malformed := fs.String("malformed-policy", "", "what to do with malformed frames: skip or close")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [flags] <address> <port> <threads>\n", prog)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 3 {
		fs.Usage()
		return nil, fmt.Errorf("%w: expected 3 arguments, got %d", errUsage, fs.NArg())
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", *envFile, err)
	}
	cfg := server.NewConfigFromEnv()

	address, port, threads := fs.Arg(0), fs.Arg(1), fs.Arg(2)
	if net.ParseIP(address) == nil {
		return nil, fmt.Errorf("%w: invalid address %q", errUsage, address)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", errUsage, port)
	}
	n, err := strconv.Atoi(threads)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid thread count %q", errUsage, threads)
	}
	cfg.Address = address
	cfg.Port = port
	cfg.Threads = max(1, n)

	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *malformed != "" {
		policy, err := server.ParseMalformedPolicy(*malformed)
		if err != nil {
			return nil, err
		}
		cfg.MalformedPolicy = policy
	}

	sanitized := cfg.Sanitize()
	return &sanitized, nil
}
