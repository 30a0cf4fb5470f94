// Command sondeweb runs the radiosonde telemetry web service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/sonde.report/internal/api"
	"github.com/banshee-data/sonde.report/internal/db"
	"github.com/banshee-data/sonde.report/internal/httputil"
	"github.com/banshee-data/sonde.report/internal/version"
)

const usage = `usage: sondeweb <command> [flags]

commands:
  serve     run the telemetry service
  stop      ask a running service to shut down
  tail      print distribution events from a running service
  migrate   manage the telemetry log schema
  version   print the build version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("sondeweb: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return flag.ErrHelp
	}
	switch args[0] {
	case "serve":
		flags, err := parseServeFlags(args[1:])
		if err != nil {
			return err
		}
		return serve(ctx, flags)
	case "stop":
		return runStop(ctx, args[1:], stdout)
	case "tail":
		return runTail(ctx, args[1:], stdout)
	case "migrate":
		return runMigrate(args[1:], stdout)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type serveFlags struct {
	configPath  string
	keyFile     string
	replay      []string
	replayDelay time.Duration
	pcap        string
	pcapPort    int
	pcapSpeed   float64
}

func parseServeFlags(args []string) (serveFlags, error) {
	var f serveFlags
	var replay string
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Station configuration file (.json, .yaml)")
	fs.StringVar(&f.keyFile, "key-file", "", "Write the shutdown key to this file")
	fs.StringVar(&replay, "replay", "", "Comma separated sonde logs to replay")
	fs.DurationVar(&f.replayDelay, "replay-delay", time.Second, "Delay between replayed log rows")
	fs.StringVar(&f.pcap, "pcap", "", "Replay telemetry datagrams from a capture file")
	fs.IntVar(&f.pcapPort, "pcap-port", 0, "Only replay UDP packets to this port (0 for all)")
	fs.Float64Var(&f.pcapSpeed, "pcap-speed", 1.0, "Capture replay speed multiplier (0 for as fast as possible)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	for _, p := range strings.Split(replay, ",") {
		if p = strings.TrimSpace(p); p != "" {
			f.replay = append(f.replay, p)
		}
	}
	if f.replayDelay <= 0 {
		return f, fmt.Errorf("-replay-delay must be positive, got %v", f.replayDelay)
	}
	if f.pcapSpeed < 0 {
		return f, fmt.Errorf("-pcap-speed must not be negative, got %v", f.pcapSpeed)
	}
	return f, nil
}

func runStop(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:5000", "Base URL of the running service")
	keyFile := fs.String("key-file", "", "File holding the shutdown key")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyFile == "" {
		return errors.New("-key-file is required")
	}
	key, err := readKeyFile(*keyFile)
	if err != nil {
		return err
	}
	if err := api.RequestShutdown(ctx, httputil.NewStandardClient(*timeout), *addr, key); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "shutdown requested at %s\n", *addr)
	return nil
}

func runMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", "sonde_log.db", "Telemetry log database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, stdout)
}

func writeKeyFile(path, key string) error {
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file %s is empty", path)
	}
	return key, nil
}
