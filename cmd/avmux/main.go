// Command avmux remuxes FLV and MPEG-TS streams. It converts files, probes
// their contents, and serves live SRT inputs to files or a QUIC relay.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

const usage = `usage: avmux <command> [flags]

commands:
  remux   convert a file or stdin between FLV and MPEG-TS
  probe   print the tracks and frame counts of a file
  serve   accept SRT publishers and remux them to OUT_DIR or QUIC_ADDR
  version print the version

environment:
  DEBUG        enable debug logging
  SRT_ADDR     serve: SRT listen address (default :6000)
  SRT_PULL     serve: comma-separated host:port/key sources to pull
  OUT_DIR      serve: directory for remuxed files (default .)
  OUT_FORMAT   serve: output container, flv or ts (default ts)
  QUIC_ADDR    serve: relay remuxed streams to this QUIC listener
  QUIC_INSECURE serve: skip certificate verification for QUIC_ADDR
  QUIC_LISTEN  serve: accept relayed streams on this address into OUT_DIR
  API_ADDR     serve: JSON status API address (default :4444)
`

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "remux":
		err = runRemux(args)
	case "probe":
		err = runProbe(args, os.Stdout)
	case "serve":
		err = runServe()
	case "version":
		fmt.Println(version)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "avmux: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("avmux failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
