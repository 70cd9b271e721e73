// Package main provides softmap-pressure, a demo that fills a SoftMap with
// synthetic decoded tiles under a heap limit and reports how the cache
// gives memory back.
package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/llxisdsh/softmap"
)

// tile is a decoded square bitmap.
type tile struct {
	size int
	pix  []byte
}

func main() {
	// SIGINT/SIGTERM cancel ctx; Prefetch stops and the monitor is closed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("softmap-pressure", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var overrides Config
	configPath := fs.StringP("config", "c", "", "JWCC config file")
	fs.IntVar(&overrides.Entries, "entries", 0, "tiles loaded per round")
	fs.IntVar(&overrides.TileSize, "tile-size", 0, "tile edge in pixels (one byte per pixel)")
	fs.IntVar(&overrides.HeapLimitMB, "heap-limit-mb", 0, "heap size that triggers pin release")
	fs.IntVar(&overrides.Keep, "keep", 0, "pins kept under pressure (0 releases all)")
	fs.IntVar(&overrides.PinLimit, "pin-limit", 0, "maximum pinned tiles (0 is unbounded)")
	fs.StringVar(&overrides.Interval, "interval", "", "pressure check interval")
	fs.IntVar(&overrides.Workers, "workers", 0, "concurrent tile decoders")
	fs.IntVar(&overrides.Rounds, "rounds", 0, "number of passes over all tiles")
	fs.BoolVarP(&overrides.Verbose, "verbose", "v", false, "debug logging")

	fs.Usage = func() {
		fmt.Fprint(stderr, "Usage: softmap-pressure [flags]\n\n")
		fmt.Fprint(stderr, "Loads synthetic tiles into a SoftMap under a heap limit.\n\n")
		fmt.Fprint(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	cfg, err := LoadConfig(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := pressureRun(ctx, cfg, logger, stdout); err != nil {
		logger.Error("run failed", slog.Any("error", err))
		return 1
	}
	return 0
}

func pressureRun(ctx context.Context, cfg Config, logger *slog.Logger, stdout io.Writer) error {
	m := softmap.New[string, tile](
		softmap.WithLogger(logger),
		softmap.WithPinLimit(cfg.PinLimit),
	)
	loader := softmap.NewLoader(m, func(ctx context.Context, key string) (*tile, error) {
		return decodeTile(key, cfg.TileSize), nil
	})

	monitor, err := softmap.NewPressureMonitor(m, softmap.PressureConfig{
		HeapLimit: uint64(cfg.HeapLimitMB) << 20,
		Interval:  cfg.IntervalDuration(),
		Keep:      cfg.Keep,
		ForceGC:   true,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := monitor.Close(); err != nil {
			logger.Warn("monitor close", slog.Any("error", err))
		}
	}()

	logger.Info("softmap-pressure starting",
		slog.Int("entries", cfg.Entries),
		slog.Int("tile_size", cfg.TileSize),
		slog.Int("heap_limit_mb", cfg.HeapLimitMB),
		slog.Int("workers", cfg.Workers))

	keys := make([]string, cfg.Entries)
	for i := range keys {
		keys[i] = fmt.Sprintf("tile-%05d", i)
	}

	for round := 1; round <= cfg.Rounds; round++ {
		if err := loader.Prefetch(ctx, keys, cfg.Workers); err != nil {
			return err
		}
		// One more check so a short round still sees the pressure it built.
		monitor.Check()
		runtime.GC()

		s := m.Stats()
		logger.Info("round done",
			slog.Int("round", round),
			slog.Int("entries", s.Entries),
			slog.Int("pinned", s.Pinned),
			slog.Uint64("hits", s.Hits),
			slog.Uint64("misses", s.Misses),
			slog.Uint64("reaped", s.Reaped))
	}

	s := m.Stats()
	fmt.Fprintf(stdout, "entries=%d pinned=%d hits=%d misses=%d reaped=%d released=%d pressure=%d\n",
		s.Entries, s.Pinned, s.Hits, s.Misses, s.Reaped, s.Released, monitor.Triggered())
	return nil
}

// decodeTile stands in for an expensive image decode.
func decodeTile(key string, size int) *tile {
	h := fnv.New32a()
	h.Write([]byte(key))
	seed := h.Sum32()

	pix := make([]byte, size*size)
	for i := range pix {
		seed = seed*1664525 + 1013904223
		pix[i] = byte(seed >> 24)
	}
	return &tile{size: size, pix: pix}
}
