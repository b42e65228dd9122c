// Command mxkernel is the board-side process-subsystem binary. It loads a
// YAML configuration file, boots the process pool / program cache / process
// table, spawns the configured ELF binaries, and runs the board agent that
// forwards fault events to the fleet server over mTLS gRPC. It
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fedetft/miosix-kernel-sub002/internal/boardagent"
	"github.com/fedetft/miosix-kernel-sub002/internal/config"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/elfprogram"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/faultlog"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/mpu"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procimage"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procpool"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/procrun"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/proctable"
	"github.com/fedetft/miosix-kernel-sub002/internal/kernel/svcdispatch"
	"github.com/fedetft/miosix-kernel-sub002/internal/uplink/client"
	"github.com/fedetft/miosix-kernel-sub002/internal/uplink/queue"
)

// kernelVersion is the process-subsystem build version reported to the
// fleet server during registration.
const kernelVersion = "mxkernel/0.1"

func main() {
	configPath := flag.String("config", "/etc/mxkernel/config.yaml", "path to the board's YAML configuration file")
	queuePath := flag.String("queue-path", "/var/lib/mxkernel/uplink.db", "path to the local SQLite fault-report queue database")
	faultLogPath := flag.String("fault-log-path", "/var/lib/mxkernel/faultlog.jsonl", "path to the tamper-evident fault log")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mxkernel: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("fleet_addr", cfg.FleetAddr),
		slog.String("board_id", cfg.BoardID),
		slog.Uint64("pool_size_bytes", uint64(cfg.Pool.SizeBytes)),
	)

	// --- Boot the kernel core: arena, program cache, process table. ---
	pool, err := procpool.New(0, uintptr(cfg.Pool.SizeBytes))
	if err != nil {
		logger.Error("failed to create process pool", slog.Any("error", err))
		os.Exit(1)
	}
	cache := elfprogram.NewProgramCache(pool)
	table := proctable.New()

	flog, err := faultlog.Open(*faultLogPath)
	if err != nil {
		logger.Error("failed to open fault log", slog.String("path", *faultLogPath), slog.Any("error", err))
		os.Exit(1)
	}

	feed := boardagent.NewFaultFeed(0, logger)

	// --- Spawn every configured process. ---
	var trapChannels []chan *svcdispatch.Parameters
	for _, spec := range cfg.Processes {
		pid, traps, err := spawnProcess(pool, cache, table, spec, flog, feed, logger)
		if err != nil {
			logger.Error("failed to spawn process",
				slog.String("name", spec.Name),
				slog.String("path", spec.Path),
				slog.Any("error", err),
			)
			continue
		}
		trapChannels = append(trapChannels, traps)
		logger.Info("process spawned",
			slog.String("name", spec.Name),
			slog.Int("pid", pid),
			slog.String("priority", spec.Priority),
		)
	}
	defer func() {
		for _, traps := range trapChannels {
			close(traps)
		}
	}()

	// --- Open the local durable queue and the fleet uplink client. ---
	q, err := queue.New(*queuePath)
	if err != nil {
		logger.Error("failed to open uplink queue", slog.String("path", *queuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("uplink queue opened", slog.String("path", *queuePath), slog.Int("pending", q.Depth()))

	uplinkClient := client.New(
		client.ClientConfig{
			Addr:         cfg.FleetAddr,
			CertPath:     cfg.TLS.CertPath,
			KeyPath:      cfg.TLS.KeyPath,
			CAPath:       cfg.TLS.CAPath,
			Hostname:     cfg.BoardID,
			Platform:     runtime.GOOS,
			BoardVersion: kernelVersion,
		},
		q,
		logger,
	)

	ag := boardagent.New(cfg, logger,
		boardagent.WithFaultSources(feed),
		boardagent.WithQueue(q),
		boardagent.WithTransport(uplinkClient),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start board agent", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("mxkernel exited cleanly")
}

// spawnProcess loads spec's ELF binary from disk, validates and caches it,
// builds its process image and MPU configuration, and registers it in the
// process table. It returns the assigned PID and the channel the process's
// syscall trap loop (a procrun.Runner, started in its own goroutine) reads
// trapped syscalls from; closing that channel ends the process's loop.
// Feeding real traps into it is the scheduler's job — this host simulation
// has no instruction-execution engine to trap SVC instructions from — but
// whatever eventually does now has a Dispatcher/Runner pair to hand them to,
// and a Segfault outcome is recorded to flog and published on feed rather
// than silently discarded.
func spawnProcess(
	pool *procpool.Pool,
	cache *elfprogram.ProgramCache,
	table *proctable.Processes,
	spec config.ProcessSpec,
	flog *faultlog.Log,
	feed *boardagent.FaultFeed,
	logger *slog.Logger,
) (int, chan *svcdispatch.Parameters, error) {
	content, err := os.ReadFile(spec.Path)
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", spec.Path, err)
	}

	key, err := statCacheKey(spec.Path)
	if err != nil {
		return 0, nil, fmt.Errorf("stat %s: %w", spec.Path, err)
	}

	limits := elfprogram.DefaultLimits()
	program, err := cache.Load(key, content, limits)
	if err != nil {
		return 0, nil, fmt.Errorf("load elf: %w", err)
	}
	if !program.Valid() {
		return 0, nil, fmt.Errorf("invalid elf (errno %d)", program.ErrorCode())
	}

	image, err := procimage.Load(pool, program, limits.WatermarkLen)
	if err != nil {
		return 0, nil, fmt.Errorf("build process image: %w", err)
	}

	cfg := mpu.New(
		mpu.Region{Base: program.ElfBase(), Size: program.ElfSize()},
		mpu.Region{Base: image.Base(), Size: image.Size()},
		program,
		image,
	)

	pid, _ := table.Create(proctable.KernelPID, program, image)

	files := svcdispatch.NewFileTable()
	disp := svcdispatch.New(pool, cache, table, pid, program, image, cfg, files, limits)
	runner := procrun.New(pid, proctable.KernelPID, disp, table, flog, feed, logger)

	traps := make(chan *svcdispatch.Parameters)
	go runner.Run(traps)

	return pid, traps, nil
}

// statCacheKey derives an elfprogram.CacheKey from path's inode and device
// number, so that two process specs pointing at the same on-disk binary
// share one cached, RAM-resident copy via the ProgramCache.
func statCacheKey(path string) (elfprogram.CacheKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return elfprogram.CacheKey{}, err
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return elfprogram.CacheKey{}, fmt.Errorf("unsupported platform: no syscall.Stat_t for %s", path)
	}
	return elfprogram.CacheKey{
		Inode:  sys.Ino,
		Device: uint64(sys.Dev),
	}, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
