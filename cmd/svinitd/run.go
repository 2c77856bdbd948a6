package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	svinit "github.com/axondata/go-svinit"
)

func run(ctx context.Context, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := svinit.NewMetrics(reg)

	var sink svinit.OutputSink = svinit.LogSink{Logger: log}
	if cfg.LogDir != "" {
		sink = svinit.DirSink{Dir: cfg.LogDir}
	}

	softPolicy, err := svinit.ParseSoftDependencyPolicy(cfg.SoftDependencies)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	opts := []svinit.ManagerOption{
		svinit.WithLogger(log),
		svinit.WithMetrics(metrics),
		svinit.WithConcurrency(cfg.Concurrency),
		svinit.WithTimeout(cfg.RequestTimeout),
		svinit.WithSoftDependencyPolicy(softPolicy, cfg.SoftWait),
		svinit.WithEnabledStore(svinit.FileEnabledStore{Path: cfg.StateFile}),
		svinit.WithOneshotSupervisor(svinit.NewLocalSupervisor(sink, log)),
	}
	daemons, err := daemonSupervisor(cfg, sink, log)
	if err != nil {
		return err
	}
	opts = append(opts, svinit.WithSupervisor(daemons))

	mgr, err := svinit.NewManager(svinit.DirSource{Dir: cfg.ServiceDir}, opts...)
	if err != nil {
		return err
	}

	log.Info("svinitd starting",
		zap.String("version", svinit.Version),
		zap.String("service_dir", cfg.ServiceDir),
		zap.String("supervisor", cfg.Supervisor))

	report, err := mgr.Boot(ctx)
	logReport(log, "boot", report, err)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Serve(gctx, cfg.Socket)
	})
	g.Go(func() error {
		reloadOnHangup(gctx, mgr, log)
		return nil
	})
	if cfg.Watch {
		g.Go(func() error {
			return mgr.ReloadOnChange(gctx, cfg.ServiceDir, cfg.WatchDebounce)
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, log)
		})
	}

	<-gctx.Done()
	log.Info("stopping services")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	report, shutdownErr := mgr.Shutdown(shutdownCtx)
	logReport(log, "shutdown", report, shutdownErr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return shutdownErr
}

func daemonSupervisor(cfg *Config, sink svinit.OutputSink, log *zap.Logger) (svinit.Supervisor, error) {
	if cfg.Supervisor == "local" {
		return svinit.NewLocalSupervisor(sink, log), nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	command := []string{exe, "supervise",
		"--log-level", cfg.Logging.Level,
		"--log-format", cfg.Logging.Format,
	}
	if cfg.LogDir != "" {
		command = append(command, "--log-dir", cfg.LogDir)
	}
	return &svinit.RemoteSupervisor{
		Command: command,
		Output:  sink,
		Logger:  log,
	}, nil
}

func reloadOnHangup(ctx context.Context, mgr *svinit.Manager, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			report, err := mgr.Reload(ctx)
			logReport(log, "reload", report, err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logReport(log *zap.Logger, what string, report *svinit.Report, err error) {
	if report != nil {
		for _, f := range report.Failures {
			log.Error(what+": service failed",
				zap.String("service", f.Service),
				zap.String("kind", string(f.Kind)),
				zap.String("dependency", f.Dependency),
				zap.String("diagnostic", f.Diagnostic))
		}
		for _, w := range report.Warnings {
			log.Warn(what+": soft dependency failed",
				zap.String("service", w.Service),
				zap.String("dependency", w.Dependency))
		}
		if len(report.Succeeded) > 0 {
			log.Info(what+" complete", zap.Strings("services", report.Succeeded))
		}
	}
	if err != nil {
		log.Error(what+" failed", zap.Error(err))
	}
}
