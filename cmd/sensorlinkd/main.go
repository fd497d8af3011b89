// Command sensorlinkd reads telemetry frames from a sensor board over a
// serial link, recovers lost samples, and forwards the data to MQTT and
// Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kabili207/sensorlink/config"
	"github.com/kabili207/sensorlink/core/codec"
	"github.com/kabili207/sensorlink/device/connection"
	"github.com/kabili207/sensorlink/device/link"
	"github.com/kabili207/sensorlink/device/metrics"
	"github.com/kabili207/sensorlink/device/retrieval"
	"github.com/kabili207/sensorlink/transport"
	"github.com/kabili207/sensorlink/transport/mqtt"
	"github.com/kabili207/sensorlink/transport/serial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults if empty)")
	portName := flag.String("port", "", "Serial port, overrides link.port")
	interactive := flag.Bool("shell", false, "Start the interactive console")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portName != "" {
		cfg.Link.Port = *portName
	}

	logger := initLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting",
		slog.String("link", cfg.Link.Name),
		slog.String("port", cfg.Link.Port),
		slog.Int("baud_rate", cfg.Link.BaudRate),
		slog.Bool("mqtt", cfg.MQTT.Enabled),
		slog.Bool("metrics", cfg.Metrics.Enabled),
	)

	if err := run(ctx, cfg, logger, *interactive); err != nil {
		logger.Error("sensorlinkd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func initLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, interactive bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	name := cfg.Link.Name
	if cfg.Link.Port == "" {
		if found, err := serial.Discover(); err != nil {
			logger.Warn("no serial port found, will keep looking", "error", err)
		} else {
			logger.Info("discovered serial port", "port", found)
		}
	}
	port := serial.New(serial.Config{
		Port:        cfg.Link.Port,
		BaudRate:    cfg.Link.BaudRate,
		ReadTimeout: cfg.Link.ReadTimeout,
		Logger:      logger,
	})
	watchdog := connection.NewManager(connection.ManagerConfig{
		StaleTimeout: cfg.Link.StaleTimeout,
		Logger:       logger,
	})
	tracker := retrieval.NewTracker(retrieval.TrackerConfig{
		Timeout: cfg.Link.RetrievalTimeout,
		Logger:  logger,
	})
	worker := link.New(link.Config{
		Name:              name,
		Port:              port,
		ReconnectInterval: cfg.Link.ReconnectInterval,
		Watchdog:          watchdog,
		Tracker:           tracker,
		Logger:            logger,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if err := m.AddLink(worker); err != nil {
		return fmt.Errorf("registering link metrics: %w", err)
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.UseTLS,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			LinkName:    name,
			Logger:      logger,
		})
		bridge.SetCommandHandler(worker.Stage)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting mqtt bridge: %w", err)
		}
		defer bridge.Stop()
	}

	publishState := func(event transport.Event, err error) {
		if bridge == nil {
			return
		}
		if perr := bridge.PublishState(event); perr != nil {
			logger.Debug("failed to publish link state", "state", event, "error", perr)
		}
	}

	worker.SetStateHandler(publishState)
	worker.SetPacketHandler(func(p *codec.Packet, recovered bool) {
		logger.Debug("packet", "sample", p.Sample, "control", p.Control, "recovered", recovered)
		if bridge == nil {
			return
		}
		if err := bridge.PublishPacket(p, recovered); err != nil {
			logger.Debug("failed to publish telemetry", "sample", p.Sample, "error", err)
		}
	})
	worker.SetRecoveryHandler(func(_ uint32, latency time.Duration) {
		m.RecordRecovery(name, latency)
	})
	tracker.SetOnExpired(func(p retrieval.Pending) {
		m.RecordRetrievalExpired(name)
		logger.Warn("sample lost", "sample", p.Sample, "requests", p.Attempts)
	})
	watchdog.SetOnStale(func(linkName string, _ time.Duration) {
		m.RecordStale(linkName)
		publishState(transport.EventStale, nil)
	})
	watchdog.SetOnLive(func(string) {
		publishState(transport.EventConnected, nil)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		watchdog.Start(gctx)
		return nil
	})
	g.Go(func() error {
		tracker.Start(gctx)
		return nil
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if interactive {
		sh := newShell(worker, tracker, watchdog)
		done := make(chan struct{})
		g.Go(func() error {
			defer close(done)
			sh.Run()
			cancel()
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			select {
			case <-done:
			default:
				sh.Close()
			}
			return nil
		})
	}

	return g.Wait()
}
