package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/sonde.report/internal/api"
	"github.com/banshee-data/sonde.report/internal/broadcast"
	"github.com/banshee-data/sonde.report/internal/config"
	"github.com/banshee-data/sonde.report/internal/db"
	"github.com/banshee-data/sonde.report/internal/exporter"
	"github.com/banshee-data/sonde.report/internal/habitat"
	"github.com/banshee-data/sonde.report/internal/httputil"
	"github.com/banshee-data/sonde.report/internal/monitor"
	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/serialmux"
	"github.com/banshee-data/sonde.report/internal/source"
	"github.com/banshee-data/sonde.report/internal/station"
	"github.com/banshee-data/sonde.report/internal/telemetry"
	"github.com/banshee-data/sonde.report/internal/timeutil"
	"github.com/banshee-data/sonde.report/internal/version"
)

const httpShutdownTimeout = 2 * time.Second

func loadConfig(path string) (*config.StationConfig, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// setupLogging applies the configured level and, when a log file is set,
// tees the standard logger into a rotated file.
func setupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := monitoring.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	monitoring.SetLevel(level)
	if cfg.File == "" {
		return io.NopCloser(nil), nil
	}
	rf := monitoring.RotatingFile(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	log.SetOutput(io.MultiWriter(os.Stderr, rf))
	return rf, nil
}

// exporterVars is published once per process; each serve call points it at
// its own exporter.
var exporterVars = func() *expvarSlot {
	v := new(expvarSlot)
	expvar.Publish("sonde_exporter", v)
	return v
}()

type expvarSlot struct {
	mu sync.RWMutex
	v  expvar.Var
}

func (s *expvarSlot) Set(v expvar.Var) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *expvarSlot) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.v == nil {
		return "{}"
	}
	return s.v.String()
}

// trackTasks marks the decoding SDR for every accepted record before it is
// published.
func trackTasks(tasks *station.Tasks, hub *broadcast.Hub) exporter.PublisherFunc {
	return func(name string, payload any) {
		if rec, ok := payload.(telemetry.Record); ok && name == exporter.EventTelemetry {
			tasks.Observe(rec)
		}
		hub.Publish(name, payload)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(parent context.Context, flags serveFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logFile, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()
	monitoring.Infof("starting %s", version.String())

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	clock := timeutil.RealClock{}
	holder := config.NewHolder(cfg)
	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	tasks := station.NewTasks(cfg.Station.SDRs)
	tasks.OnChange(func() { hub.Publish(broadcast.EventTask, tasks.Status()) })
	scan := station.NewScanResults()
	scan.OnChange(func() { hub.Publish(broadcast.EventScan, scan) })

	exp := exporter.New(exporter.Options{
		MaxAge:    cfg.Web.MaxAge,
		Interval:  cfg.Web.ProcessInterval,
		Clock:     clock,
		Publisher: trackTasks(tasks, hub),
		OnEvict:   tasks.Forget,
	})
	exporterVars.Set(exp.Vars())

	removeHook := monitoring.AddHook(broadcast.LogForwarder(hub, clock))
	defer removeHook()

	key := uuid.NewString()
	if flags.keyFile != "" {
		if err := writeKeyFile(flags.keyFile, key); err != nil {
			return err
		}
		defer os.Remove(flags.keyFile)
	}

	srv := api.NewServer(api.Options{
		Archive:     exp.Archive(),
		Hub:         hub,
		Tasks:       tasks,
		Scan:        scan,
		Config:      holder,
		ShutdownKey: key,
		OnShutdown:  cancel,
	})
	mux := srv.ServeMux()

	g, ctx := errgroup.WithContext(ctx)
	// fail stops whatever was started before a set-up error.
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		exp.Close()
		hub.Close()
		return err
	}

	var telemetryLog monitor.TelemetryLog
	var uploadLog habitat.UploadLog
	if cfg.DB.Path != "" {
		database, err := db.NewDB(cfg.DB.Path)
		if err != nil {
			return fail(fmt.Errorf("failed to open telemetry log: %w", err))
		}
		defer database.Close()
		if err := database.AttachAdminRoutes(mux); err != nil {
			return fail(err)
		}
		telemetryLog, uploadLog = database, database
		g.Go(func() error {
			return ignoreCanceled(broadcast.Consume(ctx, hub, broadcast.EventTelemetry, database.RecordEvent))
		})
	}
	monitor.New(exp.Archive(), telemetryLog).AttachAdminRoutes(mux)

	if cfg.Habitat.Enabled {
		up := habitat.NewUploader(habitat.Options{
			URL:              cfg.Habitat.URL,
			PayloadCallsign:  cfg.Habitat.PayloadCallsign,
			UploaderCallsign: cfg.Habitat.UploaderCallsign,
			UploadRate:       cfg.Habitat.UploadRate,
			Retries:          cfg.Habitat.Retries,
			Client:           httputil.NewStandardClient(cfg.Habitat.Timeout),
			Clock:            clock,
			Log:              uploadLog,
		})
		g.Go(func() error { return ignoreCanceled(up.Run(ctx, hub)) })
		if cfg.Station.Lat != 0 || cfg.Station.Lon != 0 {
			g.Go(func() error {
				if err := up.UploadListenerPosition(ctx, cfg.Station.Lat, cfg.Station.Lon); err != nil {
					monitoring.Warnf("habitat: listener position upload failed: %v", err)
				}
				return nil
			})
		}
	}

	var serial serialmux.SerialMuxInterface
	if cfg.Serial.Port != "" {
		sm, err := serialmux.NewRealSerialMux(cfg.Serial.Port, cfg.Serial.PortOptions())
		if err != nil {
			return fail(fmt.Errorf("failed to open serial port: %w", err))
		}
		serial = sm
	} else {
		serial = serialmux.NewDisabledSerialMux()
	}
	defer serial.Close()
	serial.AttachAdminRoutes(mux)
	g.Go(func() error { return ignoreCanceled(serial.Monitor(ctx)) })
	g.Go(func() error { return ignoreCanceled(source.FeedSerial(ctx, serial, exp)) })

	if cfg.UDP.Listen != "" {
		udp := source.NewUDPListener(source.UDPListenerConfig{Address: cfg.UDP.Listen, Sink: exp})
		if err := udp.Listen(); err != nil {
			return fail(err)
		}
		monitoring.Infof("listening for telemetry datagrams on %s", udp.LocalAddr())
		g.Go(func() error { return ignoreCanceled(udp.Start(ctx)) })
	}
	if flags.pcap != "" {
		g.Go(func() error {
			pcfg := source.PCAPReplayConfig{Port: flags.pcapPort, SpeedMultiplier: flags.pcapSpeed}
			return ignoreCanceled(source.ReplayPCAP(ctx, flags.pcap, pcfg, exp))
		})
	}
	if len(flags.replay) > 0 {
		g.Go(func() error {
			return ignoreCanceled(source.ReplayLogs(ctx, flags.replay, flags.replayDelay, exp))
		})
	}

	if cfg.GRPC.Listen != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Listen)
		if err != nil {
			return fail(fmt.Errorf("failed to listen for gRPC: %w", err))
		}
		gs := grpc.NewServer()
		broadcast.NewGRPCService(hub).Register(gs)
		monitoring.Infof("gRPC distribution listening on %s", lis.Addr())
		g.Go(func() error { return gs.Serve(lis) })
		g.Go(func() error {
			<-ctx.Done()
			gs.Stop()
			return nil
		})
	}

	if flags.configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, flags.configPath, holder, func(c *config.StationConfig) {
				if level, err := monitoring.ParseLevel(c.Log.Level); err == nil {
					monitoring.SetLevel(level)
				}
				tasks.SetSDRs(c.Station.SDRs)
			})
		})
	}

	server := &http.Server{
		Addr:    cfg.Web.Listen,
		Handler: api.LoggingMiddleware(mux),
	}
	g.Go(func() error {
		monitoring.Infof("listening on %s", cfg.Web.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		monitoring.Infof("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Warnf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Warnf("HTTP server force close error: %v", err)
			}
		}
		return nil
	})

	err = g.Wait()
	exp.Close()
	hub.Close()
	if err != nil {
		return err
	}
	monitoring.Infof("graceful shutdown complete")
	return nil
}
