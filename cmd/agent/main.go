package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relex/gotils/logger"

	"github.com/Chichichkin/SnowpipeAgent/internal/auth"
	"github.com/Chichichkin/SnowpipeAgent/internal/config"
	"github.com/Chichichkin/SnowpipeAgent/internal/daemon"
	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
	"github.com/Chichichkin/SnowpipeAgent/internal/logging/buffer"
	"github.com/Chichichkin/SnowpipeAgent/internal/logging/pipeline"
	"github.com/Chichichkin/SnowpipeAgent/internal/logging/snowpipe"
	"github.com/Chichichkin/SnowpipeAgent/internal/stage"
)

const shutdownTimeout = 2 * time.Minute

type uploader interface {
	logging.StageUploader
	io.Closer
}

type Agent struct {
	pipeline *pipeline.Pipeline
	daemon   *daemon.Service
	uploader uploader
	metrics  *http.Server
	stopRun  context.CancelFunc
}

func main() {
	settings, err := config.Load("")
	if err != nil {
		logger.Fatalf("failed to load settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := StartAgent(ctx, settings)
	if err != nil {
		logger.Fatalf("failed to start: %v", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signalChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	if err := agent.Shutdown(shutdownTimeout); err != nil {
		logger.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}

func StartAgent(ctx context.Context, settings *config.Settings) (*Agent, error) {
	// a bad key should stop the agent now, not at the first flush
	key, err := auth.LoadPrivateKey(settings.PrivateKeyFilename, settings.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}
	fingerprint, err := auth.Fingerprint(&key.Key.PublicKey)
	if err != nil {
		return nil, err
	}
	logger.Infof("loaded %s private key %s, public key fingerprint %s", key.Encoding, settings.PrivateKeyFilename, fingerprint)

	up, err := newUploader(ctx, settings, key)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buf := buffer.New(logger.Root(), buffer.Config{
		Path:       settings.CurrentLogFilename,
		TempPrefix: settings.TempFilePrefix,
		Thresholds: settings.Thresholds(),
	}, up)

	signer := &auth.KeyFileSigner{
		Account:    settings.Account,
		User:       settings.User,
		KeyPath:    settings.PrivateKeyFilename,
		Passphrase: settings.PrivateKeyPassphrase,
	}

	notifier := snowpipe.NewNotifier(logger.Root(), snowpipe.Config{
		Account:  settings.Account,
		Host:     settings.Host,
		Database: settings.DatabaseName,
		Schema:   settings.SchemaName,
		Pipe:     settings.PipeName,
		Timeout:  settings.NotifyTimeout.Duration,
	})

	p := pipeline.New(logger.Root(), pipeline.Config{
		TickInterval: settings.TickInterval.Duration,
		Registerer:   registry,
	}, buf, signer, notifier)

	runCtx, stopRun := context.WithCancel(context.Background())
	go p.Run(runCtx)

	agent := &Agent{
		pipeline: p,
		uploader: up,
		stopRun:  stopRun,
	}

	if settings.Input.RootPath != "" {
		d, err := daemon.NewService(ctx, logger.Root(), daemon.Config{
			RootPath:           settings.Input.RootPath,
			Pattern:            settings.Input.Pattern,
			ScanInterval:       settings.Input.ScanInterval.Duration,
			MinWorkers:         settings.Input.MinWorkers,
			MaxWorkers:         settings.Input.MaxWorkers,
			FileQueueSize:      settings.Input.QueueSize,
			ScaleUpThreshold:   settings.Input.ScaleUpThreshold,
			ScaleDownThreshold: settings.Input.ScaleDownThreshold,
			ScaleCheckInterval: settings.Input.ScaleCheckInterval.Duration,
			FileIdleTimeout:    settings.Input.FileIdleTimeout.Duration,
			FromBeginning:      settings.Input.FromBeginning,
		}, p)
		if err != nil {
			stopRun()
			_ = up.Close()
			return nil, err
		}
		if err := d.Metrics().Register(registry); err != nil {
			stopRun()
			_ = up.Close()
			return nil, fmt.Errorf("failed to register daemon metrics: %w", err)
		}
		d.Start()
		agent.daemon = d
	}

	if settings.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		agent.metrics = &http.Server{
			Addr:              settings.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := agent.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics listener: %v", err)
			}
		}()
	}

	logger.Infof("agent started: pipe %s.%s.%s, stage kind %s", settings.DatabaseName, settings.SchemaName, settings.PipeName, settings.Stage.Kind)
	return agent, nil
}

func newUploader(ctx context.Context, settings *config.Settings, key *auth.PrivateKey) (uploader, error) {
	switch settings.Stage.Kind {
	case config.StageS3:
		return stage.NewExternalStage(ctx, logger.Root(), stage.S3Config{
			Bucket:          settings.Stage.S3.Bucket,
			Prefix:          settings.Stage.S3.Prefix,
			Region:          settings.Stage.S3.Region,
			Endpoint:        settings.Stage.S3.Endpoint,
			AccessKeyID:     settings.Stage.S3.AccessKeyID,
			SecretAccessKey: settings.Stage.S3.SecretAccessKey,
			UsePathStyle:    settings.Stage.S3.UsePathStyle,
		})
	default:
		return stage.OpenInternalStage(logger.Root(), stage.InternalConfig{
			Account:    settings.Account,
			Host:       settings.Account + "." + settings.Host,
			User:       settings.User,
			Role:       settings.Role,
			Warehouse:  settings.Warehouse,
			Database:   settings.DatabaseName,
			Schema:     settings.SchemaName,
			Stage:      settings.StageName,
			PrivateKey: key.Key,
		})
	}
}

// Shutdown stops the input first so that the final drain sees every line.
func (a *Agent) Shutdown(timeout time.Duration) error {
	if a.daemon != nil {
		a.daemon.Stop()
	}
	a.stopRun()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.pipeline.Drain(ctx); err != nil {
		var uploadErr *logging.UploadError
		if errors.As(err, &uploadErr) {
			logger.Errorf("buffered records left in %s", uploadErr.File)
		}
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	stats := a.pipeline.Stats()
	logger.Infof("records=%d, files uploaded=%d, notifications=%d, failed cycles=%d",
		stats.Records, stats.DiskFlushes, stats.Notifications, stats.CycleFailures)

	if err := a.uploader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stage: %w", err))
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics listener: %w", err))
		}
	}
	return errors.Join(errs...)
}
