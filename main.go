package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/logger"
	"github.com/migadu/tern/server"
	"github.com/migadu/tern/server/delivery"
	"github.com/migadu/tern/server/ingress"
	"github.com/migadu/tern/server/relayqueue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := newDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fDebug := flag.Bool("debug", cfg.Servers.Debug, "Print all commands and responses (overrides config)")
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout', 'syslog' or file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: 'debug', 'info', 'warn', 'error' (overrides config)")
	fStartLmtp := flag.Bool("lmtp", cfg.Servers.LMTP.Start, "Start the LMTP server (overrides config)")
	fLmtpAddr := flag.String("lmtpaddr", cfg.Servers.LMTP.Addr, "LMTP server address (overrides config)")
	fStartMetrics := flag.Bool("metrics", cfg.Servers.Metrics.Start, "Start the metrics endpoint (overrides config)")
	fMetricsAddr := flag.String("metricsaddr", cfg.Servers.Metrics.Addr, "Metrics endpoint address (overrides config)")
	fQueuePath := flag.String("queuepath", cfg.Forward.Queue.Path, "Forward queue spool directory (overrides config)")

	flag.Parse()

	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet("config") {
				fmt.Fprintf(os.Stderr, "Error: specified configuration file '%s' not found: %v\n", *configPath, err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error parsing configuration file '%s': %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	if isFlagSet("debug") {
		cfg.Servers.Debug = *fDebug
	}
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("lmtp") {
		cfg.Servers.LMTP.Start = *fStartLmtp
	}
	if isFlagSet("lmtpaddr") {
		cfg.Servers.LMTP.Addr = *fLmtpAddr
	}
	if isFlagSet("metrics") {
		cfg.Servers.Metrics.Start = *fStartMetrics
	}
	if isFlagSet("metricsaddr") {
		cfg.Servers.Metrics.Addr = *fMetricsAddr
	}
	if isFlagSet("queuepath") {
		cfg.Forward.Queue.Path = *fQueuePath
	}
	if cfg.Servers.Debug && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if !cfg.Servers.LMTP.Start {
		logger.Fatal("No servers enabled. Enable the LMTP server to accept mail.")
	}
	if cfg.SRS.Secret == "" {
		logger.Warn("SRS secret not configured; bounce-redirect addresses will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to the database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	counters := db.NewRateCounterStore(database)
	limiter := server.NewRateLimiter(&cfg.Limits, counters)
	go pruneRateCounters(ctx, counters)
	provisioner := ingress.NewProvisioner(&cfg.Provisioning, database)
	resolver := ingress.NewResolver(database, limiter, &cfg.Limits, provisioner)

	errChan := make(chan error, 1)

	retryBackoff, err := cfg.Forward.Queue.GetRetryBackoff()
	if err != nil {
		logger.Fatal("Invalid forward queue retry_backoff", "error", err)
	}
	workerInterval, err := cfg.Forward.Queue.GetWorkerInterval()
	if err != nil {
		logger.Fatal("Invalid forward queue worker_interval", "error", err)
	}
	queue, err := relayqueue.NewDiskQueue(cfg.Forward.Queue.Path, cfg.Forward.Queue.MaxAttempts, retryBackoff)
	if err != nil {
		logger.Fatal("Failed to initialize forward queue", "error", err)
	}
	if recovered, err := queue.RecoverOrphaned(); err != nil {
		logger.Fatal("Failed to recover orphaned dispatches", "error", err)
	} else if recovered > 0 {
		logger.Info("Recovered orphaned forward dispatches", "count", recovered)
	}

	// Targets carry their own relay host or webhook URL; the configured
	// relay_addr and http_url are fallbacks for targets that name none.
	smtpTransport := relayqueue.NewSMTPTransport(cfg.Forward.RelayAddr,
		cfg.Forward.RelayStartTLS, cfg.Forward.RelayTLSVerify)
	httpTransport := relayqueue.NewHTTPTransport(cfg.Forward.HTTPURL,
		cfg.Forward.AuthToken, cfg.Forward.Zone, cfg.Forward.Collection)

	worker := relayqueue.NewWorker(queue, smtpTransport, httpTransport,
		workerInterval, cfg.Forward.Queue.BatchSize, cfg.Forward.Queue.Concurrency, errChan)
	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Failed to start forward worker", "error", err)
	}
	defer worker.Stop()

	originTag := cfg.Forward.OriginTag
	if originTag == "" {
		originTag = hostname
	}
	dispatcher := &relayqueue.Dispatcher{
		Queue:     queue,
		Log:       database,
		OriginTag: originTag,
		Notifier:  worker,
	}

	engine, err := delivery.NewSieveEngine(cfg.Filter, database, nil, dispatcher, deliveryLogger{})
	if err != nil {
		logger.Fatal("Failed to initialize filter engine", "error", err)
	}
	fanout := &delivery.Fanout{Engine: engine, Logger: deliveryLogger{}}

	if cfg.Servers.LMTP.Start {
		go startLMTPServer(ctx, hostname, resolver, dispatcher, fanout, errChan, cfg)
	}
	if cfg.Servers.Metrics.Start {
		go startMetricsServer(ctx, cfg.Servers.Metrics, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errChan:
		logger.Fatal("Server error", "error", err)
	}
}

func startLMTPServer(ctx context.Context, hostname string, resolver *ingress.Resolver, dispatcher *relayqueue.Dispatcher, fanout *delivery.Fanout, errChan chan error, cfg Config) {
	maxMessageSize, err := cfg.Servers.LMTP.GetMaxMessageSize()
	if err != nil {
		errChan <- fmt.Errorf("invalid max_message_size: %w", err)
		return
	}

	backend, err := ingress.New(ctx, "lmtp", hostname, cfg.Servers.LMTP.Addr,
		resolver, dispatcher, fanout, &cfg.SRS, ingress.Options{
			Debug:          cfg.Servers.Debug,
			TLS:            cfg.Servers.LMTP.TLS,
			TLSCertFile:    cfg.Servers.LMTP.TLSCertFile,
			TLSKeyFile:     cfg.Servers.LMTP.TLSKeyFile,
			TLSVerify:      cfg.Servers.LMTP.TLSVerify,
			MaxMessageSize: maxMessageSize,
		})
	if err != nil {
		errChan <- fmt.Errorf("failed to create LMTP server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down LMTP server")
		if err := backend.Close(); err != nil {
			logger.Error("Error closing LMTP server", "error", err)
		}
	}()

	backend.Start(errChan)
}

func startMetricsServer(ctx context.Context, cfg MetricsServerConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics endpoint listening", "addr", cfg.Addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// pruneRateCounters periodically deletes rate-limit windows that closed more
// than a day ago. Counting stays correct without it; this only keeps the
// table small.
func pruneRateCounters(ctx context.Context, counters *db.RateCounterStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := counters.PruneExpired(ctx, 24*time.Hour)
			if err != nil {
				logger.Warn("Failed to prune rate counters", "error", err)
			} else if pruned > 0 {
				logger.Debug("Pruned expired rate counters", "count", pruned)
			}
		}
	}
}

// deliveryLogger routes fan-out and filter engine messages into the
// structured logger.
type deliveryLogger struct{}

func (deliveryLogger) Log(format string, args ...any) {
	logger.Infof(format, args...)
}

// isFlagSet reports whether a flag was explicitly set on the command line.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
