package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlineworker "github.com/always-cache/offline-worker"
	"github.com/always-cache/offline-worker/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	generationFlag     string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Deployment config file (YAML)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to, used as the worker scope (overrides config)")
	flag.StringVar(&generationFlag, "generation", "", "Cache generation of this deployment (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 8080)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: memory, sqlite, leveldb or redis (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file or directory (use 'memory' for in-memory sqlite)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// loadDeployment reads the config file, if any, and applies the flag overrides.
func loadDeployment() (offlineworker.Deployment, error) {
	var d offlineworker.Deployment
	if configFlag != "" {
		var err error
		if d, err = offlineworker.LoadDeployment(configFlag); err != nil {
			return d, err
		}
	}
	if originFlag != "" {
		d.Scope = originFlag
	}
	if generationFlag != "" {
		d.Generation = generationFlag
	}
	if d.Generation == "" {
		d.Generation = "v1"
	}
	if portFlag != 0 {
		d.Server.Port = portFlag
	}
	if providerFlag != "" {
		d.Store.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		d.Store.Path = dbFilenameFlag
	}
	err := d.Validate()
	return d, err
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	deployment, err := loadDeployment()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid deployment config")
	}

	store, err := cache.New(deployment.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache store")
	}
	network := offlineworker.NewHTTPNetwork(deployment.NetworkTimeout())
	scheduler := offlineworker.NewBackgroundScheduler(deployment.Scheduler.Concurrency, deployment.SchedulerTimeout(), log.Logger)

	reg, err := offlineworker.NewRegistration(deployment.Scope, network, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scope")
	}

	// reload creates a worker version from a freshly read config
	// the store, network and scheduler are shared by all versions
	reload := func(ctx context.Context) (*offlineworker.Worker, error) {
		d, err := loadDeployment()
		if err != nil {
			return nil, err
		}
		if d.Scope != deployment.Scope {
			log.Warn().Str("scope", d.Scope).Msg("Scope cannot change without a restart, ignoring")
			d.Scope = deployment.Scope
		}
		return offlineworker.New(d.WorkerConfig(store, network, scheduler, &log.Logger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker, err := reload(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}
	// a failed install is not fatal, requests pass through until a version activates
	reg.Register(ctx, worker)

	// redeploy on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Info().Msg("Reloading deployment config")
			w, err := reload(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Could not reload deployment config")
				continue
			}
			if active := reg.Active(); active != nil && active.Generation() == w.Generation() {
				log.Info().Str("generation", w.Generation()).Msg("Generation unchanged")
				continue
			}
			reg.Register(ctx, w)
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", deployment.Server.Port),
		Handler: offlineworker.Router(reg, store, reload, log.Logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving port %v for scope %s (generation '%s')", deployment.Server.Port, deployment.Scope, deployment.Generation)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	signal.Stop(hup)
	// let pending cache writes finish
	scheduler.Wait()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache store")
	}
}
