package offlineworker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-worker/cache"
	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"
	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	DefaultShell    = "./index.html"
	DefaultManifest = "./manifest.json"
)

type Config struct {
	// Storage for cache generations.
	Cache cache.Store
	// Where requests go when the cache cannot answer them.
	// An HTTPNetwork with a 30 second timeout is used if nil.
	Network Network
	// Keeps cache writes alive after the response has been returned.
	// A BackgroundScheduler is used if nil.
	Scheduler Scheduler
	// Absolute URL that relative asset URLs and incoming request URIs resolve against.
	Scope string
	// Name of the cache generation owned by this worker version.
	Generation string
	// URLs to pre-populate the generation with on install.
	Assets []string
	// Entry page served to navigations when the network fails.
	// Defaults to "./index.html".
	Shell string
	// Subset of the assets that install falls back to when some asset cannot be fetched.
	// Defaults to the shell and "./manifest.json".
	Essentials []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is one version of the offline cache worker.
// It moves through the lifecycle with Install and Activate,
// and answers requests with Fetch or ServeHTTP.
type Worker struct {
	store      cache.Store
	network    Network
	scheduler  Scheduler
	keyer      cachekey.CacheKeyer
	generation string
	assets     []string
	essentials []string
	shellKey   string
	log        zerolog.Logger

	mu      sync.RWMutex
	state   State
	current cache.Generation
}

// New creates a worker version in the unregistered state.
func New(config Config) (*Worker, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if config.Generation == "" {
		return nil, fmt.Errorf("generation is required")
	}
	keyer, err := cachekey.NewCacheKeyer(config.Scope)
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("generation", config.Generation).
		Logger()

	shell := config.Shell
	if shell == "" {
		shell = DefaultShell
	}
	essentials := config.Essentials
	if len(essentials) == 0 {
		essentials = []string{shell, DefaultManifest}
	}
	shellReq, err := keyer.NewRequest(http.MethodGet, shell)
	if err != nil {
		return nil, fmt.Errorf("shell %s: %w", shell, err)
	}

	a := &Worker{
		store:      config.Cache,
		network:    config.Network,
		scheduler:  config.Scheduler,
		keyer:      keyer,
		generation: config.Generation,
		assets:     config.Assets,
		essentials: essentials,
		shellKey:   keyer.GetKey(shellReq),
		log:        logger,
	}
	if a.network == nil {
		a.network = NewHTTPNetwork(30 * time.Second)
	}
	if a.scheduler == nil {
		a.scheduler = NewBackgroundScheduler(32, 30*time.Second, logger)
	}
	return a, nil
}

func (a *Worker) Generation() string {
	return a.generation
}

// ServeHTTP implements the http.Handler interface.
func (a *Worker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)
	logger := getLogger(r, &a.log)

	req, err := a.absoluteRequest(r)
	if err != nil {
		logger.Warn().Err(err).Str("uri", r.RequestURI).Msg("Could not resolve request")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var cs CacheStatus
	res, err := a.fetch(req.Context(), req, &cs)
	if err != nil {
		logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not get response")
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	send(w, res, cs)
	logRequest(logger, req, cs)
}

// recover recovers from panics so that a single request can never take the worker down.
func (a *Worker) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in worker handler")
		http.Error(w, "Could not get response", http.StatusBadGateway)
	}
}

// absoluteRequest returns a copy of r whose URL is resolved against the scope.
// Incoming server requests only carry the request URI.
func (a *Worker) absoluteRequest(r *http.Request) (*http.Request, error) {
	if r.URL.IsAbs() {
		return r, nil
	}
	u, err := a.keyer.Resolve(r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	req := r.Clone(r.Context())
	req.URL = u
	req.Host = u.Host
	req.RequestURI = ""
	return req, nil
}

func send(w http.ResponseWriter, res serializer.Response, cs CacheStatus) {
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

func logRequest(logger *zerolog.Logger, r *http.Request, cs CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the fallback logger.
func getLogger(r *http.Request, fallback *zerolog.Logger) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = fallback
	}
	return logger
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// Middleware puts a worker in front of next. Requests the worker cannot answer
// from the cache are served by next.
// The worker is installed and activated before Middleware returns.
// config.Network is ignored.
func Middleware(config Config, next http.Handler) (http.Handler, error) {
	network := HandlerNetwork{Handler: next}
	config.Network = network
	w, err := New(config)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistration(config.Scope, network, &w.log)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(context.Background(), w); err != nil {
		return nil, err
	}
	return reg, nil
}
