package offlineworker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	cachekey "github.com/always-cache/offline-worker/pkg/cache-key"

	"github.com/rs/zerolog"
)

// Registration hosts successive versions of the worker for one scope.
// It installs and activates new versions, retires the ones they replace,
// and dispatches requests to the version in control.
type Registration struct {
	keyer   cachekey.CacheKeyer
	network Network
	log     zerolog.Logger

	// serializes Register calls
	registerMutex sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker

	controller atomic.Pointer[Worker]
}

// NewRegistration creates an empty registration for scope.
// Requests that no worker controls are resolved against scope and sent to network.
func NewRegistration(scope string, network Network, logger *zerolog.Logger) (*Registration, error) {
	keyer, err := cachekey.NewCacheKeyer(scope)
	if err != nil {
		return nil, err
	}
	if network == nil {
		network = NewHTTPNetwork(0)
	}
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Registration{
		keyer:   keyer,
		network: network,
		log:     log,
	}, nil
}

// lifecycleHost receives the lifecycle signals of one worker version.
type lifecycleHost struct {
	reg         *Registration
	w           *Worker
	skipWaiting atomic.Bool
}

func (h *lifecycleHost) SkipWaiting() {
	h.skipWaiting.Store(true)
}

func (h *lifecycleHost) Claim() {
	switch h.w.State() {
	case StateActivating, StateActivated:
		h.reg.controller.Store(h.w)
		h.reg.log.Debug().Str("generation", h.w.Generation()).Msg("Worker claimed control")
	}
}

// Register installs w and, if it asked to skip waiting or no version is active yet,
// activates it in place of the current version.
// If install fails w is redundant and the current version stays in control.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.registerMutex.Lock()
	defer r.registerMutex.Unlock()

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	host := &lifecycleHost{reg: r, w: w}
	err := w.Install(ctx, host)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		r.log.Error().Err(err).Str("generation", w.Generation()).Msg("Worker install failed")
		return err
	}
	if r.waiting != nil && r.waiting != w {
		r.waiting.retire()
	}
	r.waiting = w
	activateNow := host.skipWaiting.Load() || r.active == nil
	r.mu.Unlock()

	if !activateNow {
		r.log.Info().Str("generation", w.Generation()).Msg("Worker installed and waiting")
		return nil
	}
	return r.activate(ctx, w, host)
}

func (r *Registration) activate(ctx context.Context, w *Worker, host *lifecycleHost) error {
	r.mu.Lock()
	old := r.active
	r.waiting = nil
	r.active = w
	r.mu.Unlock()

	// the old version stops writing before its generation is deleted
	if old != nil && old != w {
		old.retire()
	}
	err := w.Activate(ctx, host)
	if err != nil {
		// stale generations that could not be deleted are left behind, the worker is still usable
		r.log.Warn().Err(err).Str("generation", w.Generation()).Msg("Worker activated with errors")
	}
	if old != nil && old != w {
		// pages controlled by the old version move to the new one
		r.controller.CompareAndSwap(old, w)
	}
	if w.State() != StateActivated {
		return err
	}
	return nil
}

// Active returns the active worker version or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Installing returns the version being installed, or nil.
func (r *Registration) Installing() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installing
}

// Waiting returns the installed version waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Controller returns the version that requests are dispatched to, or nil.
func (r *Registration) Controller() *Worker {
	return r.controller.Load()
}

// ServeHTTP dispatches the request to the controlling version.
// A navigation makes the active version the controller if none has claimed yet.
// Uncontrolled requests go straight to the network.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if c := r.controller.Load(); c != nil {
		c.ServeHTTP(w, req)
		return
	}
	if Classify(req) == ModeNavigate {
		if active := r.Active(); active != nil && active.State() == StateActivated {
			r.controller.CompareAndSwap(nil, active)
			r.controller.Load().ServeHTTP(w, req)
			return
		}
	}
	r.passThrough(w, req)
}

func (r *Registration) passThrough(w http.ResponseWriter, req *http.Request) {
	logger := getLogger(req, &r.log)
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)

	out := req
	if !req.URL.IsAbs() {
		u, err := r.keyer.Resolve(req.URL.RequestURI())
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		out = req.Clone(req.Context())
		out.URL = u
		out.Host = u.Host
		out.RequestURI = ""
	}
	res, err := r.network.Fetch(req.Context(), out)
	if err != nil {
		logger.Warn().Err(err).Str("url", out.URL.String()).Msg("Could not get response")
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	send(w, res, cs)
	logRequest(logger, out, cs)
}
