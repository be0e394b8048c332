package offlineworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/always-cache/offline-worker/cache"
	serializer "github.com/always-cache/offline-worker/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInstallFailed     = errors.New("install failed")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrBadStatus         = errors.New("bad response status")
)

type State int

const (
	StateUnregistered State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Host is the runtime that drives a worker through its lifecycle.
type Host interface {
	// SkipWaiting asks the host to activate the worker as soon as it is installed,
	// even if an older version is still in control.
	SkipWaiting()
	// Claim asks the host to route requests to the worker right away.
	Claim()
}

func (a *Worker) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// transition moves the worker to state `to` if it currently is in one of `from`.
func (a *Worker) transition(to State, from ...State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range from {
		if a.state == s {
			a.log.Trace().Str("from", s.String()).Str("to", to.String()).Msg("Lifecycle transition")
			a.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, a.state, to)
}

// retire marks the worker redundant. Used when a newer version takes over.
func (a *Worker) retire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRedundant {
		a.log.Debug().Str("from", a.state.String()).Msg("Worker is redundant")
		a.state = StateRedundant
	}
}

// Install pre-populates the worker's generation with the asset list.
// If any asset cannot be fetched it falls back to the essentials only.
// The caller's cancellation does not abort population.
func (a *Worker) Install(ctx context.Context, host Host) error {
	ctx = context.WithoutCancel(ctx)
	if err := a.transition(StateInstalling, StateUnregistered); err != nil {
		return err
	}
	host.SkipWaiting()

	names, err := a.store.Names(ctx)
	if err != nil {
		a.retire()
		return fmt.Errorf("%w: list generations: %w", ErrInstallFailed, err)
	}
	existed := slices.Contains(names, a.generation)
	gen, err := a.store.Open(ctx, a.generation)
	if err != nil {
		a.retire()
		return fmt.Errorf("%w: open generation %s: %w", ErrInstallFailed, a.generation, err)
	}
	a.mu.Lock()
	a.current = gen
	a.mu.Unlock()

	if err := a.addAll(ctx, gen, a.assets); err != nil {
		a.log.Warn().Err(err).Int("assets", len(a.assets)).Msg("Could not cache assets, falling back to essentials")
		if err := a.addAll(ctx, gen, a.essentials); err != nil {
			a.log.Error().Err(err).Strs("essentials", a.essentials).Msg("Could not cache essentials")
			a.retire()
			// a generation this install created has no owner left
			if !existed {
				if _, derr := a.store.Delete(ctx, a.generation); derr != nil {
					a.log.Warn().Err(derr).Msg("Could not delete generation of failed install")
				}
			}
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
	}

	if err := a.transition(StateInstalled, StateInstalling); err != nil {
		return err
	}
	a.log.Info().Msg("Worker installed")
	return nil
}

// addAll fetches every URL and stores the responses in gen.
// Either all of them are stored or none.
func (a *Worker) addAll(ctx context.Context, gen cache.Generation, urls []string) error {
	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			req, err := a.keyer.NewRequest(http.MethodGet, u)
			if err != nil {
				return err
			}
			res, err := a.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !res.OK() {
				return fmt.Errorf("%w: %s returned %d", ErrBadStatus, req.URL, res.StatusCode)
			}
			b, err := serializer.Encode(res)
			if err != nil {
				return err
			}
			entries[i] = cache.Entry{Key: a.keyer.GetKey(req), Bytes: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := gen.PutAll(ctx, entries); err != nil {
		return err
	}
	a.log.Debug().Int("entries", len(entries)).Msg("Stored assets")
	return nil
}

// Activate deletes every generation other than the worker's own,
// then claims control through the host.
// Deletion errors are returned but do not stop activation.
func (a *Worker) Activate(ctx context.Context, host Host) error {
	if err := a.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	var errs []error
	names, err := a.store.Names(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list generations: %w", err))
	}
	for _, name := range names {
		if name == a.generation {
			continue
		}
		if _, err := a.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete generation %s: %w", name, err))
			continue
		}
		a.log.Info().Str("stale", name).Msg("Deleted stale generation")
	}

	host.Claim()
	if err := a.transition(StateActivated, StateActivating); err != nil {
		return err
	}
	a.log.Info().Msg("Worker activated")
	return errors.Join(errs...)
}
