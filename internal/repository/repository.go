// Package repository resolves evaluations remote-first with a local cache
// fallback.
//
// Every successful remote answer is written back to the cache: a full fetch
// writes one key per flag followed by the collection key, a single-flag fetch
// writes its own key and then patches the matching entry of the collection.
// The collection patch is a read-modify-write across two cache operations and
// is not atomic with respect to a concurrent full fetch.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/metrics"
)

const tracerName = "github.com/matt-riley/flagsync/internal/repository"

// Source is the authority's evaluation API.
type Source interface {
	FetchAll(ctx context.Context, id core.SyncIdentity) ([]core.Evaluation, error)
	FetchOne(ctx context.Context, id core.SyncIdentity, flag string) (core.Evaluation, error)
}

type Repository struct {
	source   Source
	store    cache.Store
	identity core.SyncIdentity
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(*Repository)

func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// New returns a repository scoped to id. It refuses an incomplete identity so
// no remote call can be made before authentication.
func New(source Source, store cache.Store, id core.SyncIdentity, opts ...Option) (*Repository, error) {
	if source == nil {
		return nil, errors.New("source is nil")
	}
	if store == nil {
		return nil, errors.New("cache store is nil")
	}
	if !id.Valid() {
		return nil, fmt.Errorf("%w: sync identity is incomplete", core.ErrNotAuthenticated)
	}

	r := &Repository{
		source:   source,
		store:    store,
		identity: id,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "repository")
	return r, nil
}

func (r *Repository) Identity() core.SyncIdentity {
	return r.identity
}

// FetchAll returns every evaluation for the identity.
//
// On remote failure the cached collection is returned, even when it is empty;
// a cache miss or read failure yields [core.ErrStorage]. On remote success,
// cache write failures do not stop the remaining writes: the evaluations are
// returned together with all write failures wrapped in [core.ErrStorage].
func (r *Repository) FetchAll(ctx context.Context) ([]core.Evaluation, error) {
	ctx, span := r.startSpan(ctx, "repository.FetchAll")
	defer span.End()
	start := time.Now()

	evals, err := r.source.FetchAll(ctx, r.identity)
	if err != nil {
		r.logger.Warn("remote fetch failed, falling back to cache", "error", err)

		cached, ok, cacheErr := cache.Load[[]core.Evaluation](ctx, r.store, core.CollectionKey(r.identity))
		if cacheErr != nil || !ok {
			r.finish(span, metrics.OperationAll, metrics.SourceNone, start)
			err = fmt.Errorf("%w: no cached evaluations: %w", core.ErrStorage, errors.Join(err, cacheErr))
			recordError(span, err)
			return nil, err
		}
		r.finish(span, metrics.OperationAll, metrics.SourceCache, start)
		if cached == nil {
			cached = []core.Evaluation{}
		}
		return cached, nil
	}

	r.finish(span, metrics.OperationAll, metrics.SourceRemote, start)
	if err := r.writeAll(ctx, evals); err != nil {
		recordError(span, err)
		return evals, err
	}
	return evals, nil
}

// FetchOne returns the evaluation of a single flag.
//
// On remote failure the per-flag cache entry is returned; a miss or read
// failure yields [core.ErrNoData]. On remote success the evaluation is
// returned even if writing it back fails, alongside a [core.ErrStorage].
func (r *Repository) FetchOne(ctx context.Context, flag string) (core.Evaluation, error) {
	ctx, span := r.startSpan(ctx, "repository.FetchOne", attribute.String("flagsync.flag", flag))
	defer span.End()
	start := time.Now()

	if flag == "" {
		err := fmt.Errorf("%w: flag identifier is required", core.ErrNoData)
		recordError(span, err)
		return core.Evaluation{}, err
	}

	eval, err := r.source.FetchOne(ctx, r.identity, flag)
	if err != nil {
		r.logger.Warn("remote fetch failed, falling back to cache", "flag", flag, "error", err)

		cached, ok, cacheErr := cache.Load[core.Evaluation](ctx, r.store, core.FlagKey(r.identity, flag))
		if cacheErr != nil || !ok {
			r.finish(span, metrics.OperationOne, metrics.SourceNone, start)
			err = fmt.Errorf("%w: flag %q: %w", core.ErrNoData, flag, errors.Join(err, cacheErr))
			recordError(span, err)
			return core.Evaluation{}, err
		}
		r.finish(span, metrics.OperationOne, metrics.SourceCache, start)
		return cached, nil
	}

	r.finish(span, metrics.OperationOne, metrics.SourceRemote, start)

	var errs []error
	if err := cache.Save(ctx, r.store, core.FlagKey(r.identity, eval.Flag), eval); err != nil {
		errs = append(errs, err)
	}
	if err := r.patchCollection(ctx, eval); err != nil {
		errs = append(errs, err)
	}
	if err := r.storageError(errs); err != nil {
		recordError(span, err)
		return eval, err
	}
	return eval, nil
}

// Cached returns the cached collection without contacting the authority.
// A miss yields [core.ErrNoData]; a read failure yields [core.ErrStorage].
func (r *Repository) Cached(ctx context.Context) ([]core.Evaluation, error) {
	evals, ok, err := cache.Load[[]core.Evaluation](ctx, r.store, core.CollectionKey(r.identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no cached evaluations", core.ErrNoData)
	}
	if evals == nil {
		evals = []core.Evaluation{}
	}
	return evals, nil
}

// CachedOne returns the cached evaluation of flag without contacting the
// authority.
func (r *Repository) CachedOne(ctx context.Context, flag string) (core.Evaluation, error) {
	eval, ok, err := cache.Load[core.Evaluation](ctx, r.store, core.FlagKey(r.identity, flag))
	if err != nil {
		return core.Evaluation{}, fmt.Errorf("%w: %w", core.ErrStorage, err)
	}
	if !ok {
		return core.Evaluation{}, fmt.Errorf("%w: flag %q is not cached", core.ErrNoData, flag)
	}
	return eval, nil
}

func (r *Repository) writeAll(ctx context.Context, evals []core.Evaluation) error {
	var errs []error
	for _, eval := range evals {
		if err := cache.Save(ctx, r.store, core.FlagKey(r.identity, eval.Flag), eval); err != nil {
			errs = append(errs, err)
		}
	}
	if err := cache.Save(ctx, r.store, core.CollectionKey(r.identity), evals); err != nil {
		errs = append(errs, err)
	}
	return r.storageError(errs)
}

// patchCollection replaces the entry for eval.Flag in the cached collection.
// A missing collection, or one without that flag, is left untouched.
func (r *Repository) patchCollection(ctx context.Context, eval core.Evaluation) error {
	key := core.CollectionKey(r.identity)
	evals, ok, err := cache.Load[[]core.Evaluation](ctx, r.store, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	replaced := false
	for i := range evals {
		if evals[i].Flag == eval.Flag {
			evals[i] = eval
			replaced = true
		}
	}
	if !replaced {
		return nil
	}
	return cache.Save(ctx, r.store, key, evals)
}

func (r *Repository) storageError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	r.metrics.AddCacheWriteFailures(len(errs))
	err := fmt.Errorf("%w: %w", core.ErrStorage, errors.Join(errs...))
	r.logger.Error("cache write failed", "failures", len(errs), "error", err)
	return err
}

func (r *Repository) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("flagsync.environment", r.identity.EnvironmentID),
		attribute.String("flagsync.target", r.identity.TargetID),
	)
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (r *Repository) finish(span trace.Span, operation, source string, start time.Time) {
	span.SetAttributes(attribute.String("flagsync.source", source))
	r.metrics.RecordFetch(operation, source, time.Since(start))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
