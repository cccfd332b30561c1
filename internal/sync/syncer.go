package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/njoerd114/cardrelay/internal/state"
)

// Repository returns the remote collections of a service that are marked
// for synchronization. Implemented by [state.Store].
type Repository interface {
	SyncEnabledCollections(ctx context.Context, serviceID int64) ([]*state.Collection, error)
}

// BoundCollection is a local collection bound to a database collection ID.
type BoundCollection interface {
	LocalCollection
	CollectionID() int64
	// HasLocalChanges reports whether any resource is dirty or deleted.
	HasLocalChanges(ctx context.Context) (bool, error)
}

// CollectionHandler supplies the resource-type specific steps of collection
// reconciliation. Implemented by [contacts.AddressBookSyncer].
type CollectionHandler interface {
	LocalCollections(ctx context.Context) ([]BoundCollection, error)
	CreateLocal(ctx context.Context, remote *state.Collection) (BoundCollection, error)
	UpdateLocal(ctx context.Context, local BoundCollection, remote *state.Collection) error
	DeleteLocal(ctx context.Context, local BoundCollection) error

	// SyncCollection runs a pass for one matched pair.
	SyncCollection(ctx context.Context, local BoundCollection, remote *state.Collection, opts Options, result *Result)
}

// Request describes one sync run of an account.
type Request struct {
	Options

	// UploadTriggered restricts the run to collections with local changes.
	UploadTriggered bool
}

// Syncer converges the local collections of one service with the
// sync-enabled remote collections and syncs each matched pair in turn.
type Syncer struct {
	repo    Repository
	handler CollectionHandler
	log     *slog.Logger
	in      *instruments
	now     func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(repo Repository, handler CollectionHandler, logger *slog.Logger) *Syncer {
	return &Syncer{
		repo:    repo,
		handler: handler,
		log:     logger,
		in:      newInstruments(logger),
		now:     time.Now,
	}
}

type pair struct {
	local  BoundCollection
	remote *state.Collection
}

// Sync reconciles the collections of serviceID and syncs them sequentially.
// Errors are folded into result; a failing collection does not stop its
// siblings.
func (s *Syncer) Sync(ctx context.Context, serviceID int64, req Request, result *Result) {
	ctx, span := s.in.tracer.Start(ctx, spanSyncAccount)
	defer span.End()
	span.SetAttributes(attribute.Int64("sync.service_id", serviceID))

	pairs, err := s.reconcile(ctx, serviceID, result)
	if err != nil {
		s.log.Error("reconciling collections", "service_id", serviceID, "error", err)
		result.Fold(err, s.now())
		span.RecordError(err)
		return
	}

	for _, p := range pairs {
		if ctx.Err() != nil {
			result.Fold(ctx.Err(), s.now())
			return
		}
		if req.UploadTriggered {
			changed, err := p.local.HasLocalChanges(ctx)
			if err != nil {
				result.Fold(err, s.now())
				continue
			}
			if !changed {
				s.log.Debug("no local changes, skipping collection", "collection", p.local.Title())
				continue
			}
		}

		var r Result
		s.handler.SyncCollection(ctx, p.local, p.remote, req.Options, &r)
		if r.HasError() || !r.DelayUntil.IsZero() {
			s.log.Warn("collection sync failed", "collection", p.local.Title(), "outcome", r.Outcome(), "error", r.LastError)
		}
		result.Merge(&r)
	}
}

// reconcile creates, updates and deletes local collections so that exactly
// one exists per sync-enabled remote collection, matched by collection ID.
func (s *Syncer) reconcile(ctx context.Context, serviceID int64, result *Result) ([]pair, error) {
	remotes, err := s.repo.SyncEnabledCollections(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("loading collections: %w: %w", ErrLocalStorage, err)
	}
	locals, err := s.handler.LocalCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading local collections: %w", err)
	}

	byID := make(map[int64]*state.Collection, len(remotes))
	for _, r := range remotes {
		byID[r.ID] = r
	}

	var pairs []pair
	bound := make(map[int64]bool, len(locals))
	for _, l := range locals {
		remote, ok := byID[l.CollectionID()]
		if !ok || bound[l.CollectionID()] {
			s.log.Info("removing local collection", "collection", l.Title(), "collection_id", l.CollectionID())
			if err := s.handler.DeleteLocal(ctx, l); err != nil {
				result.Fold(err, s.now())
			}
			continue
		}
		bound[l.CollectionID()] = true
		if err := s.handler.UpdateLocal(ctx, l, remote); err != nil {
			result.Fold(err, s.now())
			continue
		}
		pairs = append(pairs, pair{local: l, remote: remote})
	}

	for _, r := range remotes {
		if bound[r.ID] {
			continue
		}
		s.log.Info("creating local collection", "collection", r.Title(), "collection_id", r.ID)
		l, err := s.handler.CreateLocal(ctx, r)
		if err != nil {
			result.Fold(err, s.now())
			continue
		}
		pairs = append(pairs, pair{local: l, remote: r})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].remote.URL < pairs[j].remote.URL })
	return pairs, nil
}
