package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/njoerd114/cardrelay/internal/davclient"
)

// MaxMultigetResources is the download batch size of one multiget REPORT.
const MaxMultigetResources = 10

// Resync discards stored state before a pass.
type Resync int

const (
	ResyncNone Resync = iota
	// ResyncEntries drops the stored sync state so every member is listed.
	ResyncEntries
	// ResyncAll also forgets local ETags so every member is downloaded.
	ResyncAll
)

// Options tunes a single pass.
type Options struct {
	Resync Resync
}

// Manager runs synchronization passes. It holds no per-collection state and
// may be shared by concurrent passes over different collections.
type Manager struct {
	log *slog.Logger
	in  *instruments
	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{log: logger, in: newInstruments(logger), now: time.Now}
}

// PerformSync runs one pass for local against the remote collection behind
// adapter. It never returns an error: failures are folded into result and the
// stored sync state is only advanced when the pass completed cleanly.
func (m *Manager) PerformSync(ctx context.Context, local LocalCollection, adapter Adapter, opts Options, result *Result) {
	attrs := []attribute.KeyValue{attribute.String("sync.collection", local.Title())}
	ctx, span := m.in.tracer.Start(ctx, spanPerformSync)
	defer span.End()
	span.SetAttributes(attrs...)

	p := &pass{
		local:   local,
		adapter: adapter,
		opts:    opts,
		log:     m.log.With("collection", local.Title()),
	}
	start := m.now()
	p.log.Info("sync pass started")

	err := p.run(ctx)
	if err != nil {
		result.Fold(err, m.now())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case isCanceled(err):
			p.log.Info("sync pass canceled", "error", err)
		case davclient.IsStatus(err, http.StatusServiceUnavailable):
			p.log.Warn("server unavailable, deferring", "until", result.DelayUntil)
		default:
			p.log.Error("sync pass aborted", "error", err)
		}
	}

	failed := err != nil || p.itemErrors > 0
	elapsed := m.now().Sub(start)
	m.in.record(ctx, span, p.stats, failed, elapsed.Seconds(), attrs...)
	result.Stats.add(p.stats)
	result.ItemErrors += p.itemErrors

	p.log.Info("sync pass finished",
		"algorithm", p.algorithm,
		"uploaded", p.stats.Uploaded,
		"remote_deleted", p.stats.RemoteDeleted,
		"added", p.stats.Added,
		"updated", p.stats.Updated,
		"locally_deleted", p.stats.LocallyDeleted,
		"conflicts", p.stats.Conflicts,
		"invalid", p.stats.Invalid,
		"item_errors", p.itemErrors,
		"duration", elapsed,
	)
}

// pass holds the mutable state of one PerformSync call.
type pass struct {
	local   LocalCollection
	adapter Adapter
	opts    Options
	log     *slog.Logger

	algorithm  Algorithm
	stats      Stats
	itemErrors int
	queue      []string
}

func (p *pass) run(ctx context.Context) error {
	ok, err := p.adapter.Prepare(ctx)
	if err != nil {
		return fmt.Errorf("preparing: %w", err)
	}
	if !ok {
		p.log.Info("adapter declined sync pass")
		return nil
	}

	switch p.opts.Resync {
	case ResyncAll:
		if err := p.local.ForgetETags(ctx); err != nil {
			return err
		}
		fallthrough
	case ResyncEntries:
		if err := p.local.SetLastSyncState(ctx, nil); err != nil {
			return err
		}
		p.log.Info("stored sync state discarded", "resync", p.opts.Resync)
	}

	localState, err := p.local.LastSyncState(ctx)
	if err != nil {
		return err
	}
	remoteState, err := p.adapter.QueryCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("querying capabilities: %w", err)
	}
	p.algorithm = p.adapter.SyncAlgorithm()
	p.log.Debug("capabilities", "local_state", localState, "remote_state", remoteState, "algorithm", p.algorithm)

	forceListing := false
	if p.local.ReadOnly() {
		// Group edits become resource flags first so they are reverted too.
		if err := p.adapter.BeforeUploadDirty(ctx); err != nil {
			return fmt.Errorf("preparing uploads: %w", err)
		}
		modified, err := p.restoreReadOnly(ctx)
		if err != nil {
			return err
		}
		if modified {
			if err := p.local.SetLastSyncState(ctx, nil); err != nil {
				return err
			}
			localState = nil
		}
	} else {
		deleted, err := p.processLocallyDeleted(ctx)
		if err != nil {
			return err
		}
		uploaded, conflict, err := p.uploadDirty(ctx)
		if err != nil {
			return err
		}
		if deleted || uploaded {
			// The server state now includes our own changes.
			if remoteState, err = p.adapter.QueryCapabilities(ctx); err != nil {
				return fmt.Errorf("querying capabilities after upload: %w", err)
			}
			p.algorithm = p.adapter.SyncAlgorithm()
		}
		forceListing = conflict
	}

	newState := remoteState
	switch {
	case forceListing:
		p.log.Info("upload conflicts, listing all remote members")
		if err := p.listAll(ctx); err != nil {
			return err
		}
	case p.algorithm == AlgorithmCollectionSync:
		token, err := p.syncCollection(ctx, localState)
		switch {
		case errors.Is(err, davclient.ErrInvalidSyncToken):
			p.log.Warn("sync-token rejected, falling back to full listing")
			p.queue = nil
			if err := p.listAll(ctx); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			newState = TokenState(token)
		}
	default:
		if remoteState != nil && remoteState.Equal(localState) {
			p.log.Debug("collection unchanged, skipping listing", "state", remoteState)
			break
		}
		if err := p.listAll(ctx); err != nil {
			return err
		}
	}

	if err := p.adapter.PostProcess(ctx); err != nil {
		return fmt.Errorf("post-processing: %w", err)
	}

	if p.itemErrors > 0 {
		p.log.Info("sync state not stored because of resource errors", "item_errors", p.itemErrors)
		return nil
	}
	if err := p.local.SetLastSyncState(ctx, newState); err != nil {
		return err
	}
	return nil
}

// restoreReadOnly reverts local deletions and edits in a read-only
// collection. It reports whether anything was reverted.
func (p *pass) restoreReadOnly(ctx context.Context) (bool, error) {
	modified := false

	deleted, err := p.local.FindDeleted(ctx)
	if err != nil {
		return false, err
	}
	for _, res := range deleted {
		p.log.Info("restoring locally deleted resource in read-only collection", "name", res.FileName())
		if err := res.ResetDeleted(ctx); err != nil {
			return false, err
		}
		modified = true
	}

	dirty, err := p.local.FindDirty(ctx)
	if err != nil {
		return false, err
	}
	for _, res := range dirty {
		p.log.Info("discarding local change in read-only collection", "name", res.FileName())
		if err := res.ClearDirty(ctx, res.FileName(), "", ""); err != nil {
			return false, err
		}
		modified = true
	}
	return modified, nil
}

// processLocallyDeleted propagates local deletions. It reports whether any
// resource was removed.
func (p *pass) processLocallyDeleted(ctx context.Context) (bool, error) {
	deleted, err := p.local.FindDeleted(ctx)
	if err != nil {
		return false, err
	}

	removed := false
	for _, res := range deleted {
		if name := res.FileName(); name != "" {
			p.log.Debug("deleting remote resource", "name", name)
			err := p.adapter.Remote().Delete(ctx, name, "")
			switch {
			case err == nil:
				p.stats.RemoteDeleted++
			case !isResourceLevel(err):
				return false, fmt.Errorf("deleting %s: %w", name, err)
			case davclient.StatusCode(err) < 500:
				p.log.Info("remote delete failed, removing locally anyway", "name", name, "error", err)
			default:
				p.log.Warn("remote delete failed", "name", name, "error", err)
				p.itemErrors++
				continue
			}
		}
		if err := res.Delete(ctx); err != nil {
			return false, err
		}
		removed = true
	}
	return removed, nil
}

// uploadDirty uploads local changes. It reports whether anything reached the
// server and whether any upload was rejected by a precondition.
func (p *pass) uploadDirty(ctx context.Context) (uploaded, conflict bool, err error) {
	if err := p.adapter.BeforeUploadDirty(ctx); err != nil {
		return false, false, fmt.Errorf("preparing uploads: %w", err)
	}
	dirty, err := p.local.FindDirty(ctx)
	if err != nil {
		return false, false, err
	}

	for _, res := range dirty {
		name, ifMatch := res.FileName(), res.ETag()
		if name == "" {
			if name, err = res.PrepareForUpload(ctx); err != nil {
				return uploaded, conflict, err
			}
			ifMatch = ""
		}

		up, err := p.adapter.GenerateUpload(ctx, res)
		if err != nil {
			if errors.Is(err, ErrLocalStorage) {
				return uploaded, conflict, err
			}
			p.log.Warn("cannot serialize resource for upload", "name", name, "error", err)
			p.itemErrors++
			continue
		}

		p.log.Debug("uploading resource", "name", name, "if_match", ifMatch, "size", len(up.Body))
		etag, err := p.adapter.Remote().Put(ctx, name, up.Body, up.ContentType, ifMatch)
		switch {
		case err == nil:
			if err := res.ClearDirty(ctx, name, etag, ""); err != nil {
				return uploaded, conflict, err
			}
			p.stats.Uploaded++
			uploaded = true
		case davclient.IsStatus(err, http.StatusPreconditionFailed):
			// The server copy changed since our last download. The server
			// version wins and is fetched by the listing below.
			p.log.Info("server copy changed, discarding local edit", "name", name, "etag", ifMatch)
			if err := res.ClearDirty(ctx, name, "", ""); err != nil {
				return uploaded, conflict, err
			}
			p.stats.Conflicts++
			conflict = true
		case !isResourceLevel(err):
			return uploaded, conflict, fmt.Errorf("uploading %s: %w", name, err)
		default:
			p.log.Warn("upload failed", "name", name, "error", err)
			p.itemErrors++
		}
	}
	return uploaded, conflict, nil
}

// listAll enumerates every remote member, downloads what changed and removes
// local resources that vanished remotely.
func (p *pass) listAll(ctx context.Context) error {
	if _, err := p.local.MarkNotDirty(ctx, 0); err != nil {
		return err
	}
	err := p.adapter.ListAllRemote(ctx, func(m davclient.Member) error {
		return p.considerRemote(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("listing remote members: %w", err)
	}
	if err := p.flush(ctx, 1); err != nil {
		return err
	}
	return p.removeUnseen(ctx)
}

// syncCollection runs sync-collection REPORTs until the server reports no
// further pages and returns the final sync-token.
func (p *pass) syncCollection(ctx context.Context, localState *SyncState) (string, error) {
	token := ""
	initial := localState == nil || localState.Type != SyncStateToken
	if !initial {
		token = localState.Value
	}
	if initial {
		if _, err := p.local.MarkNotDirty(ctx, 0); err != nil {
			return "", err
		}
	}

	for {
		res, err := p.adapter.Remote().SyncCollection(ctx, token)
		if err != nil {
			return "", err
		}
		for _, m := range res.Changed {
			if err := p.considerRemote(ctx, m); err != nil {
				return "", err
			}
		}
		for _, name := range res.Removed {
			if err := p.removeRemoteDeleted(ctx, name); err != nil {
				return "", err
			}
		}
		if err := p.flush(ctx, 1); err != nil {
			return "", err
		}

		next := res.SyncToken
		if !res.Truncated {
			token = next
			break
		}
		if next == token {
			p.log.Warn("truncated sync-collection reply without progress", "token", token)
			token = next
			break
		}
		p.log.Debug("sync-collection reply truncated, continuing", "token", next)
		token = next
	}

	if initial {
		if err := p.removeUnseen(ctx); err != nil {
			return "", err
		}
	}
	return token, nil
}

// considerRemote decides whether a listed member must be downloaded.
func (p *pass) considerRemote(ctx context.Context, m davclient.Member) error {
	res, err := p.local.FindByName(ctx, m.Name)
	if err != nil {
		return err
	}
	if res != nil {
		if err := res.UpdateFlags(ctx, FlagRemotelyPresent); err != nil {
			return err
		}
	}
	if m.ETag == "" {
		p.log.Warn("remote member without ETag ignored", "name", m.Name)
		return nil
	}
	if res != nil {
		if res.Dirty() || res.Deleted() {
			p.log.Debug("local changes pending, not downloading", "name", m.Name)
			return nil
		}
		if res.ETag() == m.ETag {
			return nil
		}
	}
	p.queue = append(p.queue, m.Name)
	return p.flush(ctx, MaxMultigetResources)
}

// removeRemoteDeleted drops a local resource that the server reported as
// removed, unless it has local changes.
func (p *pass) removeRemoteDeleted(ctx context.Context, name string) error {
	res, err := p.local.FindByName(ctx, name)
	if err != nil || res == nil {
		return err
	}
	if res.Dirty() || res.Deleted() {
		p.log.Info("remotely deleted resource has local changes, keeping it", "name", name)
		return nil
	}
	if err := res.Delete(ctx); err != nil {
		return err
	}
	p.stats.LocallyDeleted++
	return nil
}

// removeUnseen deletes non-dirty resources that the listing did not report.
func (p *pass) removeUnseen(ctx context.Context) error {
	n, err := p.local.RemoveNotDirtyMarked(ctx, 0)
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info("removed resources that vanished remotely", "count", n)
	}
	p.stats.LocallyDeleted += n
	return nil
}

// flush downloads queued members while at least threshold are queued.
func (p *pass) flush(ctx context.Context, threshold int) error {
	for len(p.queue) > 0 && len(p.queue) >= threshold {
		n := len(p.queue)
		if n > MaxMultigetResources {
			n = MaxMultigetResources
		}
		batch := p.queue[:n]
		p.queue = p.queue[n:]

		p.log.Debug("downloading", "count", len(batch))
		ds, err := p.adapter.DownloadRemote(ctx, batch)
		if err != nil {
			return fmt.Errorf("downloading: %w", err)
		}
		p.stats.Added += ds.Added
		p.stats.Updated += ds.Updated
		p.stats.Invalid += ds.Invalid
	}
	return nil
}

// isResourceLevel reports whether an upload or delete error concerns only
// that resource. Network failures, authentication problems, throttling and
// 503 abort the pass instead.
func isResourceLevel(err error) bool {
	switch davclient.StatusCode(err) {
	case 0,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return false
	}
	return true
}
