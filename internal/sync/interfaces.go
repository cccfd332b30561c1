// Package sync implements the two-way synchronization engine between a local
// contacts store and remote CardDAV collections.
//
// The package contains two main components:
//
//   - [Manager] runs one synchronization pass for a single (local, remote)
//     collection pair. Resource-type behavior is supplied through [Adapter].
//   - [Syncer] converges the local collections of an account with the
//     sync-enabled remote collections and runs a pass for each pair.
//
// Failures never escape a pass; they are folded into a [Result] that the
// scheduler maps to an [Outcome].
package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/njoerd114/cardrelay/internal/davclient"
)

// FlagRemotelyPresent marks a local resource that was seen in the current
// remote listing. Non-dirty resources without it are removed afterwards.
const FlagRemotelyPresent = 1

// ErrLocalStorage wraps every failure of the local contacts store.
var ErrLocalStorage = errors.New("local storage")

// ErrResourceTooLarge is returned by [Adapter.GenerateUpload] when the
// serialized resource exceeds the server's max-resource-size.
var ErrResourceTooLarge = errors.New("resource exceeds max-resource-size")

// LocalCollection is the local side of a synchronized collection.
// Implemented by [local.AddressBook].
type LocalCollection interface {
	Title() string
	ReadOnly() bool

	LastSyncState(ctx context.Context) (*SyncState, error)
	SetLastSyncState(ctx context.Context, state *SyncState) error

	FindDirty(ctx context.Context) ([]LocalResource, error)
	FindDeleted(ctx context.Context) ([]LocalResource, error)
	// FindByName returns (nil, nil) when no resource has the file name.
	FindByName(ctx context.Context, name string) (LocalResource, error)

	// MarkNotDirty sets flags on every non-dirty resource and returns how
	// many were touched.
	MarkNotDirty(ctx context.Context, flags int) (int, error)
	// RemoveNotDirtyMarked deletes every non-dirty resource whose flags equal
	// flags and returns how many were removed.
	RemoveNotDirtyMarked(ctx context.Context, flags int) (int, error)
	ForgetETags(ctx context.Context) error
}

// LocalResource is one synchronized local item.
// Implemented by [local.Contact].
type LocalResource interface {
	FileName() string
	ETag() string
	Dirty() bool
	Deleted() bool
	Flags() int

	// PrepareForUpload assigns a UID and file name to a resource that has
	// never been uploaded and returns the file name.
	PrepareForUpload(ctx context.Context) (string, error)
	// ClearDirty records a successful upload (or a discarded local change)
	// under fileName with the given ETag, which may be empty.
	ClearDirty(ctx context.Context, fileName, etag, scheduleTag string) error
	ResetDeleted(ctx context.Context) error
	UpdateFlags(ctx context.Context, flags int) error
	Delete(ctx context.Context) error
}

// Remote is the remote side of a synchronized collection.
// Implemented by [davclient.AddressBook].
type Remote interface {
	URL() string
	Put(ctx context.Context, name string, body []byte, contentType, ifMatch string) (string, error)
	Delete(ctx context.Context, name, ifMatch string) error
	SyncCollection(ctx context.Context, token string) (*davclient.SyncResult, error)
}

// Upload is a serialized resource ready for PUT.
type Upload struct {
	Body        []byte
	ContentType string
}

// DownloadStats reports what a download batch changed locally.
type DownloadStats struct {
	Added   int
	Updated int
	Invalid int
}

// Adapter supplies the resource-type specific steps of a pass.
// Implemented by [contacts.Adapter].
type Adapter interface {
	// Prepare returns false to skip the pass without error.
	Prepare(ctx context.Context) (bool, error)
	// QueryCapabilities refreshes server capabilities and returns the
	// server's current sync state (nil when it reports neither a sync-token
	// nor a CTag).
	QueryCapabilities(ctx context.Context) (*SyncState, error)
	// SyncAlgorithm picks the change enumeration strategy from the last
	// capability query.
	SyncAlgorithm() Algorithm

	BeforeUploadDirty(ctx context.Context) error
	GenerateUpload(ctx context.Context, res LocalResource) (*Upload, error)

	// ListAllRemote calls fn for every member of the remote collection.
	ListAllRemote(ctx context.Context, fn func(davclient.Member) error) error
	// DownloadRemote fetches the named members and stores them locally.
	DownloadRemote(ctx context.Context, names []string) (DownloadStats, error)
	PostProcess(ctx context.Context) error

	Remote() Remote
}

// Notifier surfaces per-resource problems that do not fail a pass.
type Notifier interface {
	NotifyInvalidResource(ctx context.Context, collection, name string, err error)
}

// LogNotifier reports invalid resources to a logger.
type LogNotifier struct {
	Log *slog.Logger
}

// NotifyInvalidResource logs the resource at Warn.
func (n LogNotifier) NotifyInvalidResource(_ context.Context, collection, name string, err error) {
	n.Log.Warn("invalid remote resource ignored", "collection", collection, "name", name, "error", err)
}
