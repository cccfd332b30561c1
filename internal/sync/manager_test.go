package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func runPass(t *testing.T, local *mockCollection, adapter *mockAdapter, opts Options) *Result {
	t.Helper()
	var result Result
	NewManager(testLogger).PerformSync(context.Background(), local, adapter, opts, &result)
	return &result
}

// ---------------------------------------------------------------------------
// Scenario: empty collection, server without CTag
// ---------------------------------------------------------------------------

func TestPerformSync_EmptyCollectionWithoutCTag(t *testing.T) {
	remote := newFakeRemote()
	remote.noCTag = true
	local := newMockCollection("contacts")
	adapter := newMockAdapter(remote, local)

	result := runPass(t, local, adapter, Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if len(remote.puts) != 0 {
		t.Errorf("uploads = %d, want 0", len(remote.puts))
	}
	if remote.listings != 1 {
		t.Errorf("listings = %d, want 1", remote.listings)
	}
	if len(remote.downloads) != 0 {
		t.Errorf("downloads = %d, want 0", len(remote.downloads))
	}
	if local.count() != 0 {
		t.Errorf("local resources = %d, want 0", local.count())
	}
}

// ---------------------------------------------------------------------------
// Scenario: one new dirty item is uploaded and the ETag from PUT is kept
// ---------------------------------------------------------------------------

func TestPerformSync_UploadNewItem(t *testing.T) {
	remote := newFakeRemote()
	remote.nextETag = "etag-from-put"
	local := newMockCollection("contacts")
	res := local.add("", "", true, false)
	adapter := newMockAdapter(remote, local)
	ctagBefore := remote.ctag()

	result := runPass(t, local, adapter, Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if len(remote.puts) != 1 {
		t.Fatalf("uploads = %d, want 1", len(remote.puts))
	}
	if remote.putIfMatch[0] != "" {
		t.Errorf("create sent If-Match %q, want none", remote.putIfMatch[0])
	}
	if remote.listings != 1 {
		t.Errorf("listings = %d, want 1", remote.listings)
	}
	if len(remote.downloads) != 0 {
		t.Errorf("downloads = %d, want 0", len(remote.downloads))
	}
	if remote.capQueries != 2 {
		t.Errorf("capability queries = %d, want 2", remote.capQueries)
	}
	if res.ETag() != "etag-from-put" || res.Dirty() || res.FileName() == "" {
		t.Errorf("resource = name:%q etag:%q dirty:%v", res.FileName(), res.ETag(), res.Dirty())
	}
	// The stored state is the post-upload CTag.
	if got := local.storedState(); got == nil || got.Value == ctagBefore || got.Value != remote.ctag() {
		t.Errorf("stored state = %v, want %s", got, remote.ctag())
	}
	if adapter.beforeUpload != 1 || adapter.postProcess != 1 {
		t.Errorf("hooks: beforeUpload=%d postProcess=%d, want 1/1", adapter.beforeUpload, adapter.postProcess)
	}
}

func TestPerformSync_UpdateSendsIfMatch(t *testing.T) {
	remote := newFakeRemote()
	etag := remote.store("a.vcf", "old")
	local := newMockCollection("contacts")
	local.add("a.vcf", etag, true, false)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if len(remote.putIfMatch) != 1 || remote.putIfMatch[0] != etag {
		t.Errorf("If-Match = %v, want [%s]", remote.putIfMatch, etag)
	}
	if result.Stats.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", result.Stats.Uploaded)
	}
}

// ---------------------------------------------------------------------------
// Idempotence
// ---------------------------------------------------------------------------

func TestPerformSync_SecondRunIsNoop(t *testing.T) {
	remote := newFakeRemote()
	remote.store("a.vcf", "A")
	remote.store("b.vcf", "B")
	local := newMockCollection("contacts")
	adapter := newMockAdapter(remote, local)

	first := runPass(t, local, adapter, Options{})
	if first.HasError() {
		t.Fatalf("first pass error: %+v", first)
	}
	if first.Stats.Added != 2 {
		t.Fatalf("Added = %d, want 2", first.Stats.Added)
	}
	stateAfterFirst := local.storedState()
	listings, downloads := remote.listings, len(remote.downloads)

	second := runPass(t, local, adapter, Options{})

	if second.HasError() {
		t.Fatalf("second pass error: %+v", second)
	}
	if len(remote.puts) != 0 || len(remote.deletes) != 0 {
		t.Errorf("writes on second pass: puts=%v deletes=%v", remote.puts, remote.deletes)
	}
	if remote.listings != listings {
		t.Errorf("second pass listed the collection")
	}
	if len(remote.downloads) != downloads {
		t.Errorf("second pass downloaded %d resources", len(remote.downloads)-downloads)
	}
	if !local.storedState().Equal(stateAfterFirst) {
		t.Errorf("state changed: %v → %v", stateAfterFirst, local.storedState())
	}
}

func TestPerformSync_SameETagNotDownloaded(t *testing.T) {
	remote := newFakeRemote()
	etag := remote.store("a.vcf", "A")
	local := newMockCollection("contacts")
	local.add("a.vcf", etag, false, false)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if remote.listings != 1 {
		t.Errorf("listings = %d, want 1", remote.listings)
	}
	if len(remote.downloads) != 0 {
		t.Errorf("downloads = %v, want none", remote.downloads)
	}
	if local.get("a.vcf") == nil {
		t.Error("resource removed although remotely present")
	}
}

// ---------------------------------------------------------------------------
// Conflicts
// ---------------------------------------------------------------------------

func TestPerformSync_PreconditionFailedServerWins(t *testing.T) {
	remote := newFakeRemote()
	stale := remote.store("a.vcf", "server v1")
	current := remote.store("a.vcf", "server v2")
	local := newMockCollection("contacts")
	res := local.add("a.vcf", stale, true, false)
	// Stored state equals the current server state: only the forced listing
	// can pick up the server version.
	local.state = CTagState(remote.ctag())

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("conflict must not be an error: %+v", result)
	}
	if result.Stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", result.Stats.Conflicts)
	}
	if res.Dirty() {
		t.Error("resource still dirty after conflict")
	}
	if res.ETag() != current {
		t.Errorf("ETag = %q, want server's %q", res.ETag(), current)
	}
	if got := remote.member("a.vcf").data; got != "server v2" {
		t.Errorf("server data = %q, want it untouched", got)
	}
}

// ---------------------------------------------------------------------------
// Read-only collections
// ---------------------------------------------------------------------------

func TestPerformSync_ReadOnlyRestoresLocalChanges(t *testing.T) {
	remote := newFakeRemote()
	ea := remote.store("a.vcf", "A")
	eb := remote.store("b.vcf", "B")
	local := newMockCollection("contacts")
	local.readOnly = true
	deleted := local.add("a.vcf", ea, false, true)
	dirty := local.add("b.vcf", eb, true, false)
	local.state = CTagState(remote.ctag())
	adapter := newMockAdapter(remote, local)

	result := runPass(t, local, adapter, Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if len(remote.puts) != 0 || len(remote.deletes) != 0 {
		t.Fatalf("writes to read-only collection: puts=%v deletes=%v", remote.puts, remote.deletes)
	}
	if deleted.Deleted() {
		t.Error("deleted resource was not restored")
	}
	if dirty.Dirty() {
		t.Error("dirty resource still dirty")
	}
	// The discarded edit lost its ETag, so the listing re-downloads it.
	if dirty.ETag() != eb {
		t.Errorf("ETag after re-download = %q, want %q", dirty.ETag(), eb)
	}
	if remote.listings != 1 {
		t.Errorf("listings = %d, want 1 (state reset)", remote.listings)
	}
	// Group changes must be turned into resource flags before the restore.
	if adapter.beforeUpload != 1 {
		t.Errorf("beforeUpload = %d, want 1", adapter.beforeUpload)
	}
}

// ---------------------------------------------------------------------------
// Deferred retry
// ---------------------------------------------------------------------------

func TestPerformSync_ServiceUnavailableDefers(t *testing.T) {
	remote := newFakeRemote()
	remote.capErr = httpError(http.StatusServiceUnavailable, 60*time.Second)
	local := newMockCollection("contacts")
	local.state = CTagState("ctag-old")

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	want := time.Now().Add(60 * time.Second)
	if d := result.DelayUntil.Sub(want); d < -5*time.Second || d > 5*time.Second {
		t.Errorf("DelayUntil = %v, want within 5s of %v", result.DelayUntil, want)
	}
	if result.HasError() {
		t.Errorf("503 marked as error: %+v", result)
	}
	if result.Outcome() != OutcomeDeferred {
		t.Errorf("Outcome = %v, want deferred", result.Outcome())
	}
	if local.storedState().Value != "ctag-old" {
		t.Errorf("state changed to %v", local.storedState())
	}
}

// ---------------------------------------------------------------------------
// Local deletions
// ---------------------------------------------------------------------------

func TestPerformSync_LocalDeletions(t *testing.T) {
	remote := newFakeRemote()
	ea := remote.store("a.vcf", "A")
	eb := remote.store("b.vcf", "B")
	ec := remote.store("c.vcf", "C")
	remote.remove("b.vcf") // DELETE gets 404
	remote.deleteErr["c.vcf"] = httpError(http.StatusInternalServerError, 0)

	local := newMockCollection("contacts")
	local.add("a.vcf", ea, false, true)
	local.add("b.vcf", eb, false, true)
	local.add("c.vcf", ec, false, true)
	local.add("", "", false, true) // never uploaded

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if len(remote.deletes) != 3 {
		t.Errorf("DELETE requests = %v, want 3", remote.deletes)
	}
	if remote.member("a.vcf") != nil {
		t.Error("a.vcf still on server")
	}
	if local.get("a.vcf") != nil || local.get("b.vcf") != nil {
		t.Error("tombstones of a.vcf/b.vcf not purged")
	}
	if r := local.get("c.vcf"); r == nil || !r.Deleted() {
		t.Error("c.vcf tombstone must survive a 5xx")
	}
	if result.ItemErrors != 1 {
		t.Errorf("ItemErrors = %d, want 1", result.ItemErrors)
	}
	if local.storedState() != nil {
		t.Errorf("state stored despite item error: %v", local.storedState())
	}
	if result.Outcome() != OutcomeRetryable {
		t.Errorf("Outcome = %v, want retryable", result.Outcome())
	}
}

func TestPerformSync_RemoteDeleteServerErrorRetriedNextPass(t *testing.T) {
	remote := newFakeRemote()
	ea := remote.store("a.vcf", "A")
	remote.deleteErr["a.vcf"] = httpError(http.StatusBadGateway, 0)
	local := newMockCollection("contacts")
	tomb := local.add("a.vcf", ea, false, true)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	// A 5xx keeps the tombstone instead of purging it.
	if local.get("a.vcf") == nil || !tomb.Deleted() {
		t.Fatal("tombstone purged after a 5xx")
	}
	if result.ItemErrors != 1 || result.HasHardError() {
		t.Errorf("result = %+v, want one item error and no hard error", result)
	}
	if local.storedState() != nil {
		t.Errorf("state stored despite item error: %v", local.storedState())
	}

	delete(remote.deleteErr, "a.vcf")
	result = runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("second pass failed: %+v", result)
	}
	if len(remote.deletes) != 2 {
		t.Errorf("DELETE requests = %v, want the retry", remote.deletes)
	}
	if remote.member("a.vcf") != nil || local.get("a.vcf") != nil {
		t.Error("a.vcf not deleted after the server recovered")
	}
}

// ---------------------------------------------------------------------------
// Upload failures
// ---------------------------------------------------------------------------

func TestPerformSync_UploadItemErrorIsIsolated(t *testing.T) {
	remote := newFakeRemote()
	remote.putErr["bad.vcf"] = httpError(http.StatusUnsupportedMediaType, 0)
	local := newMockCollection("contacts")
	bad := local.add("bad.vcf", "", true, false)
	good := local.add("good.vcf", "", true, false)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.ItemErrors != 1 {
		t.Errorf("ItemErrors = %d, want 1", result.ItemErrors)
	}
	if !bad.Dirty() {
		t.Error("failed resource must stay dirty")
	}
	if good.Dirty() || remote.member("good.vcf") == nil {
		t.Error("sibling upload did not happen")
	}
	if local.storedState() != nil {
		t.Errorf("state stored despite item error: %v", local.storedState())
	}
}

func TestPerformSync_UploadTooLarge(t *testing.T) {
	remote := newFakeRemote()
	local := newMockCollection("contacts")
	local.add("big.vcf", "", true, false)
	adapter := newMockAdapter(remote, local)
	adapter.uploadErr["big.vcf"] = ErrResourceTooLarge

	result := runPass(t, local, adapter, Options{})

	if len(remote.puts) != 0 {
		t.Errorf("oversize resource was sent")
	}
	if result.ItemErrors != 1 || result.HasHardError() {
		t.Errorf("result = %+v, want one item error", result)
	}
}

func TestPerformSync_UploadAuthErrorAbortsPass(t *testing.T) {
	remote := newFakeRemote()
	remote.putErr["a.vcf"] = httpError(http.StatusUnauthorized, 0)
	local := newMockCollection("contacts")
	local.add("a.vcf", "", true, false)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if !result.AuthFailed() || result.Outcome() != OutcomeFatal {
		t.Errorf("result = %+v, want auth failure", result)
	}
	if remote.listings != 0 {
		t.Errorf("listing after aborted upload")
	}
}

func TestPerformSync_UploadWithoutETagRefetches(t *testing.T) {
	remote := newFakeRemote()
	remote.putNoETag = true
	local := newMockCollection("contacts")
	res := local.add("", "", true, false)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if len(remote.downloads) != 1 {
		t.Errorf("downloads = %v, want the uploaded resource", remote.downloads)
	}
	if res.ETag() == "" || res.ETag() != remote.member(res.FileName()).etag {
		t.Errorf("ETag = %q, want server's", res.ETag())
	}
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

func TestPerformSync_RemoteDeletionRemovesLocal(t *testing.T) {
	remote := newFakeRemote()
	ea := remote.store("a.vcf", "A")
	local := newMockCollection("contacts")
	local.add("a.vcf", ea, false, false)
	local.add("gone.vcf", "etag-x", false, false)
	local.add("edited.vcf", "etag-y", true, false)
	remote.putErr["edited.vcf"] = httpError(http.StatusBadRequest, 0)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if local.get("gone.vcf") != nil {
		t.Error("gone.vcf not removed")
	}
	if local.get("edited.vcf") == nil {
		t.Error("dirty resource removed by listing")
	}
	if local.get("a.vcf") == nil {
		t.Error("present resource removed")
	}
	if result.Stats.LocallyDeleted != 1 {
		t.Errorf("LocallyDeleted = %d, want 1", result.Stats.LocallyDeleted)
	}
}

func TestPerformSync_DownloadsInBatches(t *testing.T) {
	remote := newFakeRemote()
	for i := 0; i < 25; i++ {
		remote.store("c"+strconv.Itoa(100+i)+".vcf", "x")
	}
	local := newMockCollection("contacts")
	adapter := newMockAdapter(remote, local)

	result := runPass(t, local, adapter, Options{})

	if result.Stats.Added != 25 {
		t.Errorf("Added = %d, want 25", result.Stats.Added)
	}
	if len(adapter.batches) != 3 || len(adapter.batches[0]) != 10 || len(adapter.batches[2]) != 5 {
		sizes := make([]int, len(adapter.batches))
		for i, b := range adapter.batches {
			sizes[i] = len(b)
		}
		t.Errorf("batch sizes = %v, want [10 10 5]", sizes)
	}
}

func TestPerformSync_InvalidResourceIsSkipped(t *testing.T) {
	remote := newFakeRemote()
	remote.store("bad.vcf", "invalid")
	remote.store("good.vcf", "ok")
	local := newMockCollection("contacts")

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("invalid resource must not fail the pass: %+v", result)
	}
	if result.Stats.Invalid != 1 || result.Stats.Added != 1 {
		t.Errorf("stats = %+v, want 1 invalid and 1 added", result.Stats)
	}
}

func TestPerformSync_ListingAuthFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.listErr = httpError(http.StatusUnauthorized, 0)
	local := newMockCollection("contacts")

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.NumAuthErrors != 1 || result.Outcome() != OutcomeFatal {
		t.Errorf("result = %+v, want fatal auth error", result)
	}
	if local.storedState() != nil {
		t.Errorf("state stored after failed listing")
	}
}

func TestPerformSync_LocalStorageFailure(t *testing.T) {
	remote := newFakeRemote()
	local := newMockCollection("contacts")
	local.failWith = errors.New("disk I/O error")

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if !result.DatabaseError || result.Outcome() != OutcomeFatal {
		t.Errorf("result = %+v, want database error", result)
	}
}

func TestPerformSync_PrepareDeclines(t *testing.T) {
	remote := newFakeRemote()
	local := newMockCollection("contacts")
	adapter := newMockAdapter(remote, local)
	adapter.skip = true

	result := runPass(t, local, adapter, Options{})

	if result.HasError() || remote.capQueries != 0 {
		t.Errorf("declined pass did work: %+v, capQueries=%d", result, remote.capQueries)
	}
}

func TestPerformSync_ResyncAllRedownloads(t *testing.T) {
	remote := newFakeRemote()
	ea := remote.store("a.vcf", "A")
	local := newMockCollection("contacts")
	local.add("a.vcf", ea, false, false)
	local.state = CTagState(remote.ctag())

	runPass(t, local, newMockAdapter(remote, local), Options{Resync: ResyncEntries})
	if len(remote.downloads) != 0 {
		t.Errorf("ResyncEntries downloaded %v", remote.downloads)
	}
	if remote.listings != 1 {
		t.Errorf("ResyncEntries listings = %d, want 1", remote.listings)
	}

	runPass(t, local, newMockAdapter(remote, local), Options{Resync: ResyncAll})
	if len(remote.downloads) != 1 {
		t.Errorf("ResyncAll downloads = %v, want [a.vcf]", remote.downloads)
	}
}

// ---------------------------------------------------------------------------
// Collection sync
// ---------------------------------------------------------------------------

func TestPerformSync_CollectionSyncIncremental(t *testing.T) {
	remote := newFakeRemote()
	remote.supportsSync = true
	ea := remote.store("a.vcf", "A")
	eb := remote.store("b.vcf", "B")
	local := newMockCollection("contacts")
	local.add("a.vcf", ea, false, false)
	local.add("b.vcf", eb, false, false)
	local.state = TokenState(remote.token())

	remote.store("a.vcf", "A2")
	remote.remove("b.vcf")
	remote.store("c.vcf", "C")

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if remote.listings != 0 {
		t.Errorf("listings = %d, want 0", remote.listings)
	}
	if remote.syncReports != 1 {
		t.Errorf("sync reports = %d, want 1", remote.syncReports)
	}
	if local.get("b.vcf") != nil {
		t.Error("b.vcf not removed")
	}
	if r := local.get("a.vcf"); r == nil || r.data != "A2" {
		t.Error("a.vcf not updated")
	}
	if local.get("c.vcf") == nil {
		t.Error("c.vcf not added")
	}
	if got := local.storedState(); !got.Equal(TokenState(remote.token())) {
		t.Errorf("state = %v, want %s", got, remote.token())
	}
}

func TestPerformSync_CollectionSyncInitialRemovesOrphans(t *testing.T) {
	remote := newFakeRemote()
	remote.supportsSync = true
	remote.store("a.vcf", "A")
	local := newMockCollection("contacts")
	local.add("orphan.vcf", "etag-o", false, false)

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if local.get("orphan.vcf") != nil {
		t.Error("orphan not removed during initial sync")
	}
	if local.get("a.vcf") == nil {
		t.Error("a.vcf not downloaded")
	}
}

func TestPerformSync_CollectionSyncTruncated(t *testing.T) {
	remote := newFakeRemote()
	remote.supportsSync = true
	remote.pageSize = 1
	remote.store("a.vcf", "A")
	remote.store("b.vcf", "B")
	remote.store("c.vcf", "C")
	local := newMockCollection("contacts")

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("unexpected error: %+v", result)
	}
	if remote.syncReports != 3 {
		t.Errorf("sync reports = %d, want 3", remote.syncReports)
	}
	if local.count() != 3 {
		t.Errorf("local resources = %d, want 3", local.count())
	}
	if !local.storedState().Equal(TokenState(remote.token())) {
		t.Errorf("state = %v, want final token", local.storedState())
	}
}

func TestPerformSync_InvalidSyncTokenFallsBack(t *testing.T) {
	remote := newFakeRemote()
	remote.supportsSync = true
	remote.store("a.vcf", "A")
	local := newMockCollection("contacts")
	local.add("stale.vcf", "etag-s", false, false)
	local.state = TokenState("token-1")
	remote.minToken = remote.seq + 1

	result := runPass(t, local, newMockAdapter(remote, local), Options{})

	if result.HasError() {
		t.Fatalf("invalid token must fall back, got %+v", result)
	}
	if remote.listings != 1 {
		t.Errorf("listings = %d, want 1", remote.listings)
	}
	if local.get("stale.vcf") != nil || local.get("a.vcf") == nil {
		t.Error("fallback listing did not reconcile")
	}
	if !local.storedState().Equal(TokenState(remote.token())) {
		t.Errorf("state = %v, want capability token %s", local.storedState(), remote.token())
	}
}

func TestPerformSync_CollectionSyncKeepsDirtyOnRemoteDelete(t *testing.T) {
	remote := newFakeRemote()
	remote.supportsSync = true
	ea := remote.store("a.vcf", "A")
	local := newMockCollection("contacts")
	local.state = TokenState(remote.token())
	remote.remove("a.vcf")
	// Upload fails per item so the resource stays dirty through the listing.
	remote.putErr["a.vcf"] = httpError(http.StatusBadRequest, 0)
	res := local.add("a.vcf", ea, true, false)

	runPass(t, local, newMockAdapter(remote, local), Options{})

	if local.get("a.vcf") == nil || !res.Dirty() {
		t.Error("dirty resource removed by remote deletion")
	}
}
