package state

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustService(t *testing.T, s *Store, account string) *Service {
	t.Helper()
	svc, err := s.UpsertService(context.Background(), account, ServiceCardDAV)
	if err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	return svc
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.UpsertService(context.Background(), "home", ServiceCardDAV); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	svc, err := s2.Service(context.Background(), "home", ServiceCardDAV)
	if err != nil || svc == nil {
		t.Fatalf("Service after reopen = %v, %v", svc, err)
	}
}

func TestUpsertService_ReturnsSameRow(t *testing.T) {
	s := openTestStore(t)
	a := mustService(t, s, "home")
	b := mustService(t, s, "home")
	if a.ID != b.ID {
		t.Errorf("second upsert returned ID %d, want %d", b.ID, a.ID)
	}

	missing, err := s.Service(context.Background(), "work", ServiceCardDAV)
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown account, got %+v", missing)
	}
}

func TestUpsertCollection_KeepsUserFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := mustService(t, s, "home")

	c := &Collection{ServiceID: svc.ID, URL: "https://dav.example.com/books/family/", DisplayName: "Family"}
	if err := s.UpsertCollection(ctx, c); err != nil {
		t.Fatalf("UpsertCollection: %v", err)
	}
	if c.ID == 0 || c.Type != CollectionAddressBook {
		t.Fatalf("collection after insert = %+v", c)
	}
	if err := s.SetSync(ctx, c.ID, true); err != nil {
		t.Fatalf("SetSync: %v", err)
	}
	if err := s.SetForceReadOnly(ctx, c.ID, true); err != nil {
		t.Fatalf("SetForceReadOnly: %v", err)
	}

	// Rediscovery with a new display name must not reset the user's choices.
	again := &Collection{ServiceID: svc.ID, URL: c.URL, DisplayName: "Family & Friends", ReadOnly: true}
	if err := s.UpsertCollection(ctx, again); err != nil {
		t.Fatalf("second UpsertCollection: %v", err)
	}
	if again.ID != c.ID {
		t.Errorf("ID = %d, want %d", again.ID, c.ID)
	}
	if !again.Sync || !again.ForceReadOnly || !again.ReadOnly {
		t.Errorf("flags = sync:%v force:%v ro:%v, want all true", again.Sync, again.ForceReadOnly, again.ReadOnly)
	}
	if again.DisplayName != "Family & Friends" {
		t.Errorf("DisplayName = %q", again.DisplayName)
	}
}

func TestSyncEnabledCollections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := mustService(t, s, "home")

	for _, u := range []string{"https://dav/a/", "https://dav/b/", "https://dav/c/"} {
		c := &Collection{ServiceID: svc.ID, URL: u, Sync: u != "https://dav/b/"}
		if err := s.UpsertCollection(ctx, c); err != nil {
			t.Fatalf("UpsertCollection %s: %v", u, err)
		}
	}

	all, err := s.Collections(ctx, svc.ID)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	enabled, err := s.SyncEnabledCollections(ctx, svc.ID)
	if err != nil {
		t.Fatalf("SyncEnabledCollections: %v", err)
	}
	if len(enabled) != 2 || enabled[0].URL != "https://dav/a/" || enabled[1].URL != "https://dav/c/" {
		t.Errorf("enabled = %+v", enabled)
	}
}

func TestCollection_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Collection(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing collection, got %+v", got)
	}
	if err := s.SetSync(context.Background(), 42, true); err == nil {
		t.Error("SetSync on missing collection: expected error")
	}
}

func TestRenameAndDeleteAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := mustService(t, s, "home")
	c := &Collection{ServiceID: svc.ID, URL: "https://dav/a/"}
	if err := s.UpsertCollection(ctx, c); err != nil {
		t.Fatalf("UpsertCollection: %v", err)
	}

	if err := s.RenameAccount(ctx, "home", "private"); err != nil {
		t.Fatalf("RenameAccount: %v", err)
	}
	renamed, err := s.Service(ctx, "private", ServiceCardDAV)
	if err != nil || renamed == nil || renamed.ID != svc.ID {
		t.Fatalf("renamed service = %+v, %v", renamed, err)
	}

	if err := s.DeleteAccount(ctx, "private"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	services, err := s.Services(ctx)
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 0 {
		t.Errorf("services after delete = %+v", services)
	}
	gone, err := s.Collection(ctx, c.ID)
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	if gone != nil {
		t.Error("collection survived account deletion")
	}
}

func TestEffectiveReadOnly(t *testing.T) {
	tests := []struct {
		c    Collection
		want bool
	}{
		{Collection{}, false},
		{Collection{ReadOnly: true}, true},
		{Collection{ForceReadOnly: true}, true},
	}
	for _, tt := range tests {
		if got := tt.c.EffectiveReadOnly(); got != tt.want {
			t.Errorf("EffectiveReadOnly(%+v) = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if filepath.Base(path) != "state.db" {
		t.Errorf("DefaultDBPath = %q", path)
	}
}
