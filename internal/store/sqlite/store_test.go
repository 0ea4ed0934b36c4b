package sqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/signalsfoundry/satellite-access/internal/store"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_MissingKeys(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "settings.db"))
	ctx := context.Background()

	if _, ok, err := s.Bool(ctx, "allow"); err != nil || ok {
		t.Fatalf("expected missing bool, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.StringSet(ctx, "codes"); err != nil || ok {
		t.Fatalf("expected missing set, ok=%v err=%v", ok, err)
	}
}

func TestStore_ApplyPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	var edit store.Edit
	edit.PutBool("allow", false).PutStringSet("codes", []string{"US", "CA", "US"})
	if err := s.Apply(ctx, edit); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestStore(t, path)
	allow, ok, err := reopened.Bool(ctx, "allow")
	if err != nil || !ok || allow {
		t.Fatalf("Bool = %v ok=%v err=%v, want false/true/nil", allow, ok, err)
	}
	codes, ok, err := reopened.StringSet(ctx, "codes")
	if err != nil || !ok {
		t.Fatalf("StringSet ok=%v err=%v", ok, err)
	}
	if want := []string{"CA", "US"}; !reflect.DeepEqual(codes, want) {
		t.Fatalf("StringSet = %v, want %v", codes, want)
	}
}

func TestStore_OverwriteKeepsLatest(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "settings.db"))
	ctx := context.Background()

	for _, v := range []bool{true, false, true} {
		var edit store.Edit
		edit.PutBool("allow", v)
		if err := s.Apply(ctx, edit); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if allow, _, _ := s.Bool(ctx, "allow"); !allow {
		t.Fatalf("expected last write to win")
	}
}
