package userstore

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegisterThenAuthenticate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	outcome, err := store.Register(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if outcome != RegisterOK {
		t.Fatalf("expected RegisterOK, got %v", outcome)
	}

	authOutcome, err := store.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authOutcome != AuthOK {
		t.Fatalf("expected AuthOK, got %v", authOutcome)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Register(ctx, "bob", "firstpass"); err != nil {
		t.Fatalf("register: %v", err)
	}

	outcome, err := store.Register(ctx, "bob", "secondpass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if outcome != RegisterAlreadyExists {
		t.Fatalf("expected RegisterAlreadyExists, got %v", outcome)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	store.Register(ctx, "carol", "correcthorse")

	outcome, err := store.Authenticate(ctx, "carol", "wrongpass")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if outcome != AuthFailed {
		t.Fatalf("expected AuthFailed, got %v", outcome)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	outcome, err := store.Authenticate(ctx, "ghost", "whatever")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if outcome != AuthFailed {
		t.Fatalf("expected AuthFailed for unknown user, got %v", outcome)
	}
}

func TestTouchLastLoginIncrementsCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	store.Register(ctx, "dave", "letmein1")

	if _, err := store.Authenticate(ctx, "dave", "letmein1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := store.TouchLastLogin(ctx, "dave"); err != nil {
		t.Fatalf("touch last login: %v", err)
	}

	var rec userRecord
	if err := store.(*sqliteStore).db.WithContext(ctx).First(&rec, "username = ?", "dave").Error; err != nil {
		t.Fatalf("reading record: %v", err)
	}
	if rec.LoginCount != 2 {
		t.Fatalf("expected login_count 2 after one authenticate and one touch, got %d", rec.LoginCount)
	}
}
