package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/workorder/model"
)

func mustBegin(t *testing.T, s *MemoryStore) UnitOfWork {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	return tx
}

// --- CreateFlow ---

func TestMemoryStore_CreateFlow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustBegin(t, store)

	f := openFlow("f-1", "alice")
	if err := tx.CreateFlow(ctx, &f); err != nil {
		t.Fatalf("CreateFlow error: %v", err)
	}
	if f.Version != 1 {
		t.Errorf("Version = %d, want 1", f.Version)
	}
	if f.CreatedAt.IsZero() || f.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	// Visible inside the transaction only.
	if _, err := tx.FindFlow(ctx, "f-1"); err != nil {
		t.Errorf("FindFlow in tx error: %v", err)
	}
	if _, err := store.Get(ctx, "f-1"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Get before commit err = %v, want NOT_FOUND", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_CreateFlow_duplicate(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	tx := mustBegin(t, store)

	f := openFlow("f-1", "alice")
	err := tx.CreateFlow(context.Background(), &f)
	if !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_CreateFlow_racingCommit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, b := mustBegin(t, store), mustBegin(t, store)
	fa, fb := openFlow("f-1", "alice"), openFlow("f-1", "bob")
	if err := a.CreateFlow(ctx, &fa); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateFlow(ctx, &fb); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(ctx); err != nil {
		t.Fatalf("first Commit error: %v", err)
	}
	if err := b.Commit(ctx); !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("second Commit err = %v, want CONFLICT", err)
	}

	got, _ := store.Get(ctx, "f-1")
	if got.OwnerID != "alice" {
		t.Errorf("OwnerID = %q, want first writer", got.OwnerID)
	}
}

// --- LockFlow ---

func TestMemoryStore_LockFlow_noWait(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	ctx := context.Background()

	a := mustBegin(t, store)
	if _, err := a.LockFlow(ctx, "f-1"); err != nil {
		t.Fatalf("first LockFlow error: %v", err)
	}
	// Re-entrant within the same transaction.
	if _, err := a.LockFlow(ctx, "f-1"); err != nil {
		t.Fatalf("re-lock error: %v", err)
	}

	b := mustBegin(t, store)
	if _, err := b.LockFlow(ctx, "f-1"); !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("second LockFlow err = %v, want CONFLICT", err)
	}

	_ = a.Rollback(ctx)
	if _, err := b.LockFlow(ctx, "f-1"); err != nil {
		t.Fatalf("LockFlow after release error: %v", err)
	}
}

func TestMemoryStore_LockFlow_notFound(t *testing.T) {
	store := NewMemoryStore()
	tx := mustBegin(t, store)

	_, err := tx.LockFlow(context.Background(), "missing")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// --- SaveFlow ---

func TestMemoryStore_SaveFlow(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	ctx := context.Background()
	tx := mustBegin(t, store)

	f, _ := tx.LockFlow(ctx, "f-1")
	f.State = "claimed"
	if err := tx.SaveFlow(ctx, &f); err != nil {
		t.Fatalf("SaveFlow error: %v", err)
	}
	if f.Version != 2 {
		t.Errorf("Version = %d, want 2", f.Version)
	}

	// A second save in the same tx sees the staged version.
	f.ExInfo.AppendRemark("note")
	if err := tx.SaveFlow(ctx, &f); err != nil {
		t.Fatalf("second SaveFlow error: %v", err)
	}

	if got, _ := store.Get(ctx, "f-1"); got.State != "open" {
		t.Errorf("committed State = %q before Commit", got.State)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	got, _ := store.Get(ctx, "f-1")
	if got.State != "claimed" || got.Version != 3 || len(got.ExInfo.Remarks) != 1 {
		t.Errorf("committed = %+v", got)
	}
}

func TestMemoryStore_SaveFlow_versionConflict(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	tx := mustBegin(t, store)

	f, _ := tx.FindFlow(context.Background(), "f-1")
	f.Version = 7
	err := tx.SaveFlow(context.Background(), &f)
	if !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_SaveFlow_staleAtCommit(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	ctx := context.Background()

	// Unlocked read-modify-write loses to a concurrent commit.
	tx := mustBegin(t, store)
	f, _ := tx.FindFlow(ctx, "f-1")
	f.State = "claimed"
	if err := tx.SaveFlow(ctx, &f); err != nil {
		t.Fatal(err)
	}

	other := openFlow("f-1", "alice")
	other.Version = 5
	store.PutFlow(other)

	if err := tx.Commit(ctx); !model.HasCode(err, model.ErrConflict) {
		t.Fatalf("Commit err = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_SaveFlow_notFound(t *testing.T) {
	store := NewMemoryStore()
	tx := mustBegin(t, store)

	f := openFlow("missing", "alice")
	f.Version = 1
	if err := tx.SaveFlow(context.Background(), &f); !model.HasCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

// --- Users and ledger ---

func TestMemoryStore_UserPoints(t *testing.T) {
	store := NewMemoryStore()
	store.PutUser(model.User{ID: "bob", Points: 5})
	ctx := context.Background()
	tx := mustBegin(t, store)

	u, err := tx.FindUser(ctx, "bob")
	if err != nil {
		t.Fatalf("FindUser error: %v", err)
	}
	u.Points += 20
	if err := tx.SaveUser(ctx, u); err != nil {
		t.Fatalf("SaveUser error: %v", err)
	}
	if err := tx.AppendDetail(ctx, model.Detail{ID: "d-1", UserID: "bob", Title: "reward", Value: 20}); err != nil {
		t.Fatalf("AppendDetail error: %v", err)
	}

	if got, _ := tx.FindUser(ctx, "bob"); got.Points != 25 {
		t.Errorf("in-tx Points = %d, want 25", got.Points)
	}
	if got, _ := store.User(ctx, "bob"); got.Points != 5 {
		t.Errorf("committed Points = %d before Commit", got.Points)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	got, _ := store.User(ctx, "bob")
	if got.Points != 25 {
		t.Errorf("Points = %d, want 25", got.Points)
	}
	ledger, _ := store.Ledger(ctx, "bob")
	if len(ledger) != 1 || ledger[0].Value != 20 || ledger[0].CreatedAt.IsZero() {
		t.Errorf("ledger = %+v", ledger)
	}
}

func TestMemoryStore_SaveUser_requiresLock(t *testing.T) {
	store := NewMemoryStore()
	store.PutUser(model.User{ID: "bob"})
	tx := mustBegin(t, store)

	if err := tx.SaveUser(context.Background(), model.User{ID: "bob", Points: 1}); err == nil {
		t.Fatal("expected error saving a user not read in the transaction")
	}
}

func TestMemoryStore_FindUser_waitsForLock(t *testing.T) {
	store := NewMemoryStore()
	store.PutUser(model.User{ID: "bob", Points: 0})
	ctx := context.Background()

	a := mustBegin(t, store)
	u, _ := a.FindUser(ctx, "bob")
	u.Points = 10
	_ = a.SaveUser(ctx, u)

	b := mustBegin(t, store)
	defer b.Rollback(ctx)

	done := make(chan model.User)
	go func() {
		got, err := b.FindUser(ctx, "bob")
		if err != nil {
			t.Errorf("FindUser error: %v", err)
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("FindUser should block while another transaction holds the user")
	case <-time.After(20 * time.Millisecond):
	}

	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := <-done; got.Points != 10 {
		t.Errorf("Points after wait = %d, want committed 10", got.Points)
	}
}

func TestMemoryStore_FindUser_contextDeadline(t *testing.T) {
	store := NewMemoryStore()
	store.PutUser(model.User{ID: "bob"})

	a := mustBegin(t, store)
	_, _ = a.FindUser(context.Background(), "bob")
	defer a.Rollback(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	b := mustBegin(t, store)
	defer b.Rollback(context.Background())

	_, err := b.FindUser(ctx, "bob")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMemoryStore_FindSubject(t *testing.T) {
	store := NewMemoryStore()
	store.PutSubject(model.Subject{ID: "s-1", Points: 30})
	tx := mustBegin(t, store)

	sub, err := tx.FindSubject(context.Background(), "s-1")
	if err != nil || sub.Points != 30 {
		t.Fatalf("FindSubject() = (%+v, %v)", sub, err)
	}
	if _, err := tx.FindSubject(context.Background(), "s-2"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

// --- Rollback ---

func TestMemoryStore_Rollback_discardsEverything(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	store.PutUser(model.User{ID: "bob", Points: 1})
	ctx := context.Background()

	tx := mustBegin(t, store)
	f, _ := tx.LockFlow(ctx, "f-1")
	f.State = "closed"
	_ = tx.SaveFlow(ctx, &f)
	u, _ := tx.FindUser(ctx, "bob")
	u.Points = 100
	_ = tx.SaveUser(ctx, u)
	_ = tx.AppendDetail(ctx, model.Detail{ID: "d", UserID: "bob", Value: 99})
	_ = tx.AppendEvent(ctx, model.FlowEvent{ID: "e", FlowID: "f-1"})

	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}

	if got, _ := store.Get(ctx, "f-1"); got.State != "open" || got.Version != 1 {
		t.Errorf("flow = %+v, want untouched", got)
	}
	if got, _ := store.User(ctx, "bob"); got.Points != 1 {
		t.Errorf("Points = %d, want 1", got.Points)
	}
	if ledger, _ := store.Ledger(ctx, "bob"); len(ledger) != 0 {
		t.Errorf("ledger = %+v, want empty", ledger)
	}
	if events, _ := store.Events(ctx, "f-1"); len(events) != 0 {
		t.Errorf("events = %+v, want empty", events)
	}

	// Locks are released.
	other := mustBegin(t, store)
	if _, err := other.LockFlow(ctx, "f-1"); err != nil {
		t.Errorf("LockFlow after rollback error: %v", err)
	}
}

func TestMemoryStore_FinishedTx(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := mustBegin(t, store)

	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after Commit = %v, want nil", err)
	}
	if err := tx.Commit(ctx); err == nil {
		t.Error("second Commit should fail")
	}
	if _, err := tx.FindFlow(ctx, "f-1"); err == nil {
		t.Error("FindFlow on a finished transaction should fail")
	}
}

func TestMemoryStore_Begin_canceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().Begin(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// --- Reads ---

func TestMemoryStore_Events(t *testing.T) {
	store := NewMemoryStore()
	store.PutFlow(openFlow("f-1", "alice"))
	ctx := context.Background()

	tx := mustBegin(t, store)
	_ = tx.AppendEvent(ctx, model.FlowEvent{ID: "e1", FlowID: "f-1", Step: "claim"})
	_ = tx.AppendEvent(ctx, model.FlowEvent{ID: "e2", FlowID: "f-1", Step: "finish"})
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	events, err := store.Events(ctx, "f-1")
	if err != nil {
		t.Fatalf("Events error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("events = %+v", events)
	}

	if _, err := store.Events(ctx, "missing"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, seed := range []struct {
		id, owner, state, executor string
	}{
		{"f-1", "alice", "open", ""},
		{"f-2", "alice", "claimed", "bob"},
		{"f-3", "carol", "claimed", "bob"},
		{"f-4", "carol", "closed", ""},
	} {
		f := openFlow(seed.id, seed.owner)
		f.State = seed.state
		f.ExecutorID = seed.executor
		f.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		store.PutFlow(f)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		filters model.FlowFilters
		want    []string
	}{
		{"all newest first", model.FlowFilters{}, []string{"f-4", "f-3", "f-2", "f-1"}},
		{"by owner", model.FlowFilters{OwnerID: "alice"}, []string{"f-2", "f-1"}},
		{"by state", model.FlowFilters{State: "claimed"}, []string{"f-3", "f-2"}},
		{"by executor", model.FlowFilters{ExecutorID: "bob"}, []string{"f-3", "f-2"}},
		{"by template", model.FlowFilters{TemplateID: "other"}, nil},
		{"limit", model.FlowFilters{Limit: 2}, []string{"f-4", "f-3"}},
		{"offset", model.FlowFilters{Offset: 3}, []string{"f-1"}},
		{"offset past end", model.FlowFilters{Offset: 10}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filters)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() = %d flows, want %v", len(got), tt.want)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryStore_Get_returnsCopy(t *testing.T) {
	store := NewMemoryStore()
	f := openFlow("f-1", "alice")
	f.ExInfo.Remarks = []string{"one"}
	store.PutFlow(f)

	got, _ := store.Get(context.Background(), "f-1")
	got.ExInfo.Remarks[0] = "mutated"

	again, _ := store.Get(context.Background(), "f-1")
	if again.ExInfo.Remarks[0] != "one" {
		t.Errorf("stored remarks mutated through Get: %v", again.ExInfo.Remarks)
	}
}
