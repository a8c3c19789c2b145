package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"orderline/internal/cache"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
	"orderline/internal/repo"
)

type capturedNotifications struct {
	mu  sync.Mutex
	got []domain.Notification
}

func (c *capturedNotifications) Enqueue(n domain.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return true
}

func (c *capturedNotifications) all() []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Notification(nil), c.got...)
}

type testEnv struct {
	Engine engine.Engine
	Cache  *cache.Memory
	Notes  *capturedNotifications
	Ctx    context.Context
}

// newTestEnv seeds two branches. alice is a clerk in b1, bob a clerk in b2,
// mgr a manager in b1, vera a viewer in b1 and root an admin.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mem := cache.NewMemory()
	notes := &capturedNotifications{}
	eng := engine.New(conn, config.Default(), engine.Options{
		Cache:        mem,
		ItemTTL:      time.Minute,
		ScopeTTL:     time.Minute,
		AggregateTTL: time.Minute,
		Notifier:     notes,
	})
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.SeedDefaults(ctx, "root"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for _, b := range []string{"b1", "b2"} {
		if err := eng.EnsureBranch(ctx, "root", b, "Branch "+b); err != nil {
			t.Fatalf("branch %s: %v", b, err)
		}
	}
	grants := []struct{ actor, role, branch string }{
		{"alice", "clerk", "b1"},
		{"bob", "clerk", "b2"},
		{"mgr", "manager", "b1"},
		{"vera", "viewer", "b1"},
	}
	for _, g := range grants {
		if err := eng.AssignRole(ctx, "root", g.actor, g.role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
		if err := eng.AssignBranch(ctx, "root", g.actor, g.branch); err != nil {
			t.Fatalf("assign branch: %v", err)
		}
	}
	return testEnv{Engine: eng, Cache: mem, Notes: notes, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, actor, branch, title string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ActorID:    actor,
		BranchID:   branch,
		Attributes: domain.Attributes{Title: title},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return w
}

func (env testEnv) history(t *testing.T, id string) []domain.HistoryRecord {
	t.Helper()
	recs, err := env.Engine.History(env.Ctx, "root", id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return recs
}

func TestCreateStartsInInitialStatusWithHistory(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Pack order 17")
	if w.Status != domain.StatusOpen {
		t.Fatalf("expected Open, got %s", w.Status)
	}
	if w.CreatedBy != "alice" || w.UpdatedBy != "alice" {
		t.Fatalf("unexpected actors %+v", w)
	}
	recs := env.history(t, w.ID)
	if len(recs) != 2 {
		t.Fatalf("expected status and title records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.OldValue != nil {
			t.Fatalf("creation record %s has old value", r.Field)
		}
		if r.MutationID != recs[0].MutationID {
			t.Fatalf("creation records span mutations")
		}
	}
}

func TestNewDefaultsCacheLifetimes(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	e := engine.New(conn, nil, engine.Options{})
	if e.Items.ItemTTL != engine.DefaultItemTTL || e.Items.AggregateTTL != engine.DefaultAggregateTTL {
		t.Fatalf("unexpected item lifetimes %v %v", e.Items.ItemTTL, e.Items.AggregateTTL)
	}
	if e.Scopes.TTL != engine.DefaultScopeTTL {
		t.Fatalf("unexpected scope lifetime %v", e.Scopes.TTL)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{ActorID: "alice", BranchID: "b1"})
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{ActorID: "alice", BranchID: "b2", Attributes: domain.Attributes{Title: "x"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected out-of-scope branch to be not found, got %v", err)
	}
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{ActorID: "vera", BranchID: "b1", Attributes: domain.Attributes{Title: "x"}})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDuplicateReferenceConflicts(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.CreateOptions{ActorID: "alice", BranchID: "b1", Reference: "PO-7", Attributes: domain.Attributes{Title: "x"}}
	if _, err := env.Engine.Create(env.Ctx, opts); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Create(env.Ctx, opts); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTransitionScenario(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Deliver")
	before := len(env.history(t, w.ID))

	w, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: domain.StatusInProgress, Notes: "started"})
	if err != nil {
		t.Fatalf("to InProgress: %v", err)
	}
	recs := env.history(t, w.ID)
	if len(recs) != before+1 {
		t.Fatalf("expected one new record, got %d", len(recs)-before)
	}
	last := recs[len(recs)-1]
	if last.Field != "status" || *last.OldValue != "Open" || *last.NewValue != "InProgress" || last.ActorID != "alice" || last.Notes != "started" {
		t.Fatalf("unexpected status record %+v", last)
	}

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: domain.StatusOpen})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition back to Open, got %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, "alice", w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status changed by rejected transition: %s", got.Status)
	}
	if n := len(env.history(t, w.ID)); n != before+1 {
		t.Fatalf("rejected transition wrote history")
	}
}

func TestSkipAndTerminalRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "mgr", "b1", "Skip")
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: w.ID, Status: domain.StatusClosed}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected skip to be rejected, got %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: w.ID, Status: domain.StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: w.ID, Status: domain.StatusInProgress}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected terminal status to reject, got %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: w.ID, Status: "Shipped"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected unknown status to reject, got %v", err)
	}
	if err := env.Engine.SoftDelete(env.Ctx, "mgr", w.ID); err != nil {
		t.Fatalf("delete of terminal item: %v", err)
	}
}

func TestTransitionChecksCapabilityBeforeTarget(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Capability first")
	for _, actor := range []string{"vera", "nobody"} {
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: actor, ID: w.ID, Status: "Shipped"})
		var forbidden domain.ForbiddenError
		if !errors.As(err, &forbidden) || forbidden.Permission != domain.PermItemUpdate {
			t.Fatalf("%s: expected forbidden item.update, got %v", actor, err)
		}
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: "Shipped"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected unknown status to reject for a permitted actor, got %v", err)
	}
}

func TestReopenRequiresNotes(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Rework")
	for _, s := range []domain.Status{domain.StatusInProgress, domain.StatusCompleted} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: s}); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: domain.StatusInProgress}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected notes requirement, got %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: domain.StatusInProgress, Notes: "damaged in transit"}); err != nil {
		t.Fatalf("reopen with notes: %v", err)
	}
}

func TestUpdateRecordsEachChangedField(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Quote")
	before := len(env.history(t, w.ID))

	patch := json.RawMessage(`{"title":"Quote v2","priority":"high","total":"120.00","currency":"EUR"}`)
	w, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "alice", ID: w.ID, Patch: patch})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if w.Attributes.Title != "Quote v2" || w.Attributes.Total == nil || w.Attributes.Currency != "EUR" {
		t.Fatalf("patch not applied: %+v", w.Attributes)
	}
	recs := env.history(t, w.ID)[before:]
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	fields := map[string]domain.HistoryRecord{}
	for _, r := range recs {
		fields[r.Field] = r
		if r.ActorID != "alice" || r.MutationID != recs[0].MutationID {
			t.Fatalf("unexpected record %+v", r)
		}
	}
	if r := fields["title"]; *r.OldValue != "Quote" || *r.NewValue != "Quote v2" {
		t.Fatalf("title record %+v", r)
	}
	if r := fields["priority"]; r.OldValue != nil || *r.NewValue != "high" {
		t.Fatalf("priority record %+v", r)
	}

	// null removes a field
	w, err = env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "alice", ID: w.ID, Patch: json.RawMessage(`{"priority":null}`)})
	if err != nil {
		t.Fatalf("clear priority: %v", err)
	}
	if w.Attributes.Priority != "" {
		t.Fatalf("priority not cleared")
	}
	all := env.history(t, w.ID)
	last := all[len(all)-1]
	if last.Field != "priority" || last.NewValue != nil {
		t.Fatalf("expected priority removal record, got %+v", last)
	}
}

func TestNoOpPatchWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Same")
	before := len(env.history(t, w.ID))
	got, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "alice", ID: w.ID, Patch: json.RawMessage(`{"title":"Same"}`)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !got.UpdatedAt.Equal(w.UpdatedAt) {
		t.Fatalf("no-op update touched the item")
	}
	if n := len(env.history(t, w.ID)); n != before {
		t.Fatalf("no-op update wrote %d records", n-before)
	}
}

func TestInvalidPatchRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Strict")
	for _, patch := range []string{`{"status":"Closed"}`, `{"title":""}`, `{"priority":"someday"}`, `{"total":"-1","currency":"EUR"}`, `[1,2]`} {
		_, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "alice", ID: w.ID, Patch: json.RawMessage(patch)})
		if !errors.Is(err, domain.ErrValidationFailed) {
			t.Fatalf("patch %s: expected validation failure, got %v", patch, err)
		}
	}
}

func TestSoftDelete(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "mgr", "b1", "Obsolete")
	keep := env.create(t, "mgr", "b1", "Keep")

	if err := env.Engine.SoftDelete(env.Ctx, "alice", w.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("clerk delete: expected forbidden, got %v", err)
	}
	if err := env.Engine.SoftDelete(env.Ctx, "mgr", w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, "mgr", w.ID)
	if err != nil {
		t.Fatalf("deleted item should stay readable: %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatalf("deleted_at not set")
	}
	recs := env.history(t, w.ID)
	if last := recs[len(recs)-1]; last.Field != "deleted_at" || last.OldValue != nil || last.NewValue == nil {
		t.Fatalf("expected deleted_at record, got %+v", last)
	}
	items, err := env.Engine.List(env.Ctx, engine.ListOptions{ActorID: "mgr"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != keep.ID {
		t.Fatalf("deleted item listed: %+v", items)
	}
	if err := env.Engine.SoftDelete(env.Ctx, "mgr", w.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: w.ID, Status: domain.StatusInProgress}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("transition of deleted item: expected not found, got %v", err)
	}
	if _, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "mgr", ID: w.ID, Patch: json.RawMessage(`{"title":"again"}`)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update of deleted item: expected not found, got %v", err)
	}
}

func TestBranchIsolation(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Branch A only")

	if _, err := env.Engine.Get(env.Ctx, "bob", w.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-branch get: expected not found, got %v", err)
	}
	if _, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "bob", ID: w.ID, Patch: json.RawMessage(`{"title":"hijack"}`)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-branch update: expected not found, got %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "bob", ID: w.ID, Status: domain.StatusInProgress}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-branch transition: expected not found, got %v", err)
	}
	if _, err := env.Engine.History(env.Ctx, "bob", w.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-branch history: expected not found, got %v", err)
	}
	items, err := env.Engine.List(env.Ctx, engine.ListOptions{ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("bob sees %d foreign items", len(items))
	}
	if _, err := env.Engine.List(env.Ctx, engine.ListOptions{ActorID: "bob", BranchID: "b1"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("list foreign branch: expected not found, got %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, "root", w.ID); err != nil {
		t.Fatalf("wildcard get: %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, "stranger", w.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unknown actor: expected forbidden, got %v", err)
	}
}

func TestScopeChangesApplyImmediately(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "bob", "b2", "Visible later")
	if _, err := env.Engine.Get(env.Ctx, "alice", w.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found before grant, got %v", err)
	}
	if err := env.Engine.AssignBranch(env.Ctx, "root", "alice", "b2"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Get(env.Ctx, "alice", w.ID); err != nil {
		t.Fatalf("expected access after grant: %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "root", "alice", "clerk"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Get(env.Ctx, "alice", w.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden after revoke, got %v", err)
	}
	if err := env.Engine.AssignRole(env.Ctx, "alice", "alice", "admin"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("self-escalation: expected forbidden, got %v", err)
	}
	if err := env.Engine.GrantPermission(env.Ctx, "root", "viewer", domain.PermItemComment); err != nil {
		t.Fatal(err)
	}
	item := env.create(t, "mgr", "b1", "Open for comments")
	if _, err := env.Engine.AddComment(env.Ctx, "vera", item.ID, "looks fine"); err != nil {
		t.Fatalf("viewer comment after grant: %v", err)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Contended")
	before := len(env.history(t, w.ID))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patch := json.RawMessage(fmt.Sprintf(`{"title":"writer %d"}`, i))
			_, err := env.Engine.Update(env.Ctx, engine.UpdateOptions{ActorID: "alice", ID: w.ID, Patch: patch})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}
	recs := env.history(t, w.ID)[before:]
	if len(recs) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if *recs[i].OldValue != *recs[i-1].NewValue {
			t.Fatalf("record %d diffed against a stale snapshot: %q != %q", i, *recs[i].OldValue, *recs[i-1].NewValue)
		}
	}
	got, err := env.Engine.Get(env.Ctx, "alice", w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attributes.Title != *recs[len(recs)-1].NewValue {
		t.Fatalf("final title %q is not the last committed value %q", got.Attributes.Title, *recs[len(recs)-1].NewValue)
	}
}

func TestCacheCoherentAfterMutation(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Cached")
	if _, err := env.Engine.Get(env.Ctx, "alice", w.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Cache.Get(env.Ctx, cache.ItemKey(w.ID)); err != nil {
		t.Fatalf("expected item cached: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "alice", ID: w.ID, Status: domain.StatusInProgress}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Get(env.Ctx, "alice", w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("stale read after commit: %s", got.Status)
	}
}

func TestFailedWriteRollsBackItemAndHistory(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Atomic")
	if _, err := env.Engine.Get(env.Ctx, "alice", w.ID); err != nil {
		t.Fatal(err)
	}
	cached, err := env.Cache.Get(env.Ctx, cache.ItemKey(w.ID))
	if err != nil {
		t.Fatalf("expected item cached: %v", err)
	}
	before := len(env.history(t, w.ID))

	_, err = env.Engine.DB.Exec(`CREATE TRIGGER fail_priority_history BEFORE INSERT ON work_item_history
		WHEN NEW.field = 'priority'
		BEGIN SELECT RAISE(ABORT, 'history write failed'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, err = env.Engine.Update(env.Ctx, engine.UpdateOptions{
		ActorID: "alice",
		ID:      w.ID,
		Patch:   json.RawMessage(`{"title":"changed","priority":"high"}`),
	})
	if err == nil {
		t.Fatalf("expected update to fail")
	}

	if got := len(env.history(t, w.ID)); got != before {
		t.Fatalf("history rows leaked: before %d after %d", before, got)
	}
	still, err := env.Cache.Get(env.Ctx, cache.ItemKey(w.ID))
	if err != nil {
		t.Fatalf("cached snapshot dropped: %v", err)
	}
	if string(still) != string(cached) {
		t.Fatalf("cached snapshot changed")
	}
	got, err := env.Engine.Get(env.Ctx, "alice", w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Attributes.Title != "Atomic" || got.Attributes.Priority != "" {
		t.Fatalf("partial update visible: %+v", got.Attributes)
	}
	if _, err := env.Engine.DB.Exec(`DROP TRIGGER fail_priority_history`); err != nil {
		t.Fatal(err)
	}
	stored, err := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID, repo.BranchFilter{All: true})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Attributes.Title != "Atomic" {
		t.Fatalf("store kept the failed write: %q", stored.Attributes.Title)
	}
}

func TestStatsFollowMutations(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "mgr", "b1", "one")
	env.create(t, "mgr", "b1", "two")
	env.create(t, "bob", "b2", "three")

	counts, err := env.Engine.Stats(env.Ctx, "mgr", "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Count != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: a.ID, Status: domain.StatusCancelled}); err != nil {
		t.Fatal(err)
	}
	counts, err = env.Engine.Stats(env.Ctx, "mgr", "")
	if err != nil {
		t.Fatal(err)
	}
	byStatus := map[domain.Status]int{}
	for _, c := range counts {
		if c.BranchID != "b1" {
			t.Fatalf("stats leaked branch %s", c.BranchID)
		}
		byStatus[c.Status] = c.Count
	}
	if byStatus[domain.StatusOpen] != 1 || byStatus[domain.StatusCancelled] != 1 {
		t.Fatalf("stale stats %+v", counts)
	}
	if _, err := env.Engine.Stats(env.Ctx, "alice", "b1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("clerk stats: expected forbidden, got %v", err)
	}
	global, err := env.Engine.Stats(env.Ctx, "root", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(global) != 3 {
		t.Fatalf("expected 3 global rows, got %+v", global)
	}
}

func TestCommentsAreTrackedMutations(t *testing.T) {
	env := newTestEnv(t)
	w := env.create(t, "alice", "b1", "Discuss")
	c, err := env.Engine.AddComment(env.Ctx, "alice", w.ID, "  customer called  ")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if c.Body != "customer called" {
		t.Fatalf("body not trimmed: %q", c.Body)
	}
	if _, err := env.Engine.AddComment(env.Ctx, "alice", w.ID, "   "); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("empty comment: expected validation failure, got %v", err)
	}
	comments, err := env.Engine.Comments(env.Ctx, "alice", w.ID)
	if err != nil || len(comments) != 1 {
		t.Fatalf("comments: %v %+v", err, comments)
	}
	recs := env.history(t, w.ID)
	if last := recs[len(recs)-1]; last.Field != "comment" || *last.NewValue != "customer called" {
		t.Fatalf("expected comment record, got %+v", last)
	}
	if _, err := env.Engine.Comments(env.Ctx, "bob", w.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-branch comments: expected not found, got %v", err)
	}
}

func TestNotificationsFollowRules(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		ActorID:    "mgr",
		BranchID:   "b1",
		Attributes: domain.Attributes{Title: "Notify", AssigneeID: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []domain.Status{domain.StatusInProgress, domain.StatusCompleted, domain.StatusClosed} {
		if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{ActorID: "mgr", ID: w.ID, Status: s}); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	got := env.Notes.all()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %+v", got)
	}
	if got[0].Type != "workitem.completed" || got[0].RecipientID != "mgr" {
		t.Fatalf("unexpected first notification %+v", got[0])
	}
	if got[1].Type != "workitem.finished" || got[2].RecipientID != "alice" || got[2].WorkItemID != w.ID {
		t.Fatalf("unexpected finish notifications %+v", got[1:])
	}
}

func TestAPIKeysAndMe(t *testing.T) {
	env := newTestEnv(t)
	secret, key, err := env.Engine.CreateAPIKey(env.Ctx, "root", "svc-sync", "sync job")
	if err != nil {
		t.Fatal(err)
	}
	if secret == "" || key.KeyHash == secret {
		t.Fatalf("secret must be returned and stored hashed")
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "alice", "mine"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("clerk key creation: expected forbidden, got %v", err)
	}
	scope, err := env.Engine.Me(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !scope.Has(domain.PermItemCreate) || !scope.InBranch("b1") || scope.InBranch("b2") {
		t.Fatalf("unexpected scope %+v", scope)
	}
	branches, err := env.Engine.Branches(env.Ctx, "alice")
	if err != nil || len(branches) != 1 || branches[0].ID != "b1" {
		t.Fatalf("branches: %v %+v", err, branches)
	}
}
