package depindex

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/store"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

func newTestIndex(t *testing.T, st store.SnapshotStore) (*Index, *virtualClock, *telemetry.Recorder) {
	t.Helper()
	clock := &virtualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &telemetry.Recorder{}
	idx := New(Config{Grace: 30 * time.Second}, st, rec)
	idx.publish = false
	idx.SetClock(clock.now)
	require.NoError(t, idx.Open(context.Background()))
	return idx, clock, rec
}

func TestIndex_UpdatesRequireOpen(t *testing.T) {
	idx := New(Config{}, nil, nil)
	err := idx.UpdateProp("p1", model.StatusActive)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = idx.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestIndex_UpdateValidation(t *testing.T) {
	idx, _, _ := newTestIndex(t, nil)
	assert.Error(t, idx.UpdateProp("", model.StatusActive))
	assert.Error(t, idx.UpdateProp("p1", "deleted"))
	assert.Error(t, idx.UpdateEdge("e1", "", model.StatusActive))
	assert.Error(t, idx.UpdateTicket("t1", []string{"", ""}, model.StatusActive))
}

func TestIndex_UpsertAndChangeLog(t *testing.T) {
	idx, clock, _ := newTestIndex(t, nil)
	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	clock.advance(time.Second)
	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateTicket("t1", []string{"e1", "e1"}, model.StatusActive))
	require.NoError(t, idx.UpdateProp("p1", model.StatusRetired))

	n, ok := idx.Node(model.KindTicket, "t1")
	require.True(t, ok)
	assert.Equal(t, []string{"e1"}, n.References)

	p, _ := idx.Node(model.KindProp, "p1")
	assert.Equal(t, model.StatusRetired, p.Status)
	assert.True(t, p.LastModified.After(p.CreatedAt))

	assert.Equal(t, int64(4), idx.Version())
	log := idx.ChangeLog(2)
	require.Len(t, log, 2)
	assert.Equal(t, "t1", log[0].ID)
	assert.Equal(t, model.StatusRetired, log[1].Status)
	assert.Len(t, idx.ChangeLog(0), 4)
}

func TestIndex_EdgeLookups(t *testing.T) {
	idx, _, _ := newTestIndex(t, nil)
	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	require.NoError(t, idx.UpdateProp("p2", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e2", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e3", "p1", model.StatusRetired))

	assert.Equal(t, []string{"e1", "e2"}, idx.ActiveEdgesForProp("p1"))

	// Moving an edge to another prop updates the reverse index.
	require.NoError(t, idx.UpdateEdge("e2", "p2", model.StatusActive))
	assert.Equal(t, []string{"e1"}, idx.ActiveEdgesForProp("p1"))
	assert.Equal(t, []string{"e2"}, idx.ActiveEdgesForProp("p2"))

	prop, ok := idx.PropForEdge("e2")
	assert.True(t, ok)
	assert.Equal(t, "p2", prop)
	_, ok = idx.PropForEdge("missing")
	assert.False(t, ok)

	require.NoError(t, idx.UpdateProp("p2", model.StatusRetired))
	assert.Empty(t, idx.ActiveEdgesForProp("p2"))
	assert.True(t, idx.IsActive(model.KindEdge, "e1"))
	assert.False(t, idx.IsActive(model.KindEdge, "e3"))
}

func TestSweep_GracePeriod(t *testing.T) {
	idx, clock, _ := newTestIndex(t, nil)
	ctx := context.Background()

	// Ticket created before its edge exists.
	require.NoError(t, idx.UpdateTicket("t1", []string{"e1"}, model.StatusActive))
	res, err := idx.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewIssues)
	assert.Equal(t, 1, res.Pending)

	clock.advance(10 * time.Second)
	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))

	clock.advance(time.Minute)
	res, err = idx.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 1.0, idx.Health().Score)
}

func TestSweep_DetectsAfterGraceAndDedupes(t *testing.T) {
	idx, clock, rec := newTestIndex(t, nil)
	ctx := context.Background()
	b := bus.New(bus.Config{}, nil)
	var issues []model.IntegrityIssue
	b.Register(bus.EventIntegrityIssue, "test", func(_ context.Context, ev bus.Event) error {
		issues = append(issues, ev.Data.(model.IntegrityIssue))
		return nil
	})
	idx.SetBus(b)

	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e2", "ghost", model.StatusActive))
	require.NoError(t, idx.UpdateTicket("t1", []string{"e1"}, model.StatusActive))
	clock.advance(time.Minute)
	require.NoError(t, idx.UpdateProp("p1", model.StatusRetired))

	res, err := idx.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewIssues, "only the missing-prop edge is past grace")
	assert.Equal(t, 1, res.Pending, "e1 became dangling when p1 retired just now")

	clock.advance(31 * time.Second)
	res, err = idx.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewIssues)
	assert.Equal(t, 2, res.Open)

	res, err = idx.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewIssues)

	open := idx.OpenIssues()
	require.Len(t, open, 2)
	assert.Equal(t, "e2", open[0].NodeID)
	assert.Equal(t, []string{"ghost"}, open[0].MissingRefs)
	assert.Equal(t, "e1", open[1].NodeID)
	assert.Equal(t, []string{"p1"}, open[1].RetiredRefs)

	h := idx.Health()
	assert.Equal(t, 2, h.OpenIssues[model.IssueDanglingEdge])
	assert.Equal(t, 0, h.OpenIssues[model.IssueOrphanedTicket])
	// active: e1, e2, t1
	assert.InDelta(t, 1-2.0/3.0, h.Score, 1e-9)
	assert.Len(t, issues, 2)
	assert.Len(t, rec.Filter(telemetry.CategoryIntegrity, "issue_detected"), 2)
}

func TestRemediate_RetiresAndCascades(t *testing.T) {
	idx, clock, rec := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateTicket("t1", []string{"e1"}, model.StatusActive))
	require.NoError(t, idx.UpdateProp("p1", model.StatusRetired))

	clock.advance(31 * time.Second)
	_, err := idx.Sweep(ctx)
	require.NoError(t, err)
	rr, err := idx.Remediate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.AutoRetired)
	assert.False(t, idx.IsActive(model.KindEdge, "e1"))

	// The ticket's violation starts at the edge's retirement.
	res, err := idx.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewIssues)
	assert.Equal(t, 1, res.Pending)

	clock.advance(31 * time.Second)
	_, err = idx.Sweep(ctx)
	require.NoError(t, err)
	rr, err = idx.Remediate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.AutoRetired)
	assert.False(t, idx.IsActive(model.KindTicket, "t1"))

	h := idx.Health()
	assert.Equal(t, int64(2), h.IssuesFound)
	assert.Equal(t, int64(2), h.Remediated)
	assert.Equal(t, 0, h.OpenTotal)
	assert.Equal(t, 1.0, h.Score)

	records := idx.Remediations()
	require.Len(t, records, 2)
	assert.Equal(t, model.ActionAutoRetire, records[0].Action)
	assert.Len(t, rec.Filter(telemetry.CategoryIntegrity, "remediation"), 2)
}

func TestRemediate_SelfHealedAndGraceRespected(t *testing.T) {
	idx, clock, _ := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e2", "p2", model.StatusActive))
	require.NoError(t, idx.UpdateProp("p2", model.StatusRetired))
	clock.advance(31 * time.Second)
	_, err := idx.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, idx.OpenIssues(), 2)

	// p1 appears: e1 heals. p2 is reactivated and retired again: the
	// violation restarts inside the grace period, so e2 must not be retired.
	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	require.NoError(t, idx.UpdateProp("p2", model.StatusActive))
	require.NoError(t, idx.UpdateProp("p2", model.StatusRetired))

	rr, err := idx.Remediate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.SelfHealed)
	assert.Equal(t, 1, rr.Deferred)
	assert.Equal(t, 0, rr.AutoRetired)
	assert.True(t, idx.IsActive(model.KindEdge, "e2"))

	clock.advance(31 * time.Second)
	rr, err = idx.Remediate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.AutoRetired)
	assert.False(t, idx.IsActive(model.KindEdge, "e2"))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	st := store.NewFileStore(filepath.Join(t.TempDir(), "snaps"))
	require.NoError(t, st.Migrate(context.Background()))

	idx, _, _ := newTestIndex(t, st)
	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))
	require.NoError(t, idx.UpdateProp("p2", model.StatusRetired))
	require.NoError(t, idx.UpdateEdge("e1", "p1", model.StatusActive))
	require.NoError(t, idx.UpdateEdge("e2", "p2", model.StatusRetired))
	require.NoError(t, idx.UpdateTicket("t1", []string{"e1", "e2"}, model.StatusActive))
	require.NoError(t, idx.SaveSnapshot(context.Background()))
	before := idx.Health()

	reloaded, _, _ := newTestIndex(t, st)
	after := reloaded.Health()
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, before.Active, after.Active)
	assert.Equal(t, before.Retired, after.Retired)
	assert.Equal(t, before.ByKind, after.ByKind)
	assert.Equal(t, idx.Version(), reloaded.Version())
	assert.Equal(t, []string{"e1"}, reloaded.ActiveEdgesForProp("p1"))

	n, ok := reloaded.Node(model.KindTicket, "t1")
	require.True(t, ok)
	assert.Equal(t, []string{"e1", "e2"}, n.References)

	// New updates continue the version sequence.
	require.NoError(t, reloaded.UpdateProp("p3", model.StatusActive))
	assert.Equal(t, idx.Version()+1, reloaded.Version())
}

type failingStore struct {
	store.SnapshotStore
	mu    sync.Mutex
	fails int
	saved []*model.GraphSnapshot
}

func (f *failingStore) SaveSnapshot(_ context.Context, snap *model.GraphSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("disk full")
	}
	f.saved = append(f.saved, snap)
	return nil
}

func (f *failingStore) LatestSnapshot(context.Context) (*model.GraphSnapshot, error) { return nil, nil }

func (f *failingStore) PruneSnapshots(context.Context, int) (int, error) { return 0, nil }

func TestSaveSnapshot_RetriesAfterFailureAndSkipsUnchanged(t *testing.T) {
	fs := &failingStore{fails: 1}
	idx, _, _ := newTestIndex(t, fs)
	require.NoError(t, idx.UpdateProp("p1", model.StatusActive))

	err := idx.SaveSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, idx.SaveSnapshot(context.Background()))
	require.NoError(t, idx.SaveSnapshot(context.Background()))
	assert.Len(t, fs.saved, 1)
	assert.False(t, idx.Health().LastSnapshot.IsZero())

	require.NoError(t, idx.UpdateProp("p2", model.StatusActive))
	require.NoError(t, idx.SaveSnapshot(context.Background()))
	require.Len(t, fs.saved, 2)
	assert.Greater(t, fs.saved[1].Version, fs.saved[0].Version)
}

func TestSweep_ConcurrentWriters(t *testing.T) {
	idx, _, _ := newTestIndex(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := string(rune('a'+w)) + "-" + time.Duration(i).String()
				_ = idx.UpdateProp(id, model.StatusActive)
				_ = idx.UpdateEdge("e-"+id, id, model.StatusActive)
			}
		}(w)
	}
	for i := 0; i < 20; i++ {
		_, err := idx.Sweep(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, 1600, idx.Health().Total)
}

func TestHealth_EmptyGraph(t *testing.T) {
	idx, _, _ := newTestIndex(t, nil)
	h := idx.Health()
	assert.Equal(t, 1.0, h.Score)
	assert.Equal(t, 0, h.Total)
	assert.Contains(t, h.ByKind, model.KindTicket)
}

func TestRun_StopsOnCancel(t *testing.T) {
	idx := New(Config{SweepInterval: 5 * time.Millisecond, SnapshotInterval: 5 * time.Millisecond}, nil, nil)
	idx.publish = false
	require.NoError(t, idx.Open(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		idx.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
