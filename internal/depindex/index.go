// Package depindex maintains the ticket → edge → prop reference graph,
// persists it as versioned snapshots and detects and remediates dangling
// references once they outlive a grace period.
package depindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/ring"
	"github.com/itzcole03/recompute-core/internal/store"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// ErrNotOpen is returned by updates and sweeps before Open has loaded the
// latest snapshot.
var ErrNotOpen = eris.New("depindex: index not open")

// Config controls grace, sweep and snapshot cadence.
type Config struct {
	Grace             time.Duration
	SweepInterval     time.Duration
	SnapshotInterval  time.Duration
	SnapshotRetain    int
	ChangeLogCapacity int
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 10
	}
	if c.ChangeLogCapacity <= 0 {
		c.ChangeLogCapacity = 10000
	}
	return c
}

// Change is one entry of the in-memory change log.
type Change struct {
	Version    int64            `json:"version"`
	Kind       model.NodeKind   `json:"kind"`
	ID         string           `json:"id"`
	Status     model.NodeStatus `json:"status"`
	References []string         `json:"references,omitempty"`
	At         time.Time        `json:"at"`
}

type issueKey struct {
	typ  model.IssueType
	node string
}

// Index is the dependency integrity index. One coarse lock guards the node
// table; sweeps evaluate a copy.
type Index struct {
	cfg     Config
	store   store.SnapshotStore
	sink    telemetry.Sink
	bus     *bus.Bus
	now     func() time.Time
	publish bool

	mu           sync.Mutex
	open         bool
	nodes        map[model.NodeKey]*model.Node
	edgesByProp  map[string]map[string]struct{}
	version      int64
	changes      *ring.Buffer[Change]
	issues       map[string]*model.IntegrityIssue
	openByNode   map[issueKey]string
	remediations *ring.Buffer[model.RemediationRecord]
	found        int64
	remediated   int64
	autoRetired  int64
	selfHealed   int64
	pending      int
	lastSweep    time.Time
	lastSnapshot time.Time
	savedVersion int64
}

// New creates an index. st may be nil for a purely in-memory index.
func New(cfg Config, st store.SnapshotStore, sink telemetry.Sink) *Index {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = telemetry.Nop()
	}
	return &Index{
		cfg:          cfg,
		store:        st,
		sink:         sink,
		now:          time.Now,
		publish:      true,
		nodes:        make(map[model.NodeKey]*model.Node),
		edgesByProp:  make(map[string]map[string]struct{}),
		changes:      ring.New[Change](cfg.ChangeLogCapacity),
		issues:       make(map[string]*model.IntegrityIssue),
		openByNode:   make(map[issueKey]string),
		remediations: ring.New[model.RemediationRecord](1000),
		savedVersion: -1,
	}
}

// SetClock replaces the time source.
func (x *Index) SetClock(now func() time.Time) { x.now = now }

// SetBus attaches a bus for integrity_issue and integrity_remediated events.
func (x *Index) SetBus(b *bus.Bus) { x.bus = b }

// Open loads the latest stored snapshot, if any, and starts accepting
// updates. It is a no-op on an already open index.
func (x *Index) Open(ctx context.Context) error {
	x.mu.Lock()
	if x.open {
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()

	if x.store != nil {
		snap, err := x.store.LatestSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "depindex: load latest snapshot")
		}
		if snap != nil {
			x.Restore(snap)
			zap.L().Info("depindex: restored snapshot",
				zap.Int64("version", snap.Version),
				zap.Int("nodes", len(snap.Nodes)),
			)
		}
	}

	x.mu.Lock()
	x.open = true
	x.mu.Unlock()
	return nil
}

// UpdateProp upserts a prop.
func (x *Index) UpdateProp(id string, status model.NodeStatus) error {
	return x.upsert(model.KindProp, id, nil, status)
}

// UpdateEdge upserts an edge referencing propID.
func (x *Index) UpdateEdge(id, propID string, status model.NodeStatus) error {
	if propID == "" {
		return eris.Errorf("depindex: edge %s has no prop", id)
	}
	return x.upsert(model.KindEdge, id, []string{propID}, status)
}

// UpdateTicket upserts a ticket referencing edgeIDs.
func (x *Index) UpdateTicket(id string, edgeIDs []string, status model.NodeStatus) error {
	refs := dedupe(edgeIDs)
	if len(refs) == 0 {
		return eris.Errorf("depindex: ticket %s has no edges", id)
	}
	return x.upsert(model.KindTicket, id, refs, status)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (x *Index) upsert(kind model.NodeKind, id string, refs []string, status model.NodeStatus) error {
	if id == "" {
		return eris.Errorf("depindex: empty %s id", kind)
	}
	if !status.Valid() {
		return eris.Errorf("depindex: invalid status %q for %s %s", status, kind, id)
	}
	now := x.now()

	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.open {
		return ErrNotOpen
	}
	x.setLocked(kind, id, refs, status, now)
	return nil
}

// setLocked writes a node. A nil refs keeps the existing references.
func (x *Index) setLocked(kind model.NodeKind, id string, refs []string, status model.NodeStatus, now time.Time) {
	key := model.NodeKey{Kind: kind, ID: id}
	n, ok := x.nodes[key]
	if !ok {
		n = &model.Node{ID: id, Kind: kind, CreatedAt: now}
		x.nodes[key] = n
	}
	if kind == model.KindEdge && refs != nil {
		x.unlinkEdgeLocked(n)
	}
	if refs != nil {
		n.References = append([]string(nil), refs...)
	}
	n.Status = status
	n.LastModified = now
	if kind == model.KindEdge {
		x.linkEdgeLocked(n)
	}

	x.version++
	x.changes.Push(Change{
		Version:    x.version,
		Kind:       kind,
		ID:         id,
		Status:     status,
		References: n.References,
		At:         now,
	})
}

func (x *Index) linkEdgeLocked(n *model.Node) {
	for _, prop := range n.References {
		set, ok := x.edgesByProp[prop]
		if !ok {
			set = make(map[string]struct{})
			x.edgesByProp[prop] = set
		}
		set[n.ID] = struct{}{}
	}
}

func (x *Index) unlinkEdgeLocked(n *model.Node) {
	for _, prop := range n.References {
		if set, ok := x.edgesByProp[prop]; ok {
			delete(set, n.ID)
			if len(set) == 0 {
				delete(x.edgesByProp, prop)
			}
		}
	}
}

// Node returns a copy of a node.
func (x *Index) Node(kind model.NodeKind, id string) (model.Node, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, ok := x.nodes[model.NodeKey{Kind: kind, ID: id}]
	if !ok {
		return model.Node{}, false
	}
	return *n, true
}

// IsActive reports whether a node exists and is active.
func (x *Index) IsActive(kind model.NodeKind, id string) bool {
	n, ok := x.Node(kind, id)
	return ok && n.Active()
}

// PropForEdge returns the prop an edge references.
func (x *Index) PropForEdge(edgeID string) (string, bool) {
	n, ok := x.Node(model.KindEdge, edgeID)
	if !ok || len(n.References) == 0 {
		return "", false
	}
	return n.References[0], true
}

// ActiveEdgesForProp returns the active edges referencing an active prop,
// sorted. A retired or unknown prop has none.
func (x *Index) ActiveEdgesForProp(propID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if p, ok := x.nodes[model.NodeKey{Kind: model.KindProp, ID: propID}]; !ok || !p.Active() {
		return nil
	}
	var out []string
	for id := range x.edgesByProp[propID] {
		if e, ok := x.nodes[model.NodeKey{Kind: model.KindEdge, ID: id}]; ok && e.Active() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Version returns the current table version.
func (x *Index) Version() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.version
}

// ChangeLog returns the newest n changes, oldest first. n <= 0 returns all
// retained changes.
func (x *Index) ChangeLog(n int) []Change {
	x.mu.Lock()
	defer x.mu.Unlock()
	if n <= 0 {
		return x.changes.Items()
	}
	return x.changes.Last(n)
}

// Snapshot captures the node table, sorted by kind and id.
func (x *Index) Snapshot() *model.GraphSnapshot {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshotLocked()
}

func (x *Index) snapshotLocked() *model.GraphSnapshot {
	snap := &model.GraphSnapshot{
		Version: x.version,
		TakenAt: x.now(),
		Nodes:   make([]model.Node, 0, len(x.nodes)),
	}
	for _, n := range x.nodes {
		c := *n
		c.References = append([]string(nil), n.References...)
		snap.Nodes = append(snap.Nodes, c)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool {
		if snap.Nodes[i].Kind != snap.Nodes[j].Kind {
			return snap.Nodes[i].Kind < snap.Nodes[j].Kind
		}
		return snap.Nodes[i].ID < snap.Nodes[j].ID
	})
	return snap
}

// Restore replaces the node table with snap. Open issues and the change log
// are cleared; the next sweep re-derives issues from the restored table.
func (x *Index) Restore(snap *model.GraphSnapshot) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nodes = make(map[model.NodeKey]*model.Node, len(snap.Nodes))
	x.edgesByProp = make(map[string]map[string]struct{})
	for _, n := range snap.Nodes {
		c := n
		c.References = append([]string(nil), n.References...)
		x.nodes[c.Key()] = &c
		if c.Kind == model.KindEdge {
			x.linkEdgeLocked(&c)
		}
	}
	x.version = snap.Version
	x.savedVersion = snap.Version
	x.changes.Reset()
	x.issues = make(map[string]*model.IntegrityIssue)
	x.openByNode = make(map[issueKey]string)
}

// SaveSnapshot writes the node table through the store and prunes old
// snapshots. Unchanged tables are not rewritten.
func (x *Index) SaveSnapshot(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	x.mu.Lock()
	if x.version == x.savedVersion {
		x.mu.Unlock()
		return nil
	}
	snap := x.snapshotLocked()
	x.mu.Unlock()

	if err := x.store.SaveSnapshot(ctx, snap); err != nil {
		return eris.Wrapf(err, "depindex: save snapshot %d", snap.Version)
	}
	pruned, err := x.store.PruneSnapshots(ctx, x.cfg.SnapshotRetain)
	if err != nil {
		zap.L().Warn("depindex: prune snapshots failed", zap.Error(err))
	}

	x.mu.Lock()
	if snap.Version > x.savedVersion {
		x.savedVersion = snap.Version
	}
	x.lastSnapshot = snap.TakenAt
	x.mu.Unlock()

	zap.L().Debug("depindex: snapshot saved",
		zap.Int64("version", snap.Version),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("pruned", pruned),
	)
	return nil
}

// Run drives periodic sweep+remediate and snapshot writes until ctx is
// cancelled. Failures are logged and retried on the next interval.
func (x *Index) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "depindex.worker"))
	sweep := time.NewTicker(x.cfg.SweepInterval)
	defer sweep.Stop()
	snap := time.NewTicker(x.cfg.SnapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := x.Sweep(ctx); err != nil {
				log.Warn("sweep failed", zap.Error(err))
				continue
			}
			if _, err := x.Remediate(ctx); err != nil {
				log.Warn("remediation failed", zap.Error(err))
			}
		case <-snap.C:
			if err := x.SaveSnapshot(ctx); err != nil {
				log.Warn("snapshot write failed, retrying next interval", zap.Error(err))
			}
		}
	}
}
