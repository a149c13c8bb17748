package depindex

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/bus"
	"github.com/itzcole03/recompute-core/internal/metrics"
	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// SweepResult summarises one integrity sweep.
type SweepResult struct {
	NewIssues int `json:"new_issues"`
	Pending   int `json:"pending"`
	Open      int `json:"open"`
}

// RemediationResult summarises one remediation pass.
type RemediationResult struct {
	AutoRetired int `json:"auto_retired"`
	SelfHealed  int `json:"self_healed"`
	Deferred    int `json:"deferred"`
}

type violation struct {
	typ     model.IssueType
	node    string
	missing []string
	retired []string
	onset   time.Time
}

// evaluate checks n against table. It returns false for nodes that cannot
// violate: props, retired nodes and nodes with intact references.
func evaluate(n *model.Node, table map[model.NodeKey]*model.Node) (violation, bool) {
	refKind, ok := model.RefKind(n.Kind)
	if !ok || !n.Active() {
		return violation{}, false
	}
	v := violation{node: n.ID, onset: n.LastModified, typ: model.IssueDanglingEdge}
	if n.Kind == model.KindTicket {
		v.typ = model.IssueOrphanedTicket
	}
	for _, id := range n.References {
		ref, ok := table[model.NodeKey{Kind: refKind, ID: id}]
		switch {
		case !ok:
			v.missing = append(v.missing, id)
		case !ref.Active():
			v.retired = append(v.retired, id)
			if ref.LastModified.After(v.onset) {
				v.onset = ref.LastModified
			}
		}
	}
	if len(v.missing) == 0 && len(v.retired) == 0 {
		return violation{}, false
	}
	return v, true
}

// Sweep detects dangling edges and orphaned tickets. The node table is
// copied under the lock and evaluated without it. A violation becomes an
// open issue only once it has persisted for the grace period.
func (x *Index) Sweep(ctx context.Context) (SweepResult, error) {
	x.mu.Lock()
	if !x.open {
		x.mu.Unlock()
		return SweepResult{}, ErrNotOpen
	}
	table := make(map[model.NodeKey]*model.Node, len(x.nodes))
	for k, n := range x.nodes {
		c := *n
		table[k] = &c
	}
	x.mu.Unlock()

	now := x.now()
	var (
		due     []violation
		pending int
	)
	for _, n := range table {
		v, ok := evaluate(n, table)
		if !ok {
			continue
		}
		if now.Sub(v.onset) >= x.cfg.Grace {
			due = append(due, v)
		} else {
			pending++
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].node < due[j].node })

	x.mu.Lock()
	var created []model.IntegrityIssue
	for _, v := range due {
		key := issueKey{typ: v.typ, node: v.node}
		if id, ok := x.openByNode[key]; ok {
			iss := x.issues[id]
			iss.MissingRefs, iss.RetiredRefs = v.missing, v.retired
			continue
		}
		iss := &model.IntegrityIssue{
			ID:             uuid.NewString(),
			Type:           v.typ,
			NodeID:         v.node,
			MissingRefs:    v.missing,
			RetiredRefs:    v.retired,
			ViolationSince: v.onset,
			DetectedAt:     now,
		}
		x.issues[iss.ID] = iss
		x.openByNode[key] = iss.ID
		x.found++
		created = append(created, *iss)
	}
	x.pending = pending
	x.lastSweep = now
	res := SweepResult{NewIssues: len(created), Pending: pending, Open: len(x.issues)}
	x.mu.Unlock()

	for _, iss := range created {
		zap.L().Warn("depindex: integrity issue detected",
			zap.String("issue_id", iss.ID),
			zap.String("issue_type", string(iss.Type)),
			zap.String("node_id", iss.NodeID),
			zap.Strings("missing_refs", iss.MissingRefs),
			zap.Strings("retired_refs", iss.RetiredRefs),
		)
		x.sink.Record(telemetry.Record{
			Category: telemetry.CategoryIntegrity,
			Action:   "issue_detected",
			Subject:  iss.NodeID,
			Result:   string(iss.Type),
			Fields:   map[string]any{"issue_id": iss.ID},
		})
		if x.bus != nil {
			x.bus.Emit(ctx, bus.EventIntegrityIssue, iss)
		}
	}
	x.publishHealth()
	return res, nil
}

// Remediate resolves open issues against the live table. A node still
// violating past its grace period is retired; a node whose references
// healed, or which was retired meanwhile, is closed as self-healed.
func (x *Index) Remediate(ctx context.Context) (RemediationResult, error) {
	now := x.now()
	var res RemediationResult
	var records []model.RemediationRecord

	x.mu.Lock()
	if !x.open {
		x.mu.Unlock()
		return res, ErrNotOpen
	}
	ids := make([]string, 0, len(x.issues))
	for id := range x.issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		iss := x.issues[id]
		n, ok := x.nodes[model.NodeKey{Kind: iss.NodeKind(), ID: iss.NodeID}]

		action := model.ActionSelfHealed
		if ok {
			if v, violating := evaluate(n, x.nodes); violating {
				if now.Sub(v.onset) < x.cfg.Grace {
					res.Deferred++
					continue
				}
				action = model.ActionAutoRetire
			}
		}

		if action == model.ActionAutoRetire {
			x.setLocked(n.Kind, n.ID, nil, model.StatusRetired, now)
			x.autoRetired++
			res.AutoRetired++
		} else {
			x.selfHealed++
			res.SelfHealed++
		}
		x.remediated++
		iss.RemediationAction = action
		iss.ResolvedAt = now
		delete(x.issues, id)
		delete(x.openByNode, issueKey{typ: iss.Type, node: iss.NodeID})

		rec := model.RemediationRecord{
			ID:      uuid.NewString(),
			IssueID: iss.ID,
			Type:    iss.Type,
			NodeID:  iss.NodeID,
			Action:  action,
			At:      now,
		}
		x.remediations.Push(rec)
		records = append(records, rec)
	}
	x.mu.Unlock()

	for _, rec := range records {
		zap.L().Info("depindex: issue remediated",
			zap.String("issue_id", rec.IssueID),
			zap.String("node_id", rec.NodeID),
			zap.String("action", rec.Action),
		)
		x.sink.Record(telemetry.Record{
			Category: telemetry.CategoryIntegrity,
			Action:   "remediation",
			Subject:  rec.NodeID,
			Result:   rec.Action,
			Fields: map[string]any{
				"issue_id":       rec.IssueID,
				"issue_type":     string(rec.Type),
				"remediation_id": rec.ID,
			},
		})
		if x.bus != nil {
			x.bus.Emit(ctx, bus.EventIntegrityRemediated, rec)
		}
	}
	x.publishHealth()
	return res, nil
}

// OpenIssues returns unresolved issues ordered by detection time.
func (x *Index) OpenIssues() []model.IntegrityIssue {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]model.IntegrityIssue, 0, len(x.issues))
	for _, iss := range x.issues {
		out = append(out, *iss)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Remediations returns the retained remediation records, oldest first.
func (x *Index) Remediations() []model.RemediationRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.remediations.Items()
}

// KindCounts are node counts for one layer.
type KindCounts struct {
	Total   int `json:"total" yaml:"total"`
	Active  int `json:"active" yaml:"active"`
	Retired int `json:"retired" yaml:"retired"`
}

// Health is the index's integrity report.
type Health struct {
	Total        int                           `json:"total_nodes" yaml:"total_nodes"`
	Active       int                           `json:"active_nodes" yaml:"active_nodes"`
	Retired      int                           `json:"retired_nodes" yaml:"retired_nodes"`
	ByKind       map[model.NodeKind]KindCounts `json:"by_kind" yaml:"by_kind"`
	OpenIssues   map[model.IssueType]int       `json:"open_issues" yaml:"open_issues"`
	OpenTotal    int                           `json:"open_total" yaml:"open_total"`
	Pending      int                           `json:"pending" yaml:"pending"`
	IssuesFound  int64                         `json:"issues_found" yaml:"issues_found"`
	Remediated   int64                         `json:"remediated" yaml:"remediated"`
	AutoRetired  int64                         `json:"auto_retired" yaml:"auto_retired"`
	SelfHealed   int64                         `json:"self_healed" yaml:"self_healed"`
	Score        float64                       `json:"health_score" yaml:"health_score"`
	Version      int64                         `json:"version" yaml:"version"`
	LastSweep    time.Time                     `json:"last_sweep" yaml:"last_sweep"`
	LastSnapshot time.Time                     `json:"last_snapshot" yaml:"last_snapshot"`
}

// Health reports node counts, issue counts and a 0–1 score: one minus the
// share of active nodes with an open issue.
func (x *Index) Health() Health {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.healthLocked()
}

func (x *Index) healthLocked() Health {
	h := Health{
		ByKind: map[model.NodeKind]KindCounts{
			model.KindProp:   {},
			model.KindEdge:   {},
			model.KindTicket: {},
		},
		OpenIssues: map[model.IssueType]int{
			model.IssueDanglingEdge:   0,
			model.IssueOrphanedTicket: 0,
		},
		Pending:      x.pending,
		IssuesFound:  x.found,
		Remediated:   x.remediated,
		AutoRetired:  x.autoRetired,
		SelfHealed:   x.selfHealed,
		Version:      x.version,
		LastSweep:    x.lastSweep,
		LastSnapshot: x.lastSnapshot,
	}
	for _, n := range x.nodes {
		kc := h.ByKind[n.Kind]
		kc.Total++
		h.Total++
		if n.Active() {
			kc.Active++
			h.Active++
		} else {
			kc.Retired++
			h.Retired++
		}
		h.ByKind[n.Kind] = kc
	}
	for _, iss := range x.issues {
		h.OpenIssues[iss.Type]++
		h.OpenTotal++
	}
	h.Score = score(h.OpenTotal, h.Active)
	return h
}

func score(open, active int) float64 {
	if active < 1 {
		active = 1
	}
	s := 1 - float64(open)/float64(active)
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

func (x *Index) publishHealth() {
	if !x.publish {
		return
	}
	metrics.SetHealthScore(x.Health().Score)
}
