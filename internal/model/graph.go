package model

import (
	"time"
)

// NodeKind is the layer a dependency node belongs to.
type NodeKind string

const (
	KindProp   NodeKind = "prop"
	KindEdge   NodeKind = "edge"
	KindTicket NodeKind = "ticket"
)

// NodeStatus is the lifecycle status of a node. Retirement is a tombstone;
// nodes are never hard-deleted.
type NodeStatus string

const (
	StatusActive  NodeStatus = "active"
	StatusRetired NodeStatus = "retired"
)

// Valid reports whether s is a known status.
func (s NodeStatus) Valid() bool {
	return s == StatusActive || s == StatusRetired
}

// NodeKey identifies a node within its layer.
type NodeKey struct {
	Kind NodeKind `json:"kind"`
	ID   string   `json:"id"`
}

// Node is one entry of the dependency graph. References point one layer
// down: edges reference props, tickets reference edges.
type Node struct {
	ID           string     `json:"id"`
	Kind         NodeKind   `json:"kind"`
	Status       NodeStatus `json:"status"`
	References   []string   `json:"references,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastModified time.Time  `json:"last_modified"`
}

// Key returns the node's key.
func (n Node) Key() NodeKey { return NodeKey{Kind: n.Kind, ID: n.ID} }

// Active reports whether the node is active.
func (n Node) Active() bool { return n.Status == StatusActive }

// RefKind returns the kind of the nodes this kind references.
func RefKind(k NodeKind) (NodeKind, bool) {
	switch k {
	case KindEdge:
		return KindProp, true
	case KindTicket:
		return KindEdge, true
	default:
		return "", false
	}
}

// GraphSnapshot is the persisted form of the node table.
type GraphSnapshot struct {
	Version int64     `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Nodes   []Node    `json:"nodes"`
}

// Counts summarises a snapshot by status.
func (s *GraphSnapshot) Counts() (total, active, retired int) {
	for _, n := range s.Nodes {
		total++
		if n.Active() {
			active++
		} else {
			retired++
		}
	}
	return total, active, retired
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	Version   int64     `json:"version"`
	TakenAt   time.Time `json:"taken_at"`
	NodeCount int       `json:"node_count"`
}

// IssueType is the class of an integrity violation.
type IssueType string

const (
	// IssueDanglingEdge is an active edge referencing a retired or missing prop.
	IssueDanglingEdge IssueType = "dangling_edge"
	// IssueOrphanedTicket is an active ticket referencing a retired or missing edge.
	IssueOrphanedTicket IssueType = "orphaned_ticket"
)

// Remediation actions.
const (
	ActionAutoRetire = "auto_retire"
	ActionSelfHealed = "self_healed"
)

// IntegrityIssue is a violation detected by a sweep. It stays open until the
// remediation pass resolves it.
type IntegrityIssue struct {
	ID                string    `json:"id"`
	Type              IssueType `json:"issue_type"`
	NodeID            string    `json:"affected_node_id"`
	MissingRefs       []string  `json:"missing_refs,omitempty"`
	RetiredRefs       []string  `json:"retired_refs,omitempty"`
	ViolationSince    time.Time `json:"violation_since"`
	DetectedAt        time.Time `json:"detected_at"`
	RemediationAction string    `json:"remediation_action,omitempty"`
	ResolvedAt        time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the issue is unresolved.
func (i IntegrityIssue) Open() bool { return i.ResolvedAt.IsZero() }

// NodeKind returns the kind of the affected node.
func (i IntegrityIssue) NodeKind() NodeKind {
	if i.Type == IssueOrphanedTicket {
		return KindTicket
	}
	return KindEdge
}

// RemediationRecord is written once per remediation action.
type RemediationRecord struct {
	ID      string    `json:"id"`
	IssueID string    `json:"issue_id"`
	Type    IssueType `json:"issue_type"`
	NodeID  string    `json:"node_id"`
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
}
