package depindex

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/model"
	"github.com/itzcole03/recompute-core/internal/telemetry"
)

// ChurnConfig describes a synthetic churn run.
type ChurnConfig struct {
	Operations int
	Seed       uint64
	Grace      time.Duration
	MaxPasses  int
	// SweepEvery runs a sweep+remediate pass every N operations while
	// churning. Zero disables mid-churn sweeps.
	SweepEvery int
}

// ChurnReport is the outcome of RunChurn.
type ChurnReport struct {
	Operations  int    `json:"operations" yaml:"operations"`
	Props       int    `json:"props" yaml:"props"`
	Edges       int    `json:"edges" yaml:"edges"`
	Tickets     int    `json:"tickets" yaml:"tickets"`
	Retirements int    `json:"retirements" yaml:"retirements"`
	IssuesFound int64  `json:"issues_found" yaml:"issues_found"`
	Remediated  int64  `json:"remediated" yaml:"remediated"`
	AutoRetired int64  `json:"auto_retired" yaml:"auto_retired"`
	SelfHealed  int64  `json:"self_healed" yaml:"self_healed"`
	Unresolved  int    `json:"unresolved" yaml:"unresolved"`
	Passes      int    `json:"passes" yaml:"passes"`
	Converged   bool   `json:"converged" yaml:"converged"`
	Health      Health `json:"health" yaml:"health"`
}

type virtualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *virtualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *virtualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var churnNamespace = uuid.MustParse("6f1d3f0e-5b7c-4b0a-9c55-2d7e8a1b4c90")

func churnID(kind model.NodeKind, n int) string {
	return string(kind) + "-" + uuid.NewSHA1(churnNamespace, []byte(fmt.Sprintf("%s/%d", kind, n))).String()[:8]
}

// RunChurn applies random creates and retirements to an isolated in-memory
// index driven by a virtual clock, then advances the clock past the grace
// period and sweeps until no violations remain or MaxPasses is reached.
func RunChurn(ctx context.Context, cfg ChurnConfig) (*ChurnReport, error) {
	if cfg.Operations <= 0 {
		cfg.Operations = 1000
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 10
	}

	clock := &virtualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx := New(Config{Grace: cfg.Grace, ChangeLogCapacity: cfg.Operations + 1}, nil, telemetry.Nop())
	idx.publish = false
	idx.SetClock(clock.now)
	if err := idx.Open(ctx); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed*31+7))
	report := &ChurnReport{Operations: cfg.Operations}
	var props, edges, tickets []string
	pick := func(ids []string) string { return ids[rng.IntN(len(ids))] }

	for i := 0; i < cfg.Operations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "depindex: churn cancelled")
		}
		clock.advance(time.Duration(rng.IntN(50)) * time.Millisecond)

		var err error
		switch r := rng.IntN(100); {
		case r < 20 || len(props) == 0:
			id := churnID(model.KindProp, len(props))
			props = append(props, id)
			report.Props++
			err = idx.UpdateProp(id, model.StatusActive)
		case r < 45 || len(edges) == 0:
			prop := pick(props)
			if rng.IntN(100) < 15 {
				// Reference the next prop before it exists.
				prop = churnID(model.KindProp, len(props))
			}
			id := churnID(model.KindEdge, len(edges))
			edges = append(edges, id)
			report.Edges++
			err = idx.UpdateEdge(id, prop, model.StatusActive)
		case r < 65:
			refs := make([]string, 1+rng.IntN(3))
			for j := range refs {
				refs[j] = pick(edges)
			}
			if rng.IntN(100) < 10 {
				refs[0] = churnID(model.KindEdge, len(edges))
			}
			id := churnID(model.KindTicket, len(tickets))
			tickets = append(tickets, id)
			report.Tickets++
			err = idx.UpdateTicket(id, refs, model.StatusActive)
		case r < 75:
			report.Retirements++
			err = idx.UpdateProp(pick(props), model.StatusRetired)
		case r < 85:
			report.Retirements++
			n, _ := idx.Node(model.KindEdge, pick(edges))
			if len(n.References) > 0 {
				err = idx.UpdateEdge(n.ID, n.References[0], model.StatusRetired)
			}
		case r < 92 && len(tickets) > 0:
			report.Retirements++
			n, _ := idx.Node(model.KindTicket, pick(tickets))
			if len(n.References) > 0 {
				err = idx.UpdateTicket(n.ID, n.References, model.StatusRetired)
			}
		default:
			// Reactivation heals edges that pointed at this prop.
			err = idx.UpdateProp(pick(props), model.StatusActive)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "depindex: churn op %d", i)
		}

		if cfg.SweepEvery > 0 && (i+1)%cfg.SweepEvery == 0 {
			if _, err := idx.Sweep(ctx); err != nil {
				return nil, err
			}
			if _, err := idx.Remediate(ctx); err != nil {
				return nil, err
			}
		}
	}

	for report.Passes < cfg.MaxPasses {
		report.Passes++
		clock.advance(cfg.Grace + time.Second)
		sw, err := idx.Sweep(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := idx.Remediate(ctx); err != nil {
			return nil, err
		}
		h := idx.Health()
		if sw.NewIssues == 0 && sw.Pending == 0 && h.OpenTotal == 0 {
			report.Converged = true
			break
		}
	}

	h := idx.Health()
	report.Health = h
	report.IssuesFound = h.IssuesFound
	report.Remediated = h.Remediated
	report.AutoRetired = h.AutoRetired
	report.SelfHealed = h.SelfHealed
	report.Unresolved = h.OpenTotal

	zap.L().Info("depindex: churn complete",
		zap.Int("operations", report.Operations),
		zap.Int64("issues_found", report.IssuesFound),
		zap.Int64("remediated", report.Remediated),
		zap.Int("unresolved", report.Unresolved),
		zap.Int("passes", report.Passes),
		zap.Bool("converged", report.Converged),
	)
	return report, nil
}
