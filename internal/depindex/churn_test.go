package depindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChurn_Converges(t *testing.T) {
	report, err := RunChurn(context.Background(), ChurnConfig{Operations: 2000, Seed: 42})
	require.NoError(t, err)

	assert.True(t, report.Converged)
	assert.Zero(t, report.Unresolved)
	assert.Greater(t, report.IssuesFound, int64(0))
	assert.Equal(t, report.IssuesFound, report.Remediated)
	assert.Equal(t, report.Remediated, report.AutoRetired+report.SelfHealed)
	assert.Equal(t, 1.0, report.Health.Score)
	assert.Equal(t, 2000, report.Operations)
}

func TestRunChurn_MidChurnSweeps(t *testing.T) {
	report, err := RunChurn(context.Background(), ChurnConfig{
		Operations: 1500,
		Seed:       7,
		Grace:      500 * time.Millisecond,
		SweepEvery: 100,
	})
	require.NoError(t, err)
	assert.True(t, report.Converged)
	assert.Zero(t, report.Unresolved)
	assert.Equal(t, report.IssuesFound, report.Remediated)
}

func TestRunChurn_Deterministic(t *testing.T) {
	a, err := RunChurn(context.Background(), ChurnConfig{Operations: 500, Seed: 99})
	require.NoError(t, err)
	b, err := RunChurn(context.Background(), ChurnConfig{Operations: 500, Seed: 99})
	require.NoError(t, err)
	assert.Equal(t, a.IssuesFound, b.IssuesFound)
	assert.Equal(t, a.Health.Total, b.Health.Total)
}

func TestRunChurn_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunChurn(ctx, ChurnConfig{Operations: 10})
	require.Error(t, err)
}
