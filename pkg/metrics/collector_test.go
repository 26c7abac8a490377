package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/almsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeBacklog struct {
	reqs   int
	issues int
	err    error
}

func (f *fakeBacklog) ListUnlinkedRequirements(ctx context.Context, limit int) ([]*types.Requirement, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]*types.Requirement, f.reqs), nil
}

func (f *fakeBacklog) ListUnlinkedIssues(ctx context.Context, limit int) ([]*types.Issue, error) {
	return make([]*types.Issue, f.issues), nil
}

func TestCollectorSamplesBacklog(t *testing.T) {
	ResetHealth()
	c := NewCollector(&fakeBacklog{reqs: 3, issues: 1}, 0)
	c.collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(UnlinkedEntities.WithLabelValues("Requirement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(UnlinkedEntities.WithLabelValues("Issue")))
	assert.Equal(t, StatusHealthy, GetHealth().Components["warehouse"])
}

func TestCollectorMarksWarehouseUnhealthy(t *testing.T) {
	ResetHealth()
	c := NewCollector(&fakeBacklog{err: errors.New("disk full")}, 0)
	c.collect()

	assert.Equal(t, StatusUnhealthy, GetHealth().Status)
}
