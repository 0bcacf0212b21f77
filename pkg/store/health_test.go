package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/drejom/rbiocverse/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAt(cluster string, cpu float64, at time.Time) model.ClusterHealth {
	return model.ClusterHealth{Cluster: cluster, CPUPercent: cpu, CollectedAt: at}
}

func TestHealthTracker_CurrentAndHistory(t *testing.T) {
	tr := NewHealthTracker(10)
	base := time.Now()

	tr.Record(sampleAt("gemini", 10, base))
	tr.Record(sampleAt("gemini", 20, base.Add(30*time.Second)))
	tr.Record(sampleAt("gemini", 30, base.Add(time.Minute)))

	report, ok := tr.Report("gemini")
	require.True(t, ok)
	assert.Equal(t, 30.0, report.Current.CPUPercent)
	require.Len(t, report.History, 2)
	assert.Equal(t, 10.0, report.History[0].CPUPercent, "history is oldest first")
	assert.Equal(t, 20.0, report.History[1].CPUPercent)
}

func TestHealthTracker_HistoryBounded(t *testing.T) {
	tr := NewHealthTracker(3)
	base := time.Now()

	for i := 0; i < 10; i++ {
		tr.Record(sampleAt("gemini", float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	report, ok := tr.Report("gemini")
	require.True(t, ok)
	assert.Equal(t, 9.0, report.Current.CPUPercent)
	require.Len(t, report.History, 3)
	assert.Equal(t, 6.0, report.History[0].CPUPercent, "oldest samples are evicted")
	assert.Equal(t, 8.0, report.History[2].CPUPercent)
}

func TestHealthTracker_UnknownCluster(t *testing.T) {
	tr := NewHealthTracker(3)
	_, ok := tr.Report("nowhere")
	assert.False(t, ok)
}

func TestHealthTracker_ReportsSortedByName(t *testing.T) {
	tr := NewHealthTracker(3)
	now := time.Now()
	for _, name := range []string{"zeta", "apollo", "gemini"} {
		tr.Record(sampleAt(name, 1, now))
	}

	reports := tr.Reports()
	require.Len(t, reports, 3)
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.Current.Cluster
	}
	assert.Equal(t, []string{"apollo", "gemini", "zeta"}, names)
}

func TestHealthTracker_ClustersIsolated(t *testing.T) {
	tr := NewHealthTracker(2)
	base := time.Now()

	for i := 0; i < 5; i++ {
		tr.Record(sampleAt("gemini", float64(i), base))
		tr.Record(sampleAt(fmt.Sprintf("apollo-%d", i), 50, base))
	}

	report, ok := tr.Report("gemini")
	require.True(t, ok)
	assert.Len(t, report.History, 2)
}
