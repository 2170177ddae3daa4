package sink

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotnet-insights/dni/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSink_GcCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsSink("metrics", reg)

	m.Publish(context.Background(), gcRecord(1))
	m.Publish(context.Background(), gcRecord(2))

	labels := []string{"42", "app", "1", "AllocSmall", "NonConcurrentGC"}
	assert.Equal(t, float64(2), testutil.ToFloat64(m.gcCollections.WithLabelValues(labels...)))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.gcPause.WithLabelValues(labels...)))
	assert.Equal(t, float64(4096), testutil.ToFloat64(m.heapSize.WithLabelValues("42", "app")))
	assert.Equal(t, float64(200), testutil.ToFloat64(m.generationSize.WithLabelValues("42", "app", "gen1")))
	assert.Equal(t, float64(400), testutil.ToFloat64(m.generationSize.WithLabelValues("42", "app", "loh")))
	assert.Equal(t, float64(128), testutil.ToFloat64(m.heapGenSizeAfter.WithLabelValues("42", "app", "0", "1")))

	expected := `
# HELP dni_gc_heap_size_bytes Total heap size after the latest garbage collection.
# TYPE dni_gc_heap_size_bytes gauge
dni_gc_heap_size_bytes{process="app",process_id="42"} 4096
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dni_gc_heap_size_bytes"))
}

func TestMetricsSink_AllocationsAndJit(t *testing.T) {
	m := newMetricsSink("metrics", nil)

	m.Publish(context.Background(), allocRecord(100))
	m.Publish(context.Background(), allocRecord(28))
	m.Publish(context.Background(), jitRecord(1))
	m.Publish(context.Background(), jitRecord(2))

	assert.Equal(t, float64(128), testutil.ToFloat64(m.allocBytes.WithLabelValues("42", "app", "0", "Small")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.jitMethods.WithLabelValues("42", "app", "QuickJitted")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.jitLoadDurationMs.WithLabelValues("42", "app", "QuickJitted")))
}

func TestMetricsSink_ReleaseDeletesProcessSeries(t *testing.T) {
	m := newMetricsSink("metrics", nil)

	other := core.ProcessMeta{Pid: 7, Name: "worker", StartTime: time.UnixMilli(5)}
	m.Publish(context.Background(), gcRecord(1))
	m.Publish(context.Background(), allocRecord(10))
	m.Publish(context.Background(), core.Record{Kind: core.KindGcCycle, Process: other, Data: &core.GcCycle{Id: 1}})

	m.Release(context.Background(), testProc)

	assert.Equal(t, 0, testutil.CollectAndCount(m.allocBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.gcCollections))
	assert.Equal(t, 1, testutil.CollectAndCount(m.heapSize))
}

func TestMetricsSink_ReleaseOfOldIncarnationKeepsNewSeries(t *testing.T) {
	m := newMetricsSink("metrics", nil)

	m.Publish(context.Background(), gcRecord(1))

	reused := testProc
	reused.StartTime = time.UnixMilli(9000)
	m.Publish(context.Background(), core.Record{Kind: core.KindGcCycle, Process: reused, Data: &core.GcCycle{Id: 1, TotalHeapSize: 1}})

	m.Release(context.Background(), testProc)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.heapSize.WithLabelValues("42", "app")))

	m.Release(context.Background(), reused)
	assert.Equal(t, 0, testutil.CollectAndCount(m.heapSize))
}

func TestMetricsSink_ConcurrentReleaseAndNewIncarnation(t *testing.T) {
	reused := testProc
	reused.StartTime = time.UnixMilli(9000)

	for i := 0; i < 200; i++ {
		m := newMetricsSink("metrics", nil)
		m.Publish(context.Background(), gcRecord(1))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Release(context.Background(), testProc)
		}()
		go func() {
			defer wg.Done()
			m.Publish(context.Background(), core.Record{Kind: core.KindGcCycle, Process: reused, Data: &core.GcCycle{Id: 1, TotalHeapSize: 1}})
		}()
		wg.Wait()

		// whichever ran first, the new incarnation keeps its series
		require.Equal(t, 1, testutil.CollectAndCount(m.heapSize), "iteration %d", i)
	}
}
