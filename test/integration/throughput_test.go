package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/genservice"
	"github.com/ChuLiYu/scene-forge/internal/jobmanager"
	"github.com/ChuLiYu/scene-forge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// BenchmarkThroughput 每次迭代生成 100 個不同場景（經過 gRPC）
func BenchmarkThroughput(b *testing.B) {
	_, svc := startBackend(b, genservice.SimulatedConfig{
		QueueDelay:  time.Millisecond,
		RunDuration: 5 * time.Millisecond,
	})
	cfg := testConfig(b.TempDir())
	cfg.Poll.Interval = time.Millisecond
	cfg.WALPath, cfg.SnapshotPath = "", ""

	o := newOrchestrator(b, cfg, svc, prometheus.NewRegistry())
	defer o.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		futures := make([]*jobmanager.Future, 100)
		for j := range futures {
			futures[j] = o.Generate(types.Key(fmt.Sprintf("b%d-%d", i, j)), "benchmark scene", nil)
		}
		for _, fut := range futures {
			_, err := fut.Wait(context.Background())
			require.NoError(b, err)
		}
	}
	b.StopTimer()
}

// BenchmarkDeduplicatedCallers 1000 個呼叫者同時請求同一個場景
func BenchmarkDeduplicatedCallers(b *testing.B) {
	sim, svc := startBackend(b, genservice.SimulatedConfig{
		QueueDelay:  time.Millisecond,
		RunDuration: 5 * time.Millisecond,
	})
	cfg := testConfig(b.TempDir())
	cfg.Poll.Interval = time.Millisecond
	cfg.WALPath, cfg.SnapshotPath = "", ""

	o := newOrchestrator(b, cfg, svc, prometheus.NewRegistry())
	defer o.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := types.Key(fmt.Sprintf("d%d", i))
		var wg sync.WaitGroup
		for j := 0; j < 1000; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := o.Generate(key, "shared scene", nil).Wait(context.Background()); err != nil {
					b.Error(err)
				}
			}()
		}
		wg.Wait()
	}
	b.StopTimer()

	b.ReportMetric(float64(sim.Submits())/float64(b.N), "submits/op")
}
