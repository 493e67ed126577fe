package main

// Crash-recovery demo.
//
//	go run ./cmd/scene-forge backend --listen :50051 &
//	go run ./cmd/demo start localhost:50051    # Ctrl+C while scenes are generating
//	go run ./cmd/demo recover localhost:50051  # in-flight scenes rejoin without resubmitting
//
// Without a backend address the in-process simulated service is used; its tasks
// do not survive a restart, so `recover` reports them as lost.

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/cache"
	"github.com/ChuLiYu/scene-forge/internal/genservice"
	"github.com/ChuLiYu/scene-forge/internal/orchestrator"
	"github.com/ChuLiYu/scene-forge/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const dataDir = "./data/demo"

var scenes = map[types.Key]string{
	"h1": "car accident at an intersection",
	"h2": "flooded basement",
	"h3": "kitchen fire",
	"h4": "collapsed scaffolding",
	"h5": "hailstorm damage on a roof",
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [backend-addr]")
		os.Exit(1)
	}
	mode := os.Args[1]

	svc, closeBackend := connect(os.Args[2:])
	defer closeBackend()

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	cfg := orchestrator.DefaultConfig()
	cfg.WALPath = dataDir + "/journal.wal"
	cfg.SnapshotPath = dataDir + "/snapshot.json"
	cfg.SnapshotInterval = 5 * time.Second

	orch, err := orchestrator.New(cfg, svc, cache.New(svc, cache.DefaultConfig()), nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	fmt.Printf("✓ Orchestrator started (mode: %s)\n", mode)

	switch mode {
	case "start":
		if recovered := orch.InFlight(); len(recovered) > 0 {
			fmt.Printf("\n⚠️  Found %d generations from a previous run, use 'recover'\n", len(recovered))
			break
		}
		for key, description := range scenes {
			orch.Generate(key, description, nil)
		}
		fmt.Printf("✓ Submitted %d scenes\n", len(scenes))
		fmt.Printf("💡 Press Ctrl+C while they are generating, then run 'recover'\n\n")
		watch(ctx, orch)

	case "recover":
		recovered := orch.InFlight()
		fmt.Printf("\n📊 Rejoined %d generations without resubmitting:\n", len(recovered))
		var wg sync.WaitGroup
		for _, task := range recovered {
			fmt.Printf("  %s task=%s %s %d%%\n", task.Key, task.TaskID, task.Status, task.Progress)
			wg.Add(1)
			go func(key types.Key, taskID types.TaskID) {
				defer wg.Done()
				// 已在進行中時回傳既有 Future，不會重新提交
				_, err := orch.Rejoin(key, taskID, nil).Wait(ctx)
				switch {
				case ctx.Err() != nil:
				case err == nil:
					fmt.Printf("✅ %s ready\n", key)
				case errors.Is(err, genservice.ErrTaskNotFound):
					fmt.Printf("❌ %s lost: backend no longer knows the task\n", key)
				default:
					fmt.Printf("❌ %s failed: %v\n", key, err)
				}
			}(task.Key, task.TaskID)
		}
		watch(ctx, orch)
		wg.Wait()

	default:
		log.Fatalf("unknown mode %q", mode)
	}

	if ctx.Err() != nil {
		fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	}
	orch.Stop()
	fmt.Println("✓ Orchestrator stopped")
}

// watch 每秒印出狀態，直到沒有進行中任務或收到中斷
func watch(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for orch.IsAnyGenerating() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, task := range orch.InFlight() {
				fmt.Printf("  🔄 %s %-9s %3d%%\n", task.Key, task.Status, task.Progress)
			}
		}
	}
	stats := orch.Stats()
	fmt.Printf("\n📊 Cache: %v entries, %v bytes\n", stats["cache_entries"], stats["cache_memory_bytes"])
}

func connect(args []string) (genservice.Service, func()) {
	if len(args) == 0 {
		return genservice.NewSimulated(genservice.SimulatedConfig{}), func() {}
	}
	conn, err := grpc.NewClient(args[0], grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect to backend: %v", err)
	}
	fmt.Printf("✓ Using generation backend at %s\n", args[0])
	return genservice.NewGRPCClient(conn), func() { conn.Close() }
}
