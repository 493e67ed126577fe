// ============================================================================
// Scene-Forge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based entry points for the orchestrator, the simulated backend and tooling
//
// Command Structure:
//   scene-forge                    # Root command
//   ├── run                        # Orchestrator + HTTP API + metrics
//   │   └── --addr                # HTTP listen address (overrides config)
//   ├── backend                    # Simulated generation service over gRPC
//   │   └── --listen              # gRPC listen address
//   ├── generate <key> <desc...>   # One-shot generation, waits for the result
//   ├── status                     # Config, WAL and snapshot state
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file; durations use Go syntax (1.5s, 2m).
//   - generation: poll interval/timeout, retry budget
//   - cache:      LRU capacity and memory threshold
//   - backend:    simulated (in-process) or grpc (remote `backend` command)
//   - wal / snapshot: crash recovery files
//   - http / metrics: listeners
//
// run Command:
//   1. Load config
//   2. Connect backend, recover in-flight tasks from snapshot + WAL
//   3. Start HTTP API (and metrics listener if enabled)
//   4. Wait for SIGINT/SIGTERM
//   5. Shut down HTTP, stop orchestrator (final snapshot)
//
//   Examples:
//     ./scene-forge run
//     ./scene-forge backend --listen :50051 &
//     ./scene-forge run -c configs/grpc.yaml
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/api"
	"github.com/ChuLiYu/scene-forge/internal/cache"
	"github.com/ChuLiYu/scene-forge/internal/genservice"
	"github.com/ChuLiYu/scene-forge/internal/metrics"
	"github.com/ChuLiYu/scene-forge/internal/orchestrator"
	"github.com/ChuLiYu/scene-forge/internal/poller"
	"github.com/ChuLiYu/scene-forge/internal/retry"
	"github.com/ChuLiYu/scene-forge/internal/snapshot"
	"github.com/ChuLiYu/scene-forge/internal/storage/wal"
	"github.com/ChuLiYu/scene-forge/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"
)

const (
	BackendSimulated = "simulated"
	BackendGRPC      = "grpc"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Generation struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		PollTimeout  time.Duration `yaml:"poll_timeout"`
		Retries      int           `yaml:"retries"`
		RetryDelay   time.Duration `yaml:"retry_delay"`
	} `yaml:"generation"`

	Cache cache.Config `yaml:"cache"`

	Backend struct {
		Mode      string                     `yaml:"mode"`    // simulated | grpc
		Address   string                     `yaml:"address"` // grpc mode
		Simulated genservice.SimulatedConfig `yaml:"simulated"`
	} `yaml:"backend"`

	WAL struct {
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"wal"`

	Snapshot struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"snapshot"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scene-forge",
		Short: "Scene-Forge: deduplicated 3D scene generation with an LRU model cache",
		Long: `Scene-Forge drives text-to-3D generation tasks against a remote service:
- one in-flight generation per scene key
- resilient submit/poll with bounded retries
- LRU model cache with a memory threshold
- WAL + snapshot recovery of in-flight tasks`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildBackendCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Scene-Forge orchestrator and HTTP API",
		Long:  "Recover in-flight generations, then serve the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return runSystem(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	return cmd
}

func runSystem(cfg *Config) error {
	log.Printf("Starting Scene-Forge with config: %s\n", configFile)
	log.Printf("Backend: %s, Poll: every %s for up to %s\n",
		cfg.Backend.Mode, cfg.Generation.PollInterval, cfg.Generation.PollTimeout)

	svc, closeBackend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	if err := prepareDataDirs(cfg); err != nil {
		return err
	}

	collector := metrics.NewCollector(nil)
	orch, err := orchestrator.New(cfg.orchestratorConfig(true), svc, cache.New(svc, cfg.cacheConfig()), collector)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		orch.Stop()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	hub := api.NewHub()
	go hub.Run()
	server := api.NewServer(orch, hub)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.HTTP.Addr)
	}()

	log.Println("System started successfully")

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, stopping gracefully...")
	case err := <-serveErr:
		if err != nil {
			log.Printf("HTTP server stopped: %v\n", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v\n", err)
	}
	orch.Stop()

	log.Println("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// backend
// ============================================================================

func buildBackendCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the simulated generation service over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			return serveBackend(cmd.Context(), lis, genservice.NewSimulated(cfg.Backend.Simulated))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":50051", "gRPC listen address")
	return cmd
}

// serveBackend 在 lis 上提供 svc，直到 ctx 結束或收到中斷訊號
func serveBackend(ctx context.Context, lis net.Listener, svc genservice.Service) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcServer := grpc.NewServer()
	genservice.RegisterGRPCServer(grpcServer, svc)

	go func() {
		<-ctx.Done()
		log.Println("Stopping generation backend...")
		grpcServer.GracefulStop()
	}()

	log.Printf("Generation backend listening on %s\n", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

// ============================================================================
// generate
// ============================================================================

func buildGenerateCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "generate <key> <description...>",
		Short: "Generate one scene and print the result",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			svc, closeBackend, err := newBackend(cfg)
			if err != nil {
				return err
			}
			defer closeBackend()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			key := types.Key(args[0])
			description := strings.Join(args[1:], " ")
			return generateOnce(ctx, cfg, svc, key, description, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline")
	return cmd
}

// generateOnce 不持久化地執行一次生成，結果以 JSON 寫到 out
func generateOnce(ctx context.Context, cfg *Config, svc genservice.Service, key types.Key, description string, out io.Writer) error {
	orch, err := orchestrator.New(cfg.orchestratorConfig(false), svc, cache.New(svc, cfg.cacheConfig()), nil)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Stop()

	lastProgress := -1
	fut := orch.Generate(key, description, func(task types.GenerationTask) {
		if task.Progress != lastProgress {
			lastProgress = task.Progress
			log.Printf("[%s] %s %d%%\n", key, task.Status, task.Progress)
		}
	})

	res, err := fut.Wait(ctx)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration and the in-flight generations recorded in the WAL and snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Scene-Forge System Status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Backend:         %s %s\n", cfg.Backend.Mode, cfg.Backend.Address)
	fmt.Fprintf(w, "  ├─ Poll:            every %s, timeout %s\n", cfg.Generation.PollInterval, cfg.Generation.PollTimeout)
	fmt.Fprintf(w, "  └─ Cache:           %d entries, %.1f MB\n",
		cfg.Cache.MaxEntries, float64(cfg.Cache.MemoryThreshold)/(1024*1024))
	fmt.Fprintln(w)

	// 快照中的任務為基底，WAL 中較新的事件覆蓋
	open := make(map[types.Key]wal.Event)

	fmt.Fprintln(w, "💾 Storage:")
	if cfg.Snapshot.Path != "" {
		data, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
		if err != nil {
			fmt.Fprintf(w, "  ├─ Snapshot:  %s (⚠️  %v)\n", cfg.Snapshot.Path, err)
		} else {
			fmt.Fprintf(w, "  ├─ Snapshot:  %s (%d tasks)\n", cfg.Snapshot.Path, len(data.Tasks))
			for key, task := range data.Tasks {
				if task == nil {
					continue
				}
				open[key] = wal.Event{Type: wal.EventSubmitted, Key: key, TaskID: task.TaskID, Description: task.Description}
			}
		}
	}
	if cfg.WAL.Path != "" {
		stats, err := wal.GetWALStats(cfg.WAL.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(w, "  └─ WAL:       %s (empty)\n", cfg.WAL.Path)
		case err != nil:
			fmt.Fprintf(w, "  └─ WAL:       %s (⚠️  %v)\n", cfg.WAL.Path, err)
		default:
			fmt.Fprintf(w, "  └─ WAL:       %s (%d events, last seq %d, corrupted %d)\n",
				cfg.WAL.Path, stats.TotalEvents, stats.LastSeq, stats.CorruptedCount)
			tasks, err := wal.OpenTasks(cfg.WAL.Path)
			if err != nil && !errors.Is(err, wal.ErrCorruptedWAL) && !errors.Is(err, wal.ErrChecksumMismatch) {
				return fmt.Errorf("failed to read WAL: %w", err)
			}
			for key, ev := range tasks {
				open[key] = ev
			}
		}
	}
	fmt.Fprintln(w)

	keys := make([]string, 0, len(open))
	for key := range open {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "🔄 In-flight generations: %d\n", len(keys))
	for _, key := range keys {
		ev := open[types.Key(key)]
		fmt.Fprintf(w, "  └─ %-12s task=%s %q\n", key, ev.TaskID, ev.Description)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Endpoints:")
	fmt.Fprintf(w, "  ├─ HTTP API: %s\n", cfg.HTTP.Addr)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Metrics: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Metrics: ⚠️  Disabled (still served at /metrics on the HTTP API)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// 配置
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 補上未設定的欄位
func (cfg *Config) applyDefaults() {
	def := poller.DefaultConfig()
	if cfg.Generation.PollInterval <= 0 {
		cfg.Generation.PollInterval = def.Interval
	}
	if cfg.Generation.PollTimeout <= 0 {
		cfg.Generation.PollTimeout = def.Timeout
	}
	if cfg.Generation.Retries <= 0 {
		cfg.Generation.Retries = retry.DefaultRetries
	}
	if cfg.Generation.RetryDelay <= 0 {
		cfg.Generation.RetryDelay = retry.DefaultDelay
	}
	if cfg.Backend.Mode == "" {
		cfg.Backend.Mode = BackendSimulated
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
}

func (cfg *Config) retryPolicy() retry.Policy {
	return retry.Policy{Retries: cfg.Generation.Retries, Delay: cfg.Generation.RetryDelay}
}

// orchestratorConfig persist 為 false 時不開啟 WAL 與快照
func (cfg *Config) orchestratorConfig(persist bool) orchestrator.Config {
	oc := orchestrator.Config{
		Poll: poller.Config{
			Interval: cfg.Generation.PollInterval,
			Timeout:  cfg.Generation.PollTimeout,
			Retry:    cfg.retryPolicy(),
		},
		SubmitRetry: cfg.retryPolicy(),
	}
	if persist {
		oc.WALPath = cfg.WAL.Path
		oc.SyncOnAppend = cfg.WAL.SyncOnAppend
		oc.SnapshotPath = cfg.Snapshot.Path
		oc.SnapshotInterval = time.Duration(cfg.Snapshot.IntervalSeconds) * time.Second
	}
	return oc
}

// cacheConfig 零值欄位由 cache.New 套用預設值
func (cfg *Config) cacheConfig() cache.Config {
	cc := cfg.Cache
	cc.Retry = cfg.retryPolicy()
	return cc
}

// prepareDataDirs 建立 WAL 與快照所在目錄
func prepareDataDirs(cfg *Config) error {
	for _, path := range []string{cfg.WAL.Path, cfg.Snapshot.Path} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create data dir for %s: %w", path, err)
		}
	}
	return nil
}

// newBackend 依配置建立生成服務；回傳的 close 函數釋放連線
func newBackend(cfg *Config) (genservice.Service, func(), error) {
	switch cfg.Backend.Mode {
	case BackendSimulated:
		return genservice.NewSimulated(cfg.Backend.Simulated), func() {}, nil
	case BackendGRPC:
		if cfg.Backend.Address == "" {
			return nil, nil, fmt.Errorf("backend.address is required in grpc mode")
		}
		conn, err := grpc.NewClient(cfg.Backend.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to backend: %w", err)
		}
		log.Printf("Using generation backend at %s\n", cfg.Backend.Address)
		return genservice.NewGRPCClient(conn), func() { conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}
