// ============================================================================
// Scene-Forge HTTP API - 顯示端介面
// ============================================================================
//
// Package: internal/api
// 功能: 以 gin 暴露生成、快取查詢、取消與進度串流（SSE）
//
// 路由:
//   POST   /api/v1/scenes/:key/generate     開始或加入生成（?wait=true 等待結果）
//   GET    /api/v1/scenes/:key              已快取的模型
//   GET    /api/v1/scenes/:key/progress     進度與最近錯誤
//   GET    /api/v1/scenes/:key/events       SSE 進度串流
//   DELETE /api/v1/scenes/:key/generation   本地取消
//   GET    /api/v1/generations              所有進行中任務
//   GET    /api/v1/current                  目前模型
//   POST   /api/v1/memory-pressure          清空模型快取
//   GET    /api/v1/stats                    系統狀態
//   GET    /metrics                         Prometheus
//
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/genservice"
	"github.com/ChuLiYu/scene-forge/internal/jobmanager"
	"github.com/ChuLiYu/scene-forge/internal/metrics"
	"github.com/ChuLiYu/scene-forge/internal/orchestrator"
	"github.com/ChuLiYu/scene-forge/internal/poller"
	"github.com/ChuLiYu/scene-forge/pkg/types"
	"github.com/gin-gonic/gin"
)

var log = slog.Default()

// Scenes API 需要的協調器操作
type Scenes interface {
	Generate(key types.Key, description string, onProgress jobmanager.ProgressFunc) *jobmanager.Future
	GetCached(key types.Key) (types.CacheEntry, bool)
	Task(key types.Key) (types.GenerationTask, bool)
	GetProgress(key types.Key) int
	IsGenerating(key types.Key) bool
	LastError(key types.Key) error
	Cancel(key types.Key) bool
	InFlight() []types.GenerationTask
	CurrentModel() (types.CurrentModel, bool)
	OnMemoryPressure() int
	Stats() map[string]interface{}
}

// generateRequest POST /scenes/:key/generate 的請求內容
type generateRequest struct {
	Description string `json:"description" binding:"required"`
}

// Server HTTP API 伺服器
type Server struct {
	scenes Scenes
	hub    *Hub

	mu         sync.Mutex
	watching   map[types.Key]*jobmanager.Future // 已轉發到 hub 的 Future
	httpServer *http.Server
}

// NewServer 建立 API 伺服器；hub 需由呼叫者啟動 Run
func NewServer(scenes Scenes, hub *Hub) *Server {
	return &Server{
		scenes:   scenes,
		hub:      hub,
		watching: make(map[types.Key]*jobmanager.Future),
	}
}

// Router 建立 gin 路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/scenes/:key/generate", s.handleGenerate)
		v1.GET("/scenes/:key", s.handleGetScene)
		v1.GET("/scenes/:key/progress", s.handleProgress)
		v1.GET("/scenes/:key/events", s.handleEvents)
		v1.DELETE("/scenes/:key/generation", s.handleCancel)
		v1.GET("/generations", s.handleInFlight)
		v1.GET("/current", s.handleCurrent)
		v1.POST("/memory-pressure", s.handleMemoryPressure)
		v1.GET("/stats", s.handleStats)
	}
	return r
}

// Start 在 addr 上開始服務，直到 Shutdown
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	log.Info("HTTP API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown 優雅關閉 HTTP 伺服器與 hub
func (s *Server) Shutdown(ctx context.Context) error {
	// 先關 hub，SSE handler 才會返回，否則 Shutdown 會等到客戶端斷線
	s.hub.Close()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleGenerate(c *gin.Context) {
	key := types.Key(c.Param("key"))

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	fut := s.scenes.Generate(key, req.Description, nil)
	if fut.Settled() {
		// 立即被拒（空描述、已停止）或已完成
		s.writeResult(c, fut)
		return
	}
	s.watch(key, fut)

	if c.Query("wait") == "true" {
		if _, err := fut.Wait(c.Request.Context()); err != nil && c.Request.Context().Err() != nil {
			return
		}
		s.writeResult(c, fut)
		return
	}

	resp := gin.H{"key": key, "generating": true}
	if task, ok := s.scenes.Task(key); ok {
		resp["task"] = task
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) writeResult(c *gin.Context, fut *jobmanager.Future) {
	res, err := fut.Result()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"key": fut.Key(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetScene(c *gin.Context) {
	key := types.Key(c.Param("key"))
	entry, ok := s.scenes.GetCached(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "scene not cached", "key": key})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleProgress(c *gin.Context) {
	key := types.Key(c.Param("key"))
	resp := gin.H{
		"key":        key,
		"progress":   s.scenes.GetProgress(key),
		"generating": s.scenes.IsGenerating(key),
	}
	if task, ok := s.scenes.Task(key); ok {
		resp["status"] = task.Status
		resp["task_id"] = task.TaskID
	}
	if err := s.scenes.LastError(key); err != nil {
		resp["last_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c *gin.Context) {
	key := types.Key(c.Param("key"))
	if !s.scenes.Cancel(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no generation in flight", "key": key})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "cancelled": true})
}

func (s *Server) handleInFlight(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"generations": s.scenes.InFlight()})
}

func (s *Server) handleCurrent(c *gin.Context) {
	current, ok := s.scenes.CurrentModel()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no current model"})
		return
	}
	c.JSON(http.StatusOK, current)
}

func (s *Server) handleMemoryPressure(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"evicted": s.scenes.OnMemoryPressure()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.scenes.Stats())
}

// handleEvents 以 SSE 推送 key 的進度與結果
func (s *Server) handleEvents(c *gin.Context) {
	topic := c.Param("key")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	msgCh := make(chan []byte, 16)
	if !s.hub.Subscribe(msgCh, topic) {
		c.String(http.StatusServiceUnavailable, "event hub closed")
		return
	}
	defer s.hub.Unsubscribe(msgCh, topic)

	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	notify := c.Request.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-s.hub.done:
			return
		case msg := <-msgCh:
			c.Writer.Write(msg)
			flusher.Flush()
		}
	}
}

// ============================================================================
// 事件轉發
// ============================================================================

// watch 將 fut 的進度與結果轉發到 hub；同一個 Future 只掛一次
func (s *Server) watch(key types.Key, fut *jobmanager.Future) {
	s.mu.Lock()
	if s.watching[key] == fut {
		s.mu.Unlock()
		return
	}
	s.watching[key] = fut
	s.mu.Unlock()

	fut.Subscribe(func(task types.GenerationTask) {
		s.publish(key, "progress", task)
	})

	go func() {
		<-fut.Done()
		if res, err := fut.Result(); err != nil {
			s.publish(key, "failed", gin.H{"key": key, "error": err.Error()})
		} else {
			s.publish(key, "succeeded", res)
		}

		s.mu.Lock()
		if s.watching[key] == fut {
			delete(s.watching, key)
		}
		s.mu.Unlock()
	}()
}

func (s *Server) publish(key types.Key, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode event", "key", key, "event", event, "error", err)
		return
	}
	s.hub.PublishTopic(string(key), []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)))
}

// statusFor 錯誤對應的 HTTP 狀態碼
func statusFor(err error) int {
	var subErr *orchestrator.SubmissionError
	var genErr *poller.GenerationFailure
	switch {
	case errors.Is(err, genservice.ErrEmptyDescription):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, poller.ErrPollingTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &genErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &subErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
