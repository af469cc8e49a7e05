// internal/api/handlers.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/SceneBreakdown/internal/llm"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/services"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

const maxBatchSize = 50

// Handler 处理API请求
type Handler struct {
	Breakdowns *services.BreakdownService // 拆解服务
	LLM        *services.LLMService       // 生成服务链
	Metrics    *utils.MetricsCollector    // 指标
	WebSocket  *WebSocketManager          // WebSocket 管理器
	Response   *ResponseHelper            // 响应助手
	logger     *utils.Logger
	startedAt  time.Time
}

// NewHandler 创建处理器
func NewHandler(breakdowns *services.BreakdownService, llmService *services.LLMService, metrics *utils.MetricsCollector, logger *utils.Logger) *Handler {
	return &Handler{
		Breakdowns: breakdowns,
		LLM:        llmService,
		Metrics:    metrics,
		WebSocket:  NewWebSocketManager(breakdowns.Progress(), logger),
		Response:   NewResponseHelper(),
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// BatchRequest 批量拆解请求
type BatchRequest struct {
	Requests    []services.GenerateRequest `json:"requests"`
	Concurrency int                        `json:"concurrency,omitempty"`
}

// BatchItem 批量结果中的单项
type BatchItem struct {
	Index      int                         `json:"index"`
	UnitID     string                      `json:"unit_id,omitempty"`
	Collection *models.BreakdownCollection `json:"collection,omitempty"`
	Error      *APIError                   `json:"error,omitempty"`
}

func (h *Handler) bindGenerateRequest(c *gin.Context) (services.GenerateRequest, bool) {
	var req services.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorScriptInvalid, "invalid request body", err.Error())
		return req, false
	}
	if req.Script == nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorScriptInvalid, "script is required")
		return req, false
	}
	return req, true
}

// CreateBreakdown 同步运行拆解并返回结果
func (h *Handler) CreateBreakdown(c *gin.Context) {
	req, ok := h.bindGenerateRequest(c)
	if !ok {
		return
	}

	col, err := h.Breakdowns.Generate(c.Request.Context(), req)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Created(c, col)
}

// CreateBreakdownAsync 后台运行拆解，返回任务ID
func (h *Handler) CreateBreakdownAsync(c *gin.Context) {
	req, ok := h.bindGenerateRequest(c)
	if !ok {
		return
	}

	task, err := h.Breakdowns.StartAsync(req)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}

	c.Header("Location", "/api/tasks/"+task.TaskID)
	h.Response.Accepted(c, gin.H{
		"task_id":    task.TaskID,
		"unit_id":    task.UnitID,
		"status_url": "/api/tasks/" + task.TaskID,
		"events_url": "/api/tasks/" + task.TaskID + "/events",
		"ws_url":     "/ws/tasks/" + task.TaskID,
	}, "breakdown queued")
}

// CreateBreakdownBatch 批量拆解，单项失败不影响其他项
func (h *Handler) CreateBreakdownBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if len(req.Requests) == 0 {
		h.Response.Error(c, http.StatusBadRequest, ErrorBatchEmpty, "batch contains no requests")
		return
	}
	if len(req.Requests) > maxBatchSize {
		h.Response.BadRequest(c, fmt.Sprintf("batch exceeds %d requests", maxBatchSize))
		return
	}

	results := h.Breakdowns.GenerateBatch(c.Request.Context(), req.Requests, req.Concurrency)

	items := make([]BatchItem, len(results))
	failed := 0
	for i, r := range results {
		items[i] = BatchItem{Index: r.Index, UnitID: r.UnitID, Collection: r.Collection}
		if r.Err != nil {
			failed++
			_, code := statusForError(r.Err)
			items[i].Error = &APIError{Code: code, Message: sanitizeErrorMessage(r.Err.Error())}
		}
	}

	h.Response.Success(c, gin.H{
		"items":     items,
		"succeeded": len(items) - failed,
		"failed":    failed,
	})
}

// ListBreakdowns 列出已保存的拆解摘要
func (h *Handler) ListBreakdowns(c *gin.Context) {
	list, err := h.Breakdowns.List(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, list)
}

// GetBreakdown 获取单个拆解结果
func (h *Handler) GetBreakdown(c *gin.Context) {
	col, err := h.Breakdowns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusForError(err)
		if status == http.StatusNotFound {
			h.Response.NotFound(c, "breakdown", err.Error())
			return
		}
		h.Response.Error(c, status, code, err.Error())
		return
	}
	h.Response.Success(c, col)
}

// DeleteBreakdown 删除已保存的拆解结果
func (h *Handler) DeleteBreakdown(c *gin.Context) {
	if err := h.Breakdowns.Delete(c.Request.Context(), c.Param("id")); err != nil {
		status, code := statusForError(err)
		if status == http.StatusNotFound {
			h.Response.NotFound(c, "breakdown", err.Error())
			return
		}
		h.Response.Error(c, status, code, err.Error())
		return
	}
	h.Response.Success(c, gin.H{"unit_id": c.Param("id"), "deleted": true})
}

// GetTask 查询异步任务状态
func (h *Handler) GetTask(c *gin.Context) {
	snap, err := h.Breakdowns.Task(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "task")
		return
	}
	h.Response.Success(c, snap)
}

// SubscribeProgress 以 SSE 推送任务进度
func (h *Handler) SubscribeProgress(c *gin.Context) {
	tracker, exists := h.Breakdowns.Progress().GetTracker(c.Param("id"))
	if !exists {
		h.Response.NotFound(c, "task")
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()

	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	// 心跳
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updateChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", data)
			c.Writer.Flush()

			if update.Status == services.StatusCompleted || update.Status == services.StatusFailed {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// GetProviders 返回已注册的生成服务与当前调用链
func (h *Handler) GetProviders(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"registered": llm.ListProviders(),
		"chain":      h.LLM.ProviderNames(),
		"ready":      h.LLM.IsReady(),
		"status":     h.LLM.GetReadyState(),
	})
}

// GetProviderModels 获取指定提供商支持的模型列表
func (h *Handler) GetProviderModels(c *gin.Context) {
	provider := c.Param("name")
	if !slices.Contains(llm.ListProviders(), provider) {
		h.Response.BadRequest(c, "unsupported provider: "+provider)
		return
	}

	modelList := llm.GetSupportedModelsForProvider(provider)
	h.Response.Success(c, gin.H{
		"provider": provider,
		"models":   modelList,
		"count":    len(modelList),
	})
}

// GetMetrics 返回运行指标
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"metrics":   h.Metrics.GetMetrics(),
		"websocket": h.WebSocket.GetStatus(),
	})
}

// Health 健康检查。生成服务未就绪时返回 503
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"llm_ready":      h.LLM.IsReady(),
		"llm_status":     h.LLM.GetReadyState(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if !h.LLM.IsReady() {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
