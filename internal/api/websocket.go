// internal/api/websocket.go
package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/SceneBreakdown/internal/services"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient 表示一个订阅任务进度的连接
type WebSocketClient struct {
	conn      *websocket.Conn
	taskID    string
	closed    int32 // 原子操作标志，0=开启，1=关闭
	createdAt time.Time
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		_ = client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// WebSocketManager 管理所有任务进度连接
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{} // taskID -> clients
	mutex       sync.RWMutex
	progress    *services.ProgressService
	logger      *utils.Logger
	handlers    sync.WaitGroup
}

// NewWebSocketManager 创建连接管理器
func NewWebSocketManager(progress *services.ProgressService, logger *utils.Logger) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		progress:    progress,
		logger:      logger,
	}
}

func (manager *WebSocketManager) register(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.taskID] == nil {
		manager.connections[client.taskID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.taskID][client] = struct{}{}
}

func (manager *WebSocketManager) unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if clients, exists := manager.connections[client.taskID]; exists {
		delete(clients, client)
		if len(clients) == 0 {
			delete(manager.connections, client.taskID)
		}
	}
	client.Close()
}

// TaskWebSocket 推送任务进度直到任务结束或客户端断开
func (manager *WebSocketManager) TaskWebSocket(c *gin.Context) {
	taskID := c.Param("id")
	tracker, ok := manager.progress.GetTracker(taskID)
	if !ok {
		NewResponseHelper().NotFound(c, "task")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		manager.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}

	client := &WebSocketClient{conn: conn, taskID: taskID, createdAt: time.Now()}
	manager.register(client)
	manager.handlers.Add(1)
	defer manager.handlers.Done()
	defer manager.unregister(client)

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	// 读协程只处理 pong 与关闭帧
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		client.Close()
		<-readDone
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(update); err != nil {
				return
			}
			if update.Status == services.StatusCompleted || update.Status == services.StatusFailed {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, update.Status),
					time.Now().Add(wsWriteWait))
				// 等待客户端回应关闭帧
				select {
				case <-readDone:
				case <-time.After(time.Second):
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	tasks := make(map[string]int, len(manager.connections))
	total := 0
	for taskID, clients := range manager.connections {
		active := 0
		for client := range clients {
			if !client.IsClosed() {
				active++
			}
		}
		tasks[taskID] = active
		total += active
	}
	return map[string]interface{}{
		"total_tasks":       len(manager.connections),
		"total_connections": total,
		"tasks":             tasks,
	}
}

// Shutdown 关闭所有连接并等待处理协程退出
func (manager *WebSocketManager) Shutdown() {
	manager.mutex.Lock()
	for _, clients := range manager.connections {
		for client := range clients {
			client.Close()
		}
	}
	manager.mutex.Unlock()
	manager.handlers.Wait()
}
