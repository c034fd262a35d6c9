// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"receipt-flow-go/internal/middleware"
	"receipt-flow-go/internal/pipeline"
	"receipt-flow-go/internal/service"
	"receipt-flow-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// BatchHandler 负责处理所有与收据批量上传相关的 API 请求。
type BatchHandler struct {
	batchService service.BatchService
}

// NewBatchHandler 创建一个新的 BatchHandler 实例。
func NewBatchHandler(batchService service.BatchService) *BatchHandler {
	return &BatchHandler{batchService: batchService}
}

// AddFiles 处理批量文件入队请求（multipart，字段名 files，可多个）。
func (h *BatchHandler) AddFiles(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未登录"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 multipart 请求"})
		return
	}
	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未提交任何文件"})
		return
	}

	// 客户端可以通过同名顺序的 itemIds 字段携带自己生成的条目 ID。
	clientIDs := form.Value["itemIds"]

	inputs := make([]pipeline.FileInput, 0, len(fileHeaders))
	for i, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "读取上传文件失败"})
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "读取上传文件失败"})
			return
		}
		input := pipeline.FileInput{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		}
		if i < len(clientIDs) {
			input.ID = clientIDs[i]
		}
		inputs = append(inputs, input)
	}

	items, err := h.batchService.AddFiles(userID, inputs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Start 开始处理当前用户的批次。
func (h *BatchHandler) Start(c *gin.Context) {
	h.simpleAction(c, h.batchService.Start)
}

// Pause 请求暂停批次。
func (h *BatchHandler) Pause(c *gin.Context) {
	h.simpleAction(c, h.batchService.Pause)
}

// Resume 恢复被暂停的批次。
func (h *BatchHandler) Resume(c *gin.Context) {
	h.simpleAction(c, h.batchService.Resume)
}

// Cancel 取消批次。
func (h *BatchHandler) Cancel(c *gin.Context) {
	h.simpleAction(c, h.batchService.Cancel)
}

// Clear 清空批次队列。
func (h *BatchHandler) Clear(c *gin.Context) {
	h.simpleAction(c, h.batchService.Clear)
}

// simpleAction 是无请求体批次操作的公共骨架。
func (h *BatchHandler) simpleAction(c *gin.Context, fn func(uint) error) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未登录"})
		return
	}
	if err := fn(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "success"})
}

// RetryItem 手动重试单个失败条目。
func (h *BatchHandler) RetryItem(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未登录"})
		return
	}
	itemID := c.Param("itemId")
	if err := h.batchService.RetryItem(userID, itemID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "success"})
}

// RetryFailed 批量手动重试所有失败条目。
func (h *BatchHandler) RetryFailed(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未登录"})
		return
	}
	n, err := h.batchService.RetryFailed(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": n})
}

// Summary 返回批次的聚合状态（总进度、各状态计数、条目列表）。
func (h *BatchHandler) Summary(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未登录"})
		return
	}
	summary, err := h.batchService.Summary(userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Events 把批次事件流桥接到 WebSocket 连接，供展示层实时消费。
func (h *BatchHandler) Events(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未登录"})
		return
	}

	events, cancel, err := h.batchService.Subscribe(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("批次事件流已建立, userID: %d", userID)

	// 读循环只用于感知客户端断开。
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnf("写入批次事件失败, userID: %d, error: %v", userID, err)
				return
			}
		}
	}
}
