// Package pipeline 实现了收据批量上传的编排核心：
// 条目状态机、混合完成检测、超时重试与批次进度聚合。
package pipeline

import (
	"context"
	"time"

	"receipt-flow-go/internal/model"
)

// ItemStatus 表示单个上传条目的状态机状态。
type ItemStatus string

const (
	StatusQueued     ItemStatus = "queued"
	StatusUploading  ItemStatus = "uploading"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusCancelled  ItemStatus = "cancelled"
)

// Terminal 判断该状态是否为终态，终态条目不再发生自动转移。
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// BatchStatus 表示整个批次的状态。
type BatchStatus string

const (
	BatchIdle       BatchStatus = "idle"
	BatchReady      BatchStatus = "ready"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchCancelled  BatchStatus = "cancelled"
)

// FileInput 是前端提交给批次的单个文件。
// ID 由客户端生成并在条目整个生命周期内保持稳定；为空时由服务端生成。
type FileInput struct {
	ID          string
	FileName    string
	ContentType string
	Data        []byte
}

// UploadItem 表示一个在流水线中流转的上传条目。
// 条目只能通过 ItemStore 的方法修改，任何时刻至多有一个阶段在写它。
type UploadItem struct {
	ID          string     `json:"id"`
	FileName    string     `json:"fileName"`
	Size        int64      `json:"size"`
	ContentType string     `json:"contentType"`
	Data        []byte     `json:"-"`
	Status      ItemStatus `json:"status"`
	// Progress 为 0-100，单次尝试内单调不减；自动重试开始时重置为一个小的正值。
	Progress     int    `json:"progress"`
	CurrentStage string `json:"currentStage"`
	// ReceiptID 是 pending 收据记录创建成功后返回的关联 ID。
	// 一旦写入便不再改变，是完成检测所有查询的 join key。
	ReceiptID      string     `json:"receiptId"`
	RetryCount     int        `json:"retryCount"`
	ProcessingLogs []string   `json:"processingLogs"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// BlobStorage 定义了上传阶段使用的对象存储接口。
type BlobStorage interface {
	// Upload 上传对象并返回可供抽取服务访问的资源 URL。
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

// RecordStore 定义了完成检测依赖的收据记录存取接口。
type RecordStore interface {
	Insert(ctx context.Context, rec *model.Receipt) error
	Get(ctx context.Context, id string) (*model.Receipt, error)
	// Subscribe 订阅指定收据记录的状态变更通知。
	// 推送通道可能静默建立失败，调用方不能只依赖它。
	Subscribe(ctx context.Context, id string) (Subscription, error)
}

// Subscription 是一路收据状态变更的推送订阅。
type Subscription interface {
	// Changes 返回状态哨兵值流，订阅关闭后该通道会被关闭。
	Changes() <-chan string
	Close() error
}

// Invoker 触发外部 AI 抽取服务。
// 调用成功只表示任务已受理，抽取结果要通过收据记录的状态字段异步观察。
type Invoker interface {
	Invoke(ctx context.Context, receiptID, assetURL, modelID string) error
}
