// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 收据记录的处理状态哨兵值。
// 外部抽取服务只通过这个字段向编排核心回报结果，
// 不同版本的抽取函数会写入不同的失败哨兵，这里全部兼容。
const (
	ReceiptStatusProcessing = "processing"
	ReceiptStatusComplete   = "complete"
	ReceiptStatusCompleted  = "completed"
	ReceiptStatusFailed     = "failed"
	ReceiptStatusFailedAI   = "failed_ai"
	ReceiptStatusFailedOCR  = "failed_ocr"
)

// IsCompleteStatus 判断状态哨兵是否表示抽取成功。
func IsCompleteStatus(status string) bool {
	return status == ReceiptStatusComplete || status == ReceiptStatusCompleted
}

// IsFailedStatus 判断状态哨兵是否表示抽取失败。
func IsFailedStatus(status string) bool {
	switch status {
	case ReceiptStatusFailed, ReceiptStatusFailedAI, ReceiptStatusFailedOCR:
		return true
	}
	return false
}

// IsTerminalStatus 判断状态哨兵是否已到达终态（成功或失败）。
func IsTerminalStatus(status string) bool {
	return IsCompleteStatus(status) || IsFailedStatus(status)
}

// Receipt 定义了 receipt 表的 ORM 模型。
// 它是上传阶段创建的 pending 记录，ID 即批量上传条目的关联 ID（receiptId）。
// 抽取出的具体字段（金额、币种、分类等）由抽取服务写入，编排核心只读写这里声明的列。
type Receipt struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"userId"`
	FileName  string    `gorm:"type:varchar(255);not null" json:"fileName"`
	AssetURL  string    `gorm:"type:varchar(1024);not null" json:"assetUrl"`
	Status    string    `gorm:"type:varchar(20);not null;default:processing;index" json:"status"`
	ModelID   string    `gorm:"type:varchar(64)" json:"modelId"`
	RawResult string    `gorm:"type:text" json:"rawResult"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Receipt) TableName() string {
	return "receipt"
}
