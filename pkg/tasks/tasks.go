// Package tasks defines the payloads exchanged with the extraction transport.
package tasks

// ExtractionTask 是通过 Kafka 下发给外部 AI 抽取服务的任务载荷。
// ReceiptID 是后续所有状态查询的关联 ID。
type ExtractionTask struct {
	ReceiptID string `json:"receipt_id"`
	AssetURL  string `json:"asset_url"`
	ModelID   string `json:"model_id"`
	FileName  string `json:"file_name"`
	UserID    uint   `json:"user_id"`
}
