package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"receipt-flow-go/internal/model"
	"receipt-flow-go/pkg/log"
)

// Uploader 实现上传阶段：把条目的字节推到对象存储，并创建 pending 收据记录。
// 阶段成功后条目持有关联 ID（receiptId）与资源 URL。
type Uploader struct {
	storage BlobStorage
	records RecordStore
	store   *ItemStore
}

// NewUploader 创建一个上传阶段实例。
func NewUploader(storage BlobStorage, records RecordStore, store *ItemStore) *Uploader {
	return &Uploader{storage: storage, records: records, store: store}
}

// Run 执行一个条目的上传阶段，返回关联 ID 与资源 URL。
// 上传或建档失败都立即返回错误，由调用方决定条目终态（参考行为不重试这类错误）。
func (u *Uploader) Run(ctx context.Context, itemID string, userID uint) (string, string, error) {
	item, ok := u.store.Get(itemID)
	if !ok {
		return "", "", fmt.Errorf("条目不存在: %s", itemID)
	}

	u.store.SetStage(itemID, StatusUploading, "正在上传图片")
	u.store.SetProgress(itemID, 10)
	u.store.AppendLog(itemID, fmt.Sprintf("开始上传文件 %s (%d 字节)", item.FileName, item.Size))
	log.Infof("[Uploader] 开始上传, itemID: %s, fileName: %s, size: %d", itemID, item.FileName, item.Size)

	objectName := fmt.Sprintf("receipts/%d/%s/%s", userID, itemID, item.FileName)
	assetURL, err := u.storage.Upload(ctx, objectName, item.Data, item.ContentType)
	if err != nil {
		log.Errorf("[Uploader] 上传到对象存储失败, itemID: %s, error: %v", itemID, err)
		return "", "", fmt.Errorf("上传图片失败: %w", err)
	}
	u.store.SetProgress(itemID, 30)
	u.store.AppendLog(itemID, "图片上传完成")

	// 重试会重新走一遍上传阶段：条目已持有关联 ID 时复用原记录，不再重复建档。
	if item.ReceiptID != "" {
		u.store.SetProgress(itemID, 40)
		log.Infof("[Uploader] 条目已有收据记录，复用, itemID: %s, receiptID: %s", itemID, item.ReceiptID)
		return item.ReceiptID, assetURL, nil
	}

	u.store.SetStage(itemID, StatusUploading, "正在创建收据记录")
	rec := &model.Receipt{
		ID:       uuid.NewString(),
		UserID:   userID,
		FileName: item.FileName,
		AssetURL: assetURL,
		Status:   model.ReceiptStatusProcessing,
	}
	if err := u.records.Insert(ctx, rec); err != nil {
		log.Errorf("[Uploader] 创建 pending 收据记录失败, itemID: %s, error: %v", itemID, err)
		return "", "", fmt.Errorf("创建收据记录失败: %w", err)
	}

	u.store.SetReceiptID(itemID, rec.ID)
	u.store.SetProgress(itemID, 40)
	u.store.AppendLog(itemID, fmt.Sprintf("收据记录已创建, receiptId: %s", rec.ID))
	log.Infof("[Uploader] 上传阶段完成, itemID: %s, receiptID: %s", itemID, rec.ID)
	return rec.ID, assetURL, nil
}
