// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"receipt-flow-go/internal/model"
	"receipt-flow-go/internal/pipeline"
	"receipt-flow-go/pkg/log"
)

// ReceiptRepository 是收据记录的持久化接口。
// 它同时实现了 pipeline.RecordStore：完成检测通过 Get 轮询状态、
// 通过 Subscribe 订阅状态变更推送。
// UpdateStatus 是外部抽取服务（或本地模拟器）回写终态的入口，
// 它在更新数据库的同时向 Redis 频道发布变更通知。
type ReceiptRepository interface {
	pipeline.RecordStore
	UpdateStatus(ctx context.Context, id, status, rawResult string) error
}

// receiptRepository 是 ReceiptRepository 的 GORM+Redis 实现。
type receiptRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewReceiptRepository 创建一个新的 ReceiptRepository 实例。
func NewReceiptRepository(db *gorm.DB, redisClient *redis.Client) ReceiptRepository {
	return &receiptRepository{db: db, redisClient: redisClient}
}

// statusChannel 是单条收据状态变更通知的 Redis 频道名。
func statusChannel(receiptID string) string {
	return "receipt:status:" + receiptID
}

// Insert 创建一条 pending 收据记录。
func (r *receiptRepository) Insert(ctx context.Context, rec *model.Receipt) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// Get 按关联 ID 查询收据记录。
func (r *receiptRepository) Get(ctx context.Context, id string) (*model.Receipt, error) {
	var rec model.Receipt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateStatus 更新收据状态并发布变更通知。
// 数据库已更新但通知发布失败时只记日志不报错：订阅方还有轮询兜底。
func (r *receiptRepository) UpdateStatus(ctx context.Context, id, status, rawResult string) error {
	updates := map[string]interface{}{"status": status}
	if rawResult != "" {
		updates["raw_result"] = rawResult
	}
	if err := r.db.WithContext(ctx).Model(&model.Receipt{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新收据状态失败: %w", err)
	}
	if err := r.redisClient.Publish(ctx, statusChannel(id), status).Err(); err != nil {
		log.Warnf("[ReceiptRepository] 发布状态变更通知失败, receiptID: %s, error: %v", id, err)
	}
	return nil
}

// Subscribe 订阅指定收据的状态变更推送。
func (r *receiptRepository) Subscribe(ctx context.Context, id string) (pipeline.Subscription, error) {
	ps := r.redisClient.Subscribe(ctx, statusChannel(id))
	// Receive 确认订阅已建立；失败即返回错误，调用方退回轮询。
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("建立状态订阅失败: %w", err)
	}

	sub := &redisSubscription{ps: ps, changes: make(chan string, 8)}
	go sub.forward(ctx)
	return sub, nil
}

// redisSubscription 把 Redis pub/sub 消息转成状态哨兵值流。
type redisSubscription struct {
	ps      *redis.PubSub
	changes chan string
}

func (s *redisSubscription) forward(ctx context.Context) {
	defer close(s.changes)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.changes <- msg.Payload:
			default:
				// 消费方已经不在读（通常是检测已收束），丢弃即可。
			}
		}
	}
}

func (s *redisSubscription) Changes() <-chan string {
	return s.changes
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
