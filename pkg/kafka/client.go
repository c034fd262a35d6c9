// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"receipt-flow-go/internal/config"
	"receipt-flow-go/pkg/log"
	"receipt-flow-go/pkg/tasks"
)

// TaskProcessor defines the interface for any service that can process an extraction task.
// This decouples the Kafka consumer from the concrete extraction implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ExtractionTask) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceExtractionTask 发送一个抽取任务到 Kafka。
func ProduceExtractionTask(ctx context.Context, task tasks.ExtractionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ReceiptID),
		Value: taskBytes,
	})
}

// Invoker 是基于 Kafka 的抽取服务触发器，实现 pipeline.Invoker：
// 消息写入成功即视为触发受理，抽取结果由收据记录的状态字段异步回报。
type Invoker struct{}

// NewInvoker 创建一个 Kafka 触发器。调用前必须先 InitProducer。
func NewInvoker() *Invoker {
	return &Invoker{}
}

// Invoke 把抽取任务投递到消息队列。
func (i *Invoker) Invoke(ctx context.Context, receiptID, assetURL, modelID string) error {
	return ProduceExtractionTask(ctx, tasks.ExtractionTask{
		ReceiptID: receiptID,
		AssetURL:  assetURL,
		ModelID:   modelID,
	})
}

// StartConsumer 启动一个 Kafka 消费者来处理抽取任务。
// 生产环境中消费方是外部抽取服务；本仓库的 extractsim 用它做本地联调。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, groupID string, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		var task tasks.ExtractionTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理抽取任务: receiptID=%s", task.ReceiptID)
		if err := processor.Process(ctx, task); err != nil {
			log.Errorf("处理抽取任务失败: receiptID=%s, error: %v", task.ReceiptID, err)
			// 处理失败也提交 offset：编排核心有自己的超时重试机制，
			// 在消费侧反复重放同一条任务只会造成重复触发。
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}
