// Package main 是本地联调用的抽取服务模拟器。
// 它扮演生产环境中外部 AI 抽取服务的角色：消费 Kafka 上的抽取任务，
// 等待一段时间后把收据记录写成终态（同时发布 Redis 状态变更通知），
// 让编排核心的完成检测有信号可观察。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"receipt-flow-go/internal/config"
	"receipt-flow-go/internal/model"
	"receipt-flow-go/internal/repository"
	"receipt-flow-go/pkg/database"
	"receipt-flow-go/pkg/kafka"
	"receipt-flow-go/pkg/log"
	"receipt-flow-go/pkg/tasks"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	delay := flag.Duration("delay", 5*time.Second, "模拟抽取耗时")
	failRate := flag.Float64("fail-rate", 0, "模拟失败比例 (0-1)")
	flag.Parse()

	config.Init(*configPath)
	cfg := config.Conf

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	receiptRepo := repository.NewReceiptRepository(database.DB, database.RDB)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("接收到停机信号，正在关闭模拟器...")
		cancel()
	}()

	sim := &simulator{repo: receiptRepo, delay: *delay, failRate: *failRate}
	log.Infof("抽取模拟器启动, delay: %s, failRate: %.2f", *delay, *failRate)
	kafka.StartConsumer(ctx, cfg.Kafka, "receipt-flow-extractsim", sim)
}

// simulator 实现 kafka.TaskProcessor。
type simulator struct {
	repo     repository.ReceiptRepository
	delay    time.Duration
	failRate float64
}

// Process 模拟一次抽取：等待设定耗时后写回终态。
func (s *simulator) Process(ctx context.Context, task tasks.ExtractionTask) error {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if rand.Float64() < s.failRate {
		log.Infof("模拟抽取失败, receiptID: %s", task.ReceiptID)
		return s.repo.UpdateStatus(ctx, task.ReceiptID, model.ReceiptStatusFailedAI, "")
	}

	result, _ := json.Marshal(map[string]interface{}{
		"merchant": "模拟商户",
		"amount":   rand.Intn(10000),
		"model_id": task.ModelID,
	})
	log.Infof("模拟抽取完成, receiptID: %s", task.ReceiptID)
	return s.repo.UpdateStatus(ctx, task.ReceiptID, model.ReceiptStatusComplete, string(result))
}
