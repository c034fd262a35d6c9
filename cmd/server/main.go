// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"receipt-flow-go/internal/config"
	"receipt-flow-go/internal/handler"
	"receipt-flow-go/internal/middleware"
	"receipt-flow-go/internal/model"
	"receipt-flow-go/internal/pipeline"
	"receipt-flow-go/internal/repository"
	"receipt-flow-go/internal/service"
	"receipt-flow-go/pkg/database"
	"receipt-flow-go/pkg/extract"
	"receipt-flow-go/pkg/kafka"
	"receipt-flow-go/pkg/log"
	"receipt-flow-go/pkg/storage"
	"receipt-flow-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	if err := database.DB.AutoMigrate(&model.Receipt{}); err != nil {
		log.Fatal("收据表迁移失败", err)
	}

	// 4. 初始化 Repository 与抽取触发器
	receiptRepo := repository.NewReceiptRepository(database.DB, database.RDB)

	var invoker pipeline.Invoker
	if cfg.Extraction.Mode == "http" {
		invoker = extract.NewClient(cfg.Extraction)
		log.Info("抽取触发器: HTTP 函数调用")
	} else {
		kafka.InitProducer(cfg.Kafka)
		invoker = kafka.NewInvoker()
		log.Info("抽取触发器: Kafka 消息队列")
	}

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret)
	minioStorage := storage.NewMinioStorage(cfg.MinIO)
	batchService := service.NewBatchService(minioStorage, receiptRepo, invoker, cfg.Extraction.ModelID, pipelineConfig(cfg.Batch))

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		batch := apiV1.Group("/batch")
		batch.Use(middleware.AuthMiddleware(jwtManager))
		{
			batchHandler := handler.NewBatchHandler(batchService)
			batch.POST("/files", batchHandler.AddFiles)
			batch.POST("/start", batchHandler.Start)
			batch.POST("/pause", batchHandler.Pause)
			batch.POST("/resume", batchHandler.Resume)
			batch.POST("/cancel", batchHandler.Cancel)
			batch.POST("/retry-failed", batchHandler.RetryFailed)
			batch.POST("/items/:itemId/retry", batchHandler.RetryItem)
			batch.GET("/status", batchHandler.Summary)
			batch.GET("/events", batchHandler.Events)
			batch.DELETE("", batchHandler.Clear)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// pipelineConfig 把 yaml 里的批处理调优参数映射为编排核心配置，
// 未配置的字段由核心回落到参考默认值。
func pipelineConfig(b config.BatchConfig) pipeline.Config {
	return pipeline.Config{
		MaxConcurrent:            b.MaxConcurrent,
		InterItemDelay:           b.InterItemDelay,
		PollInterval:             b.PollInterval,
		PollMaxAttempts:          b.PollMaxAttempts,
		PollMaxConsecutiveErrors: b.PollMaxConsecutiveErrors,
		ImmediateCheckDelay:      b.ImmediateCheckDelay,
		QuickCheckDelays:         b.QuickCheckDelays,
		ProgressTick:             b.ProgressTick,
		ProgressRamp:             b.ProgressRamp,
		StuckGracePeriod:         b.StuckGracePeriod,
		HardDeadline:             b.HardDeadline,
		AttemptTimeout:           b.AttemptTimeout,
		MaxAutoRetries:           b.MaxAutoRetries,
		RetryBaseDelay:           b.RetryBaseDelay,
		RetryResetProgress:       b.RetryResetProgress,
		AggregateInterval:        b.AggregateInterval,
		AllowedExtensions:        b.AllowedExtensions,
		MaxFileSize:              b.MaxFileSize,
	}
}
