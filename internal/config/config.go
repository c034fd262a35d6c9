// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Batch      BatchConfig      `mapstructure:"batch"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ExtractionConfig 存储外部 AI 抽取服务的配置。
// Mode 为 "kafka" 时通过消息队列触发抽取任务，为 "http" 时直接调用抽取函数接口。
type ExtractionConfig struct {
	Mode        string `mapstructure:"mode"`
	FunctionURL string `mapstructure:"function_url"`
	APIKey      string `mapstructure:"api_key"`
	ModelID     string `mapstructure:"model_id"`
}

// BatchConfig 存储批量上传编排核心的调优参数。
// 零值字段会在 pipeline 侧回落到参考默认值。
type BatchConfig struct {
	MaxConcurrent            int             `mapstructure:"max_concurrent"`
	InterItemDelay           time.Duration   `mapstructure:"inter_item_delay"`
	PollInterval             time.Duration   `mapstructure:"poll_interval"`
	PollMaxAttempts          int             `mapstructure:"poll_max_attempts"`
	PollMaxConsecutiveErrors int             `mapstructure:"poll_max_consecutive_errors"`
	ImmediateCheckDelay      time.Duration   `mapstructure:"immediate_check_delay"`
	QuickCheckDelays         []time.Duration `mapstructure:"quick_check_delays"`
	ProgressTick             time.Duration   `mapstructure:"progress_tick"`
	ProgressRamp             time.Duration   `mapstructure:"progress_ramp"`
	StuckGracePeriod         time.Duration   `mapstructure:"stuck_grace_period"`
	HardDeadline             time.Duration   `mapstructure:"hard_deadline"`
	AttemptTimeout           time.Duration   `mapstructure:"attempt_timeout"`
	MaxAutoRetries           int             `mapstructure:"max_auto_retries"`
	RetryBaseDelay           time.Duration   `mapstructure:"retry_base_delay"`
	RetryResetProgress       int             `mapstructure:"retry_reset_progress"`
	AggregateInterval        time.Duration   `mapstructure:"aggregate_interval"`
	AllowedExtensions        []string        `mapstructure:"allowed_extensions"`
	MaxFileSize              int64           `mapstructure:"max_file_size"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
