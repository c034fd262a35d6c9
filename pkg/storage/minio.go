// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"receipt-flow-go/internal/config"
	"receipt-flow-go/pkg/log"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// MinioStorage 是批量上传流水线使用的对象存储实现。
type MinioStorage struct {
	cfg config.MinIOConfig
}

// NewMinioStorage 创建一个 MinioStorage 实例。调用前必须先 InitMinIO。
func NewMinioStorage(cfg config.MinIOConfig) *MinioStorage {
	return &MinioStorage{cfg: cfg}
}

// Upload 上传收据图片并返回可供外部抽取服务访问的预签名 URL。
func (s *MinioStorage) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := MinioClient.PutObject(ctx, s.cfg.BucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传对象到 MinIO 失败: %w", err)
	}

	assetURL, err := GetPresignedURL(s.cfg.BucketName, objectName, 24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("生成资源 URL 失败: %w", err)
	}
	return assetURL, nil
}

// GetPresignedURL 为指定对象生成预签名访问 URL。
func GetPresignedURL(bucketName, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := MinioClient.PresignedGetObject(context.Background(), bucketName, objectName, expiry, nil)
	if err != nil {
		log.Errorf("生成预签名 URL 失败: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
