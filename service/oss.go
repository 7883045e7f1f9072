package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"StoryFlow-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectUploader 资产镜像上传接口。对象存储是可选能力：
// 不配置时资产只留本地盘，引用里就没有外链。
type ObjectUploader interface {
	UploadFile(localPath, objectName string) (string, error)
}

// OSS 基于 MinIO 的 ObjectUploader 实现
type OSS struct {
	client *minio.Client
	bucket string
	domain string
}

// NewOSS 初始化连接，在 main.go 中调用
func NewOSS() *OSS {
	cfg := config.AppConfig.MinIO
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	log.Println("MinIO 连接成功")
	return &OSS{client: client, bucket: cfg.Bucket, domain: cfg.Domain}
}

// UploadFile 上传本地文件到 MinIO，返回可访问的 URL
func (o *OSS) UploadFile(localPath, objectName string) (string, error) {
	ctx := context.Background()

	// 自动创建 Bucket
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return "", fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		log.Printf("Bucket '%s' 已创建", o.bucket)
	}

	_, err = o.client.FPutObject(ctx, o.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	// 配置了直链域名就拼直链，否则生成预签名 URL（72 小时有效期）
	if o.domain != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(o.domain, "/"), o.bucket, objectName), nil
	}
	expiry := time.Hour * 72
	reqParams := make(url.Values)
	presignedURL, err := o.client.PresignedGetObject(ctx, o.bucket, objectName, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}

	log.Printf("文件已上传: %s", objectName)
	return presignedURL.String(), nil
}

// contentTypeFor 根据文件扩展名确定 ContentType
func contentTypeFor(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
