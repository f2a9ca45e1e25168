// Package blobstore — архив трейсов завершённых потоков в объектном
// хранилище (S3-совместимом).
//
// По терминальному статусу потока оркестратор выгружает полный трейс
// одним JSON-объектом и сохраняет ключ архива на записи потока.
// Строки трейса в БД после этого можно удалять.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shaiso/conveyor/internal/domain"
)

// TraceArchive — архив трейсов поверх S3-совместимого хранилища.
type TraceArchive struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New создаёт TraceArchive по переменным окружения и гарантирует
// существование bucket.
//
// Переменные: S3_ENDPOINT, S3_ACCESS_KEY, S3_SECRET_KEY, S3_BUCKET,
// S3_USE_SSL.
func New(ctx context.Context, logger *slog.Logger) (*TraceArchive, error) {
	endpoint := envOr("S3_ENDPOINT", "localhost:9000")
	accessKey := envOr("S3_ACCESS_KEY", "conveyor")
	secretKey := envOr("S3_SECRET_KEY", "conveyor")
	bucket := envOr("S3_BUCKET", "conveyor-traces")
	useSSL := os.Getenv("S3_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("new object store client: %w", err)
	}

	a := &TraceArchive{
		client: client,
		bucket: bucket,
		logger: logger,
	}

	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

// ensureBucket создаёт bucket, если его ещё нет.
func (a *TraceArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}

	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}

	a.logger.Info("created trace bucket", "bucket", a.bucket)
	return nil
}

// Archive выгружает трейс потока и возвращает ключ объекта.
func (a *TraceArchive) Archive(ctx context.Context, threadExecutionID uuid.UUID, events []domain.ElementEvent) (string, error) {
	payload, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal trace: %w", err)
	}

	key := ObjectKey(threadExecutionID)
	_, err = a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return "", fmt.Errorf("put trace object %s: %w", key, err)
	}

	a.logger.Debug("archived trace",
		"thread_execution_id", threadExecutionID,
		"key", key,
		"events", len(events),
		"bytes", len(payload),
	)

	return key, nil
}

// Fetch возвращает архивированный трейс по ключу объекта.
func (a *TraceArchive) Fetch(ctx context.Context, key string) ([]domain.ElementEvent, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get trace object %s: %w", key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read trace object %s: %w", key, err)
	}

	var events []domain.ElementEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("unmarshal trace %s: %w", key, err)
	}
	return events, nil
}

// ObjectKey возвращает ключ архива для потока. Дата в ключе
// раскладывает объекты по префиксам для ручного обхода.
func ObjectKey(threadExecutionID uuid.UUID) string {
	return fmt.Sprintf("traces/%s/%s.json",
		time.Now().UTC().Format("2006-01-02"), threadExecutionID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
