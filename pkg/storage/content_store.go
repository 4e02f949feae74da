package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docuagent/pkg/domain"
)

// StoredFile describes a persisted upload. Key is content-addressed, so
// byte-identical uploads land on the same object.
type StoredFile struct {
	Key         string
	DisplayName string
	ContentHash string
	SizeBytes   int64
}

// ContentStore persists raw file bytes keyed by content hash.
type ContentStore interface {
	Put(ctx context.Context, filename string, data []byte) (StoredFile, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MinioStore implements ContentStore on MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Describe computes the content-addressed identity of an upload without
// touching storage. Callers can run capacity checks on the result before
// any bytes are written.
func Describe(filename string, data []byte) StoredFile {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	safeName := strings.NewReplacer("/", "_", "\\", "_").Replace(filename)
	ext := strings.ToLower(filepath.Ext(safeName))
	if ext == "" {
		ext = ".pdf"
	}
	return StoredFile{
		Key:         hash + ext,
		DisplayName: safeName,
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
	}
}

// Put hashes the bytes and stores them under <sha256><ext>.
func (m *MinioStore) Put(ctx context.Context, filename string, data []byte) (StoredFile, error) {
	stored := Describe(filename, data)
	_, err := m.client.PutObject(ctx, m.bucket, stored.Key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/pdf"})
	if err != nil {
		return StoredFile{}, &domain.ContentStoreError{Err: fmt.Errorf("put object: %w", err)}
	}
	return stored, nil
}

// Get reads an object back in full.
func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &domain.ContentStoreError{Err: fmt.Errorf("get object: %w", err)}
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, &domain.ContentStoreError{Err: fmt.Errorf("read object: %w", err)}
	}
	return data, nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &domain.ContentStoreError{Err: fmt.Errorf("delete object: %w", err)}
	}
	return nil
}
