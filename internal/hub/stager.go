package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrFileNotFound = errors.New("staged file not found")

// Stager keeps the files managers relay to workers, keyed by run id and
// file name.
type Stager interface {
	Put(ctx context.Context, runID, filename string, data []byte) error
	Get(ctx context.Context, runID, filename string) ([]byte, error)
}

func validateKey(runID, filename string) error {
	for _, part := range []string{runID, filename} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return fmt.Errorf("invalid staged file key %q/%q", runID, filename)
		}
	}
	return nil
}

// DiskStager stores files under Root/<run_id>/<filename>.
type DiskStager struct {
	Root string
}

func NewDiskStager(root string) *DiskStager {
	return &DiskStager{Root: root}
}

func (s *DiskStager) Put(_ context.Context, runID, filename string, data []byte) error {
	if err := validateKey(runID, filename); err != nil {
		return err
	}
	dir := filepath.Join(s.Root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filename+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, filename))
}

func (s *DiskStager) Get(_ context.Context, runID, filename string) ([]byte, error) {
	if err := validateKey(runID, filename); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Root, runID, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", runID, filename, ErrFileNotFound)
	}
	return data, err
}

type MinIOConfig struct {
	Endpoint  string `json:"endpoint" toml:"endpoint"`
	AccessKey string `json:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" toml:"secret_key"`
	Bucket    string `json:"bucket" toml:"bucket"`
	Prefix    string `json:"prefix,omitempty" toml:"prefix"`
	UseSSL    bool   `json:"use_ssl,omitempty" toml:"use_ssl"`
}

const defaultMinIOBucket = "wasp-runs"

// MinIOStager stores relayed files in an S3 compatible bucket so several
// hubs can share them.
type MinIOStager struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIOStager(ctx context.Context, cfg MinIOConfig) (*MinIOStager, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultMinIOBucket
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIOStager{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *MinIOStager) objectName(runID, filename string) string {
	return path.Join(s.prefix, runID, filename)
}

func (s *MinIOStager) Put(ctx context.Context, runID, filename string, data []byte) error {
	if err := validateKey(runID, filename); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(runID, filename),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func (s *MinIOStager) Get(ctx context.Context, runID, filename string) ([]byte, error) {
	if err := validateKey(runID, filename); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(runID, filename), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s/%s: %w", runID, filename, ErrFileNotFound)
		}
		return nil, err
	}
	return data, nil
}
