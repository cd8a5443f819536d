// Package storage moves job inputs and task logs between the workstation and
// an S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Client wraps a single bucket of an S3-compatible store.
type Client struct {
	mc     *minio.Client
	bucket string
	region string
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// UploadFile stores a local file under the given object key.
func (c *Client) UploadFile(ctx context.Context, localPath, key string) error {
	_, err := c.mc.FPutObject(ctx, c.bucket, key, localPath, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	log.Debug().Str("bucket", c.bucket).Str("key", key).Msg("uploaded object")
	return nil
}

// DownloadFile fetches an object to a local path.
func (c *Client) DownloadFile(ctx context.Context, key, localPath string) error {
	if err := c.mc.FGetObject(ctx, c.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// UploadDir walks a local directory and uploads every regular file under the
// given key prefix, preserving relative paths.
func (c *Client) UploadDir(ctx context.Context, localDir, prefix string) (int, error) {
	count := 0
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if err := c.UploadFile(ctx, p, key); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("upload dir %s: %w", localDir, err)
	}
	return count, nil
}

// List returns the object keys under a prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// LogKey names the stored output stream of one task.
func LogKey(job, task, stream string) string {
	return path.Join(job, task, stream+".txt")
}

// SaveTaskLogs writes stdout and stderr to temp files and uploads them under
// the task's log keys.
func (c *Client) SaveTaskLogs(ctx context.Context, job, task, stdout, stderr string) error {
	dir, err := os.MkdirTemp("", "batchkit-logs-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	for stream, content := range map[string]string{"stdout": stdout, "stderr": stderr} {
		local := filepath.Join(dir, stream+".txt")
		if err := os.WriteFile(local, []byte(content), 0600); err != nil {
			return err
		}
		if err := c.UploadFile(ctx, local, LogKey(job, task, stream)); err != nil {
			return err
		}
	}
	return nil
}
