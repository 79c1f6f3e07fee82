// Package s3 implements the storage backend over S3-compatible object
// stores. Like WebDAV, S3 has no multi-file transaction: UploadBatch puts
// objects sequentially and continues past single-object failures. Change
// polling is a HeadObject ETag comparison; the first poll establishes a
// baseline and reports no change.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

const tokenKeyProfile = "s3-profile-etag"

// Credentials is the S3-specific credential bundle. The secret key must
// never be logged.
type Credentials struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, Ceph); path-style addressing is used when set.
	Endpoint string
	// PollPath is the object whose ETag is checked by PollForChanges,
	// relative to Prefix.
	PollPath string
}

func (c *Credentials) Valid() bool {
	return c != nil && c.Region != "" && c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type Backend struct {
	creds  *Credentials
	client *awss3.Client
	tokens *tokencache.Cache
}

var _ backend.Backend = (*Backend)(nil)

func New(ctx context.Context, creds *Credentials, tokens *tokencache.Cache) (*Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Backend{creds: creds, client: client, tokens: tokens}, nil
}

func (b *Backend) Name() string { return "s3" }

func (b *Backend) HasValidCredentials() bool { return b.creds.Valid() }

func (b *Backend) key(rel string) string {
	return strings.TrimPrefix(path.Join(b.creds.Prefix, rel), "/")
}

// UploadBatch puts objects sequentially, logging and skipping individual
// failures.
func (b *Backend) UploadBatch(ctx context.Context, entries []backend.ChangeSetEntry) error {
	if !b.creds.Valid() {
		return backend.ErrInvalidCredentials
	}
	if len(entries) == 0 {
		return nil
	}

	tstart := time.Now()
	uploaded, failed := 0, 0

	for _, entry := range entries {
		_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(b.creds.Bucket),
			Key:    aws.String(b.key(entry.RemotePath)),
			Body:   bytes.NewReader(entry.Content),
		})
		if err != nil {
			slog.Warn("s3 upload failed, continuing batch", "path", entry.RemotePath, "error", err)
			failed++
			continue
		}
		uploaded++
	}

	// our own write changed the snapshot's ETag
	b.tokens.Clear(tokenKeyProfile)

	slog.Info("s3 upload batch", "uploaded", uploaded, "failed", failed, "took", time.Since(tstart))
	return nil
}

func (b *Backend) DownloadFile(ctx context.Context, rel string) (*backend.DownloadResult, error) {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.creds.Bucket),
		Key:    aws.String(b.key(rel)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return &backend.DownloadResult{OK: false, Status: http.StatusNotFound}, nil
		}
		return nil, fmt.Errorf("download %q: %w", rel, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("download %q: read body: %w", rel, err)
	}
	return &backend.DownloadResult{OK: true, Status: http.StatusOK, Content: data}, nil
}

func (b *Backend) DownloadBinaryFile(ctx context.Context, rel string) ([]byte, error) {
	res, err := b.DownloadFile(ctx, rel)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("download binary %q: %w", rel, backend.ErrNotFound)
	}
	return res.Content, nil
}

func (b *Backend) ListDirectory(ctx context.Context, rel string) (*backend.ListResult, error) {
	prefix := b.key(rel)
	if prefix != "" {
		prefix += "/"
	}

	out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(b.creds.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", rel, err)
	}

	files := make([]backend.FileEntry, 0, len(out.Contents)+len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		files = append(files, backend.FileEntry{
			Name:    name,
			Type:    backend.FileTypeDir,
			Locator: aws.ToString(cp.Prefix),
		})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			// placeholder object for the prefix itself
			continue
		}
		files = append(files, backend.FileEntry{
			Name:    strings.TrimPrefix(key, prefix),
			Type:    backend.FileTypeFile,
			Locator: key,
		})
	}

	return &backend.ListResult{OK: true, Status: http.StatusOK, Files: files}, nil
}

// PollForChanges compares the snapshot object's ETag from a HeadObject
// call against the cached token.
func (b *Backend) PollForChanges(ctx context.Context) (bool, error) {
	if !b.creds.Valid() {
		return false, backend.ErrInvalidCredentials
	}

	pollPath := b.creds.PollPath
	if pollPath == "" {
		pollPath = "profile.json"
	}

	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.creds.Bucket),
		Key:    aws.String(b.key(pollPath)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			// no remote backup yet
			return false, nil
		}
		return false, fmt.Errorf("poll head: %w", err)
	}

	etag := aws.ToString(out.ETag)
	cached, hadToken := b.tokens.Get(tokenKeyProfile)
	if etag != "" {
		b.tokens.Set(tokenKeyProfile, etag)
	}
	if !hadToken {
		// first poll establishes the baseline
		return false, nil
	}
	return etag != "" && etag != cached, nil
}

func (b *Backend) ClearChangeCache() {
	b.tokens.Clear(tokenKeyProfile)
}

func (b *Backend) Cleanup() {}
