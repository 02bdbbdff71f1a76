package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"imagesearch/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client abstracts the S3 API operations used by [S3]. The [s3.Client]
// type satisfies this interface.
type S3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner abstracts presigned GET generation. [s3.PresignClient]
// satisfies this interface.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3 implements Storage on an S3-compatible bucket (AWS, MinIO, R2, ...).
// Every path is mapped to the key "{prefix}/{path}".
type S3 struct {
	client    S3Client
	presigner Presigner
	bucket    string
	prefix    string
	endpoint  string
}

var _ Storage = (*S3)(nil)

// NewS3 creates an S3 store over a pre-configured client. endpoint is the
// public base URL used to build canonical URLs.
func NewS3(client S3Client, presigner Presigner, bucket, prefix, endpoint string) *S3 {
	return &S3{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		endpoint:  strings.TrimSuffix(endpoint, "/"),
	}
}

// NewS3FromConfig connects with static credentials and a custom endpoint.
func NewS3FromConfig(_ context.Context, cfg config.S3Config) (*S3, error) {
	client := s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	})
	return NewS3(client, s3.NewPresignClient(client), cfg.Bucket, cfg.Path, cfg.EndpointURL), nil
}

func (s *S3) Kind() Kind { return KindS3 }

func (s *S3) key(p string) string {
	p = cleanPath(p)
	if s.prefix == "" {
		return p
	}
	if p == "" {
		return s.prefix
	}
	return s.prefix + "/" + p
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, translateS3(err, "stat", p)
	}
	return true, nil
}

func (s *S3) Size(ctx context.Context, p string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return 0, translateS3(err, "stat", p)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// URL builds "{endpoint}/{bucket}/{key}", omitting the bucket when the
// endpoint is already a virtual-hosted bucket address.
func (s *S3) URL(_ context.Context, p string) (string, error) {
	base := s.endpoint
	if u, err := url.Parse(s.endpoint); err != nil || !hostHasLabel(u.Host, s.bucket) {
		base = s.endpoint + "/" + s.bucket
	}
	return base + "/" + s.key(p), nil
}

func hostHasLabel(host, label string) bool {
	for _, part := range strings.Split(host, ".") {
		if part == label {
			return true
		}
	}
	return false
}

func (s *S3) PresignURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", translateS3(err, "presign", p)
	}
	return req.URL, nil
}

func (s *S3) Fetch(ctx context.Context, p string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return nil, translateS3(err, "fetch", p)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, translateS3(err, "fetch", p)
	}
	return data, nil
}

func (s *S3) Upload(ctx context.Context, data []byte, p string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return translateS3(err, "upload", p)
	}
	slog.Info("uploaded file via s3 storage", "bytes", len(data), "path", p)
	return nil
}

func (s *S3) UploadFile(ctx context.Context, localPath, p string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return translateOS(err, sideLocal, "read local file", localPath)
	}
	return s.Upload(ctx, data, p)
}

func (s *S3) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(dst)),
		CopySource: aws.String(s.copySource(src)),
	})
	if err != nil {
		return translateS3(err, "copy", src)
	}
	slog.Info("copied file via s3 storage", "from", src, "to", dst)
	return nil
}

func (s *S3) copySource(p string) string {
	segments := strings.Split(s.key(p), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.bucket + "/" + strings.Join(segments, "/")
}

// Move copies then deletes. Between the two calls both objects exist; a
// failed copy returns before the source is touched.
func (s *S3) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	if err := s.Delete(ctx, src); err != nil {
		return err
	}
	slog.Info("moved file via s3 storage", "from", src, "to", dst)
	return nil
}

// Delete checks existence first because DeleteObject succeeds on missing
// keys.
func (s *S3) Delete(ctx context.Context, p string) error {
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	}); err != nil {
		return translateS3(err, "delete", p)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return translateS3(err, "delete", p)
	}
	slog.Info("deleted file via s3 storage", "path", p)
	return nil
}

func (s *S3) List(ctx context.Context, dir, pattern string, batchSize int, exts []string, fn func([]string) error) error {
	ls, err := newLister(pattern, batchSize, exts, fn)
	if err != nil {
		return err
	}
	dir = cleanPath(dir)
	prefix := s.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return translateS3(err, "list", dir)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if err := ls.add(rel, path.Join(dir, rel)); err != nil {
				return err
			}
		}
	}
	return ls.flush()
}
