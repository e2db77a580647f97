package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

// ErrObjectNotFound is returned by an ObjectGetter for a missing bucket or key.
var ErrObjectNotFound = errors.New("object not found")

// S3Config configures access to an S3-compatible object store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// Object is an opened object.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ETag        string
}

// ObjectGetter opens objects by bucket and key.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (*Object, error)
}

// S3 reads objects through minio-go.
type S3 struct {
	client *minio.Client
}

// NewS3 creates an S3 object getter.
func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client for %s: %w", cfg.Endpoint, err)
	}
	return &S3{client: client}, nil
}

// GetObject opens bucket/key. Missing objects return ErrObjectNotFound.
func (s *S3) GetObject(ctx context.Context, bucket, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapObjectError(err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, mapObjectError(err)
	}
	return &Object{
		Body:        obj,
		Size:        info.Size,
		ContentType: info.ContentType,
		ETag:        info.ETag,
	}, nil
}

func mapObjectError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}

// splitObjectURL returns the bucket and key of an s3://bucket/key URL.
func splitObjectURL(u *url.URL) (string, string, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q needs a bucket and a key", u.String())
	}
	return bucket, key, nil
}

func (c *Client) fetchObject(ctx context.Context, req protocol.RequestOpts, u *url.URL) (*protocol.Response, error) {
	if c.objects == nil {
		return nil, fmt.Errorf("s3 url %q: no object store configured", req.URL)
	}
	if req.Method != protocol.MethodGet && req.Method != protocol.MethodHead {
		return &protocol.Response{StatusCode: http.StatusMethodNotAllowed}, nil
	}
	bucket, key, err := splitObjectURL(u)
	if err != nil {
		return nil, err
	}

	obj, err := c.objects.GetObject(ctx, bucket, key)
	if errors.Is(err, ErrObjectNotFound) {
		return &protocol.Response{StatusCode: http.StatusNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	defer obj.Body.Close()

	headers := map[string]string{}
	if obj.ContentType != "" {
		headers["Content-Type"] = obj.ContentType
	}
	if obj.ETag != "" {
		headers["Etag"] = obj.ETag
	}
	resp := &protocol.Response{StatusCode: http.StatusOK, Headers: headers}
	if req.Method == protocol.MethodHead {
		return resp, nil
	}
	if obj.Size > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w (object is %d bytes, limit %d)", ErrBodyTooLarge, obj.Size, c.cfg.MaxBodyBytes)
	}
	if resp.Body, err = c.readBody(obj.Body); err != nil {
		return nil, err
	}
	return resp, nil
}
