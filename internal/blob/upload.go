package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// TokenSource returns the bearer token for the next upload.
type TokenSource func() (string, error)

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

// HTTPUploader posts blobs as multipart form data to <baseURL>/files.
type HTTPUploader struct {
	httpClient *http.Client
	baseURL    string
	token      TokenSource
}

// NewHTTPUploader creates an uploader for the blob endpoint at baseURL.
func NewHTTPUploader(baseURL string, token TokenSource) *HTTPUploader {
	return &HTTPUploader{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Upload sends data and returns the blob reference from the response body.
func (u *HTTPUploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType == "" {
		contentType = octetStream
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if u.token != nil {
		tok, err := u.token()
		if err != nil {
			return "", fmt.Errorf("failed to get upload token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	ref, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("upload %s: failed to read response: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload %s: status %d", name, resp.StatusCode)
	}
	return strings.TrimSpace(string(ref)), nil
}

// MinioConfig locates an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioUploader stores blobs as objects under random keys.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinioUploader connects to the bucket described by cfg.
func NewMinioUploader(cfg MinioConfig) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores data and returns the object key as the blob reference.
func (u *MinioUploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := uuid.NewString()
	if contentType == "" {
		contentType = octetStream
	}
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"filename": name,
			"sha256":   Checksum(data),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return key, nil
}
