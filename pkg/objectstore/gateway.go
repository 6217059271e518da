// Package objectstore issues short-lived presigned URLs for agent uploads
// (screenshots, log bundles, verification assets). Agents never hold
// long-term object-store credentials; every key is validated against the
// tenant-prefixed shape before a URL is signed.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/formscout/formscout/pkg/config"
)

// ErrInvalidKey rejects any object key outside the enforced
// {kind}/{tenant}/{project}/{session}/{filename} shape, or one whose tenant
// segment does not match the caller.
var ErrInvalidKey = errors.New("object key outside tenant prefix")

// Allowed key kinds (the first path segment).
const (
	KindScreenshot   = "screenshots"
	KindLogBundle    = "logs"
	KindVerification = "verification"
)

var allowedKinds = map[string]bool{
	KindScreenshot:   true,
	KindLogBundle:    true,
	KindVerification: true,
}

// Presigner is the subset of s3.PresignClient the gateway uses.
type Presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3API is the subset of s3.Client used for direct reads and deletes.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// KMSKeyResolver returns the tenant's BYOK KMS key id, or "" when the
// tenant has none (server-side default encryption applies).
type KMSKeyResolver func(ctx context.Context, tenantID string) (string, error)

// Gateway validates keys and signs upload/download URLs.
type Gateway struct {
	bucket     string
	presignTTL time.Duration
	presigner  Presigner
	s3         S3API
	kmsKeyFor  KMSKeyResolver
}

// NewGateway builds a gateway over the given S3 clients. kmsKeyFor may be
// nil when BYOK SSE is not in use.
func NewGateway(cfg *config.ObjectStoreConfig, presigner Presigner, s3api S3API, kmsKeyFor KMSKeyResolver) *Gateway {
	return &Gateway{
		bucket:     cfg.Bucket,
		presignTTL: cfg.PresignTTL,
		presigner:  presigner,
		s3:         s3api,
		kmsKeyFor:  kmsKeyFor,
	}
}

// BuildKey assembles a well-formed object key.
func BuildKey(kind, tenantID, projectID, sessionID, filename string) string {
	return strings.Join([]string{kind, tenantID, projectID, sessionID, filename}, "/")
}

// ValidateKey checks the {kind}/{tenant}/{project}/{session}/{filename}
// shape and that the tenant segment matches the caller.
func ValidateKey(key, tenantID string) error {
	parts := strings.Split(key, "/")
	if len(parts) != 5 {
		return ErrInvalidKey
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return ErrInvalidKey
		}
	}
	if !allowedKinds[parts[0]] {
		return ErrInvalidKey
	}
	if parts[1] != tenantID {
		return ErrInvalidKey
	}
	return nil
}

// PresignPut signs a 15-minute upload URL for a validated key. BYOK tenants
// get SSE-KMS headers bound to their key.
func (g *Gateway) PresignPut(ctx context.Context, tenantID, key, contentType string) (string, error) {
	if err := ValidateKey(key, tenantID); err != nil {
		return "", err
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if g.kmsKeyFor != nil {
		kmsKey, err := g.kmsKeyFor(ctx, tenantID)
		if err != nil {
			slog.Warn("Failed to resolve tenant KMS key, presigning without SSE headers",
				"tenant_id", tenantID, "error", err)
		} else if kmsKey != "" {
			in.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
			in.SSEKMSKeyId = aws.String(kmsKey)
		}
	}

	req, err := g.presigner.PresignPutObject(ctx, in, func(o *s3.PresignOptions) {
		o.Expires = g.presignTTL
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign put for %s: %w", key, err)
	}
	return req.URL, nil
}

// PutRequest is one entry of a batch presign.
type PutRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
}

// PutURL pairs a key with its signed upload URL.
type PutURL struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// PresignPutBatch signs several upload URLs in one call. The whole batch is
// rejected if any key fails validation.
func (g *Gateway) PresignPutBatch(ctx context.Context, tenantID string, reqs []PutRequest) ([]PutURL, error) {
	for _, r := range reqs {
		if err := ValidateKey(r.Key, tenantID); err != nil {
			return nil, fmt.Errorf("key %s: %w", r.Key, err)
		}
	}
	out := make([]PutURL, 0, len(reqs))
	for _, r := range reqs {
		url, err := g.PresignPut(ctx, tenantID, r.Key, r.ContentType)
		if err != nil {
			return nil, err
		}
		out = append(out, PutURL{Key: r.Key, URL: url})
	}
	return out, nil
}

// PresignGet signs a short-lived download URL for a validated key.
func (g *Gateway) PresignGet(ctx context.Context, tenantID, key string) (string, error) {
	if err := ValidateKey(key, tenantID); err != nil {
		return "", err
	}
	req, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = g.presignTTL
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign get for %s: %w", key, err)
	}
	return req.URL, nil
}

// Fetch downloads an object directly. Background workers use it to pull
// agent-uploaded log bundles.
func (g *Gateway) Fetch(ctx context.Context, tenantID, key string) ([]byte, error) {
	if err := ValidateKey(key, tenantID); err != nil {
		return nil, err
	}
	out, err := g.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// DeletePrefix removes every object under a tenant-scoped prefix and
// returns the count. The prefix must start with {kind}/{tenant}/.
func (g *Gateway) DeletePrefix(ctx context.Context, tenantID, prefix string) (int, error) {
	parts := strings.SplitN(prefix, "/", 3)
	if len(parts) < 2 || !allowedKinds[parts[0]] || parts[1] != tenantID {
		return 0, ErrInvalidKey
	}

	deleted := 0
	var token *string
	for {
		list, err := g.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(g.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
		}
		if len(list.Contents) == 0 {
			return deleted, nil
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(list.Contents))
		for _, obj := range list.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := g.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(g.bucket),
			Delete: &s3types.Delete{Objects: objects},
		}); err != nil {
			return deleted, fmt.Errorf("failed to delete under %s: %w", prefix, err)
		}
		deleted += len(objects)

		if list.IsTruncated == nil || !*list.IsTruncated {
			return deleted, nil
		}
		token = list.NextContinuationToken
	}
}

// Delete removes one object. Used after a log bundle has been fanned out.
func (g *Gateway) Delete(ctx context.Context, tenantID, key string) error {
	if err := ValidateKey(key, tenantID); err != nil {
		return err
	}
	_, err := g.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(g.bucket),
		Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{{Key: aws.String(key)}}},
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

var _ Presigner = (*s3.PresignClient)(nil)
var _ S3API = (*s3.Client)(nil)
