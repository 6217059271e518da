// Package secrets provides tenant-bound envelope encryption for stored
// credentials (model api keys, browser login passwords, TOTP seeds).
// Every ciphertext is produced with an encryption context carrying the
// tenant id, so a stolen ciphertext cannot be decrypted for another tenant.
package secrets

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/faststore"
)

var (
	// ErrKeyNotConfigured is returned when no KMS key id is set.
	ErrKeyNotConfigured = errors.New("kms key id not configured")

	// ErrContextMismatch is returned when KMS rejects a decryption because
	// the encryption context does not match — a ciphertext presented for the
	// wrong tenant. Fatal to the calling operation; never fall back to a
	// different key.
	ErrContextMismatch = errors.New("encryption context mismatch")

	// ErrSecretNotFound is returned when no ciphertext row exists.
	ErrSecretNotFound = errors.New("secret not found")
)

// KmsError wraps a KMS transport failure. Surfaced as 5xx.
type KmsError struct {
	Op  string
	Err error
}

func (e *KmsError) Error() string { return fmt.Sprintf("kms %s failed: %v", e.Op, e.Err) }
func (e *KmsError) Unwrap() error { return e.Err }

// tenantContextKey is the encryption-context key binding ciphertexts to
// their tenant.
const tenantContextKey = "tenant_id"

// Kind names a stored secret class. ApiKey and NetworkCredentials plaintexts
// are cached in the fast store for a short TTL.
type Kind string

const (
	KindAPIKey             Kind = "api_key"
	KindNetworkCredentials Kind = "network_credentials"
	KindTOTPSeed           Kind = "totp_seed"
	// KindKMSKeyID is a tenant-supplied KMS key id used to bind SSE-KMS
	// headers on presigned uploads.
	KindKMSKeyID Kind = "kms_key_id"
)

// cacheable reports whether decrypted plaintext of this kind may sit in the
// fast store.
func (k Kind) cacheable() bool {
	return k == KindAPIKey || k == KindNetworkCredentials
}

// KMSClient is the subset of the AWS KMS API the store uses. Satisfied by
// *kms.Client; tests pass a fake.
type KMSClient interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, opts ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Cache is the fast-store subset used for short-TTL plaintext caching.
type Cache interface {
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetCache(ctx context.Context, key string) ([]byte, error)
	DelCache(ctx context.Context, key string) error
}

// Store encrypts, decrypts, persists, and caches tenant secrets.
type Store struct {
	kms      KMSClient
	keyID    string
	cache    Cache
	cacheTTL time.Duration
	db       *sql.DB
}

// NewStore wires the secret store. db may be nil for callers that only need
// Encrypt/Decrypt.
func NewStore(kmsClient KMSClient, cfg *config.SecretsConfig, cache Cache, db *sql.DB) *Store {
	return &Store{
		kms:      kmsClient,
		keyID:    cfg.KMSKeyID,
		cache:    cache,
		cacheTTL: cfg.CacheTTL,
		db:       db,
	}
}

// Encrypt seals plaintext for the given tenant and returns base64 ciphertext.
func (s *Store) Encrypt(ctx context.Context, plaintext, tenantID string) (string, error) {
	if s.keyID == "" {
		return "", ErrKeyNotConfigured
	}
	out, err := s.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &s.keyID,
		Plaintext:         []byte(plaintext),
		EncryptionContext: map[string]string{tenantContextKey: tenantID},
	})
	if err != nil {
		return "", &KmsError{Op: "encrypt", Err: err}
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt opens base64 ciphertext for the given tenant. A context mismatch
// (KMS InvalidCiphertextException) means the ciphertext belongs to a
// different tenant and is fatal.
func (s *Store) Decrypt(ctx context.Context, ciphertext, tenantID string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}
	out, err := s.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		EncryptionContext: map[string]string{tenantContextKey: tenantID},
	})
	if err != nil {
		var invalid *kmstypes.InvalidCiphertextException
		if errors.As(err, &invalid) {
			return "", ErrContextMismatch
		}
		return "", &KmsError{Op: "decrypt", Err: err}
	}
	return string(out.Plaintext), nil
}

// cacheKey builds the fast-store key for a cached plaintext.
func cacheKey(tenantID string, kind Kind, networkID string) string {
	key := "secret:" + tenantID + ":" + string(kind)
	if networkID != "" {
		key += ":" + networkID
	}
	return key
}

// Put encrypts and upserts a secret row, then invalidates any cached
// plaintext for that slot.
func (s *Store) Put(ctx context.Context, tenantID string, kind Kind, networkID, plaintext string) error {
	ciphertext, err := s.Encrypt(ctx, plaintext, tenantID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_secrets (tenant_id, kind, network_id, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, kind, network_id)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = now()`,
		tenantID, string(kind), networkID, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	if err := s.cache.DelCache(ctx, cacheKey(tenantID, kind, networkID)); err != nil {
		slog.Warn("Failed to invalidate secret cache",
			"tenant_id", tenantID, "kind", kind, "error", err)
	}
	return nil
}

// Get loads and decrypts a secret, serving cacheable kinds from the fast
// store when possible. Returns ErrSecretNotFound when no row exists.
func (s *Store) Get(ctx context.Context, tenantID string, kind Kind, networkID string) (string, error) {
	key := cacheKey(tenantID, kind, networkID)
	if kind.cacheable() {
		if val, err := s.cache.GetCache(ctx, key); err == nil {
			return string(val), nil
		}
	}

	var ciphertext string
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM tenant_secrets
		WHERE tenant_id = $1 AND kind = $2 AND network_id = $3`,
		tenantID, string(kind), networkID).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load secret: %w", err)
	}

	plaintext, err := s.Decrypt(ctx, ciphertext, tenantID)
	if err != nil {
		return "", err
	}

	if kind.cacheable() {
		if err := s.cache.SetCache(ctx, key, []byte(plaintext), s.cacheTTL); err != nil {
			slog.Warn("Failed to cache decrypted secret",
				"tenant_id", tenantID, "kind", kind, "error", err)
		}
	}
	return plaintext, nil
}

// Delete removes a secret row and its cached plaintext.
func (s *Store) Delete(ctx context.Context, tenantID string, kind Kind, networkID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tenant_secrets
		WHERE tenant_id = $1 AND kind = $2 AND network_id = $3`,
		tenantID, string(kind), networkID)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return s.cache.DelCache(ctx, cacheKey(tenantID, kind, networkID))
}

// Exists reports whether a ciphertext row is present without decrypting it.
// The Budget Gate uses this to validate BYOK tenants cheaply.
func (s *Store) Exists(ctx context.Context, tenantID string, kind Kind, networkID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM tenant_secrets
		WHERE tenant_id = $1 AND kind = $2 AND network_id = $3`,
		tenantID, string(kind), networkID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check secret: %w", err)
	}
	return true, nil
}

var _ KMSClient = (*kms.Client)(nil)
var _ Cache = (*faststore.Client)(nil)
