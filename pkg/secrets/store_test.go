package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/config"
)

// fakeKMS reverses bytes for "encryption" and enforces the encryption
// context the way real KMS does.
type fakeKMS struct {
	encryptErr error
	decryptErr error
	contexts   map[string]string // ciphertext → tenant used at encrypt time
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{contexts: make(map[string]string)}
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	blob := append([]byte("sealed:"), in.Plaintext...)
	f.contexts[string(blob)] = in.EncryptionContext["tenant_id"]
	return &kms.EncryptOutput{CiphertextBlob: blob}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	want, ok := f.contexts[string(in.CiphertextBlob)]
	if !ok || want != in.EncryptionContext["tenant_id"] {
		return nil, &kmstypes.InvalidCiphertextException{}
	}
	return &kms.DecryptOutput{Plaintext: in.CiphertextBlob[len("sealed:"):]}, nil
}

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (c *fakeCache) SetCache(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

func (c *fakeCache) GetCache(_ context.Context, key string) ([]byte, error) {
	v, ok := c.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (c *fakeCache) DelCache(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func testStore(kmsClient KMSClient) *Store {
	return NewStore(kmsClient, &config.SecretsConfig{
		KMSKeyID: "key-1",
		CacheTTL: 5 * time.Minute,
	}, newFakeCache(), nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := testStore(newFakeKMS())

	ciphertext, err := store.Encrypt(context.Background(), "hunter2", "tenant-a")
	require.NoError(t, err)

	// Ciphertext is base64 and not the plaintext.
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", string(decoded))

	plaintext, err := store.Decrypt(context.Background(), ciphertext, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestDecryptWrongTenantFails(t *testing.T) {
	store := testStore(newFakeKMS())

	ciphertext, err := store.Encrypt(context.Background(), "hunter2", "tenant-a")
	require.NoError(t, err)

	_, err = store.Decrypt(context.Background(), ciphertext, "tenant-b")
	require.ErrorIs(t, err, ErrContextMismatch)
}

func TestEncryptWithoutKeyConfigured(t *testing.T) {
	store := NewStore(newFakeKMS(), &config.SecretsConfig{CacheTTL: time.Minute}, newFakeCache(), nil)

	_, err := store.Encrypt(context.Background(), "x", "tenant-a")
	require.ErrorIs(t, err, ErrKeyNotConfigured)
}

func TestKmsTransportFailure(t *testing.T) {
	fake := newFakeKMS()
	fake.encryptErr = errors.New("connection reset")
	store := testStore(fake)

	_, err := store.Encrypt(context.Background(), "x", "tenant-a")
	var kmsErr *KmsError
	require.ErrorAs(t, err, &kmsErr)
	assert.Equal(t, "encrypt", kmsErr.Op)
}

func TestDecryptMalformedCiphertext(t *testing.T) {
	store := testStore(newFakeKMS())

	_, err := store.Decrypt(context.Background(), "not base64 !!!", "tenant-a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrContextMismatch)
}
