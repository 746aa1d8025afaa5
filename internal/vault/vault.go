// Package vault encrypts chat content at rest. Each user gets a key
// derived from the deployment master secret, so rows are opaque to the
// database and to other tenants.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	defaultIterations = 100000
)

var (
	ErrEmptyPlaintext = errors.New("plaintext is empty")
	ErrDecryptFailed  = errors.New("decrypt failed")
)

// Ciphertext is the storable form of one encrypted value: content, iv
// and auth tag as separate base64 strings, never a combined blob.
type Ciphertext struct {
	Content string
	IV      string
	Tag     string
}

func (c Ciphertext) Empty() bool {
	return c.Content == "" && c.IV == "" && c.Tag == ""
}

type BatchResult struct {
	Plaintext string
	Err       error
}

type Vault struct {
	masterSecret []byte
	iterations   int

	mu   sync.RWMutex
	keys map[string][]byte
}

func New(masterSecret string, iterations int) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault master secret is empty")
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return &Vault{
		masterSecret: []byte(masterSecret),
		iterations:   iterations,
		keys:         make(map[string][]byte),
	}, nil
}

func (v *Vault) Encrypt(userID string, plaintext string) (Ciphertext, error) {
	if plaintext == "" {
		return Ciphertext{}, ErrEmptyPlaintext
	}

	gcm, err := v.cipherFor(userID)
	if err != nil {
		return Ciphertext{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("generate nonce failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return Ciphertext{
		Content: base64.StdEncoding.EncodeToString(body),
		IV:      base64.StdEncoding.EncodeToString(nonce),
		Tag:     base64.StdEncoding.EncodeToString(tag),
	}, nil
}

func (v *Vault) Decrypt(userID string, ct Ciphertext) (string, error) {
	gcm, err := v.cipherFor(userID)
	if err != nil {
		return "", err
	}
	return decryptWith(gcm, ct)
}

// DecryptBatch decrypts items in order, deriving the user key once for
// the whole batch. One undecryptable record never fails the rest.
func (v *Vault) DecryptBatch(userID string, items []Ciphertext) []BatchResult {
	results := make([]BatchResult, len(items))

	gcm, err := v.cipherFor(userID)
	if err != nil {
		for i := range results {
			results[i] = BatchResult{Err: err}
		}
		return results
	}

	for i, item := range items {
		plaintext, err := decryptWith(gcm, item)
		results[i] = BatchResult{Plaintext: plaintext, Err: err}
	}
	return results
}

func decryptWith(gcm cipher.AEAD, ct Ciphertext) (string, error) {
	body, err := base64.StdEncoding.DecodeString(ct.Content)
	if err != nil {
		return "", fmt.Errorf("%w: decode content: %v", ErrDecryptFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ct.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %v", ErrDecryptFailed, err)
	}
	tag, err := base64.StdEncoding.DecodeString(ct.Tag)
	if err != nil {
		return "", fmt.Errorf("%w: decode tag: %v", ErrDecryptFailed, err)
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return "", fmt.Errorf("%w: malformed iv or tag", ErrDecryptFailed)
	}

	sealed := make([]byte, 0, len(body)+len(tag))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}

func (v *Vault) cipherFor(userID string) (cipher.AEAD, error) {
	key, err := v.keyFor(userID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm failed: %w", err)
	}
	return gcm, nil
}

// keyFor derives and caches the per-user key. Derivation is the
// expensive step, so batch reads hit the cache after the first call.
func (v *Vault) keyFor(userID string) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("user id is empty")
	}

	v.mu.RLock()
	key, ok := v.keys[userID]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}

	salt := sha256.Sum256([]byte("relaychat:user:" + userID))
	key = pbkdf2.Key(v.masterSecret, salt[:], v.iterations, keySize, sha256.New)

	v.mu.Lock()
	v.keys[userID] = key
	v.mu.Unlock()
	return key, nil
}
