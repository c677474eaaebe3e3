// Package secrets stores per-definition key/value secrets encrypted with
// AES-256-GCM. Plaintext only exists in memory while serving an authorized
// delegate request.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/loomline/loomline/pkg/models"
	"github.com/loomline/loomline/pkg/persistence"
)

const keySize = 32

var ErrBadKey = errors.New("encryption key must be 32 bytes (64 hex characters)")

// Service encrypts, stores and resolves secrets.
type Service struct {
	secrets persistence.SecretRepository
	aead    cipher.AEAD
}

// NewService builds a service from a hex-encoded 256-bit key.
func NewService(secrets persistence.SecretRepository, hexKey string) (*Service, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keySize {
		return nil, ErrBadKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Service{secrets: secrets, aead: aead}, nil
}

// GenerateKey returns a fresh hex-encoded 256-bit key, for bootstrap tooling.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	return hex.EncodeToString(key), nil
}

func (s *Service) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce is prepended to the sealed payload.
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Service) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := s.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return plaintext, nil
}

// Set encrypts and stores one secret value for the definition.
func (s *Service) Set(ctx context.Context, definitionID, key, value string) error {
	ciphertext, err := s.encrypt([]byte(value))
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	return s.secrets.Save(ctx, &models.Secret{
		DefinitionID: definitionID,
		Key:          key,
		Ciphertext:   ciphertext,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// Delete removes one secret.
func (s *Service) Delete(ctx context.Context, definitionID, key string) error {
	return s.secrets.Delete(ctx, definitionID, key)
}

// Keys lists the secret names for a definition without decrypting anything.
func (s *Service) Keys(ctx context.Context, definitionID string) ([]string, error) {
	stored, err := s.secrets.ListByDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(stored))
	for _, secret := range stored {
		keys = append(keys, secret.Key)
	}

	return keys, nil
}

// Resolve decrypts every secret of a definition for delegate handoff.
func (s *Service) Resolve(ctx context.Context, definitionID string) (map[string]string, error) {
	stored, err := s.secrets.ListByDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]string, len(stored))

	for _, secret := range stored {
		plaintext, err := s.decrypt(secret.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", secret.Key, err)
		}

		resolved[secret.Key] = string(plaintext)
	}

	return resolved, nil
}
