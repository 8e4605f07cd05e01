package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrKeyMismatch is returned when a protected content key cannot be
	// recovered with the supplied key material.
	ErrKeyMismatch = errors.New("key mismatch: data was encrypted with a different key")
	// ErrCorrupt is returned for truncated or tampered envelopes.
	ErrCorrupt = errors.New("corrupt encrypted data")
)

const lengthPrefixSize = 4

// Seal encrypts plaintext under a fresh content key protected by km.
func Seal(km *KeyMaterial, plaintext []byte) ([]byte, error) {
	if !km.CanEncrypt() {
		return nil, fmt.Errorf("%w: %s key material cannot encrypt", ErrNoKey, km.Method)
	}

	contentKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}

	protected, err := protectKey(km, contentKey)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	out := make([]byte, 0, lengthPrefixSize+len(protected)+nonceSize+len(plaintext)+aead.Overhead())
	out = binary.BigEndian.AppendUint32(out, uint32(len(protected)))
	out = append(out, protected...)
	out = append(out, iv...)
	return aead.Seal(out, iv, plaintext, nil), nil
}

// Open reverses Seal.
func Open(km *KeyMaterial, data []byte) ([]byte, error) {
	if !km.CanDecrypt() {
		return nil, fmt.Errorf("%w: %s key material cannot decrypt", ErrNoKey, km.Method)
	}
	if len(data) < lengthPrefixSize {
		return nil, fmt.Errorf("%w: missing key length", ErrCorrupt)
	}

	keyLen := int(binary.BigEndian.Uint32(data[:lengthPrefixSize]))
	body := data[lengthPrefixSize:]
	if keyLen == 0 || keyLen > len(body)-nonceSize {
		return nil, fmt.Errorf("%w: protected key length %d out of range", ErrCorrupt, keyLen)
	}

	contentKey, err := unprotectKey(km, body[:keyLen])
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(contentKey)
	if err != nil {
		return nil, err
	}
	rest := body[keyLen:]
	if len(rest) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
	}
	plaintext, err := aead.Open(nil, rest[:nonceSize], rest[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: content authentication failed", ErrCorrupt)
	}
	return plaintext, nil
}

func protectKey(km *KeyMaterial, contentKey []byte) ([]byte, error) {
	switch km.Method {
	case MethodSymmetric:
		aead, err := newGCM(km.MasterKey)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		return aead.Seal(nonce, nonce, contentKey, nil), nil
	case MethodAsymmetric:
		protected, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, km.PublicKey, contentKey, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to protect content key: %w", err)
		}
		return protected, nil
	default:
		return nil, fmt.Errorf("unknown encryption method %q", km.Method)
	}
}

func unprotectKey(km *KeyMaterial, protected []byte) ([]byte, error) {
	var (
		key []byte
		err error
	)
	switch km.Method {
	case MethodSymmetric:
		aead, gerr := newGCM(km.MasterKey)
		if gerr != nil {
			return nil, gerr
		}
		if len(protected) < nonceSize+aead.Overhead() {
			return nil, fmt.Errorf("%w: protected key too short", ErrCorrupt)
		}
		key, err = aead.Open(nil, protected[:nonceSize], protected[nonceSize:], nil)
	case MethodAsymmetric:
		key, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, km.PrivateKey, protected, nil)
	default:
		return nil, fmt.Errorf("unknown encryption method %q", km.Method)
	}
	if err != nil {
		return nil, ErrKeyMismatch
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: content key is %d bytes", ErrCorrupt, len(key))
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// EncryptFile seals src into dst, keeping the source mode and times.
func EncryptFile(km *KeyMaterial, src, dst string) error {
	return transformFile(src, dst, func(b []byte) ([]byte, error) { return Seal(km, b) })
}

// DecryptFile opens src into dst, keeping the source mode and times.
func DecryptFile(km *KeyMaterial, src, dst string) error {
	return transformFile(src, dst, func(b []byte) ([]byte, error) { return Open(km, b) })
}

func transformFile(src, dst string, fn func([]byte) ([]byte, error)) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	out, err := fn(in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, out, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
