// Package envelope implements the hybrid per-file encryption applied to
// staged backup generations.
//
// Every file gets a fresh AES-256-GCM content key. The content key is
// protected either by a symmetric master key (AES-256-GCM again) or by an
// RSA public key (OAEP with SHA-256). The serialized file layout is:
//
//	[u32 big-endian protected key length][protected key][12-byte iv][ciphertext||tag]
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ssh"
)

// Method selects how content keys are protected.
type Method string

// Supported methods.
const (
	MethodSymmetric  Method = "symmetric"
	MethodAsymmetric Method = "asymmetric"
)

// Algorithm is the content cipher recorded in metadata.
const Algorithm = "aes-256-gcm"

const (
	// KeySize is the size of content and master keys in bytes.
	KeySize = 32

	nonceSize = 12

	pbkdf2Iterations = 100000
	pbkdf2SaltSize   = 16

	// DefaultRSABits is the modulus size used by GenerateRSAKeyPair.
	DefaultRSABits = 4096
)

var (
	// ErrNoKey is returned when the key material cannot perform the
	// requested direction (for example decrypting without a private key).
	ErrNoKey = errors.New("no usable key")
	// ErrInvalidKey is returned for malformed key data.
	ErrInvalidKey = errors.New("invalid key")
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodSymmetric, MethodAsymmetric:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown encryption method %q", s)
	}
}

// KeyMaterial is the resolved key set for one encryption operation.
type KeyMaterial struct {
	Method     Method
	MasterKey  []byte
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey // may be nil on backup-only hosts
}

// NewSymmetric returns key material for a 32-byte master key.
func NewSymmetric(masterKey []byte) (*KeyMaterial, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(masterKey))
	}
	return &KeyMaterial{Method: MethodSymmetric, MasterKey: masterKey}, nil
}

// NewAsymmetric returns key material for an RSA key pair. Either key may be
// nil but not both; the public key is derived from the private key when
// absent.
func NewAsymmetric(pub *rsa.PublicKey, priv *rsa.PrivateKey) (*KeyMaterial, error) {
	if pub == nil && priv == nil {
		return nil, fmt.Errorf("%w: asymmetric encryption needs a public or private key", ErrNoKey)
	}
	if pub == nil {
		pub = &priv.PublicKey
	}
	if priv != nil && !pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match public key", ErrInvalidKey)
	}
	return &KeyMaterial{Method: MethodAsymmetric, PublicKey: pub, PrivateKey: priv}, nil
}

// CanEncrypt reports whether content keys can be protected.
func (k *KeyMaterial) CanEncrypt() bool {
	switch k.Method {
	case MethodSymmetric:
		return len(k.MasterKey) == KeySize
	case MethodAsymmetric:
		return k.PublicKey != nil
	}
	return false
}

// CanDecrypt reports whether protected content keys can be recovered.
func (k *KeyMaterial) CanDecrypt() bool {
	switch k.Method {
	case MethodSymmetric:
		return len(k.MasterKey) == KeySize
	case MethodAsymmetric:
		return k.PrivateKey != nil
	}
	return false
}

// KeyID returns a non-secret identifier of the key: the first 16 hex
// characters of the SHA-256 of the master key or of the public key DER.
func (k *KeyMaterial) KeyID() string {
	var sum [sha256.Size]byte
	switch k.Method {
	case MethodSymmetric:
		sum = sha256.Sum256(k.MasterKey)
	case MethodAsymmetric:
		pub := k.PublicKey
		if pub == nil && k.PrivateKey != nil {
			pub = &k.PrivateKey.PublicKey
		}
		if pub == nil {
			return ""
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return ""
		}
		sum = sha256.Sum256(der)
	default:
		return ""
	}
	return hex.EncodeToString(sum[:])[:16]
}

// DeriveKey turns raw key bytes and a password into a master key with
// PBKDF2-HMAC-SHA256. The first 16 bytes of the raw key are the salt.
func DeriveKey(raw []byte, password string) []byte {
	salt := raw
	if len(salt) > pbkdf2SaltSize {
		salt = salt[:pbkdf2SaltSize]
	}
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, KeySize, sha256.New)
}

// NormalizeKey pads with zeros or truncates raw key bytes to KeySize. The
// boolean reports whether the key had to be adjusted.
func NormalizeKey(raw []byte) ([]byte, bool) {
	if len(raw) == KeySize {
		return raw, false
	}
	key := make([]byte, KeySize)
	copy(key, raw)
	return key, true
}

// GenerateSymmetricKey returns a random master key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateRSAKeyPair returns a PKCS#8 private key and a PKIX public key, both
// PEM encoded.
func GenerateRSAKeyPair(bits int) (privatePEM, publicPEM []byte, err error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

// ParsePublicKey accepts a PEM PKIX or PKCS#1 public key, or an OpenSSH
// authorized_keys line holding an ssh-rsa key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
			}
			rsaKey, ok := key.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidKey, key)
			}
			return rsaKey, nil
		case "RSA PUBLIC KEY":
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
			}
			return key, nil
		default:
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
		}
	}

	// GitHub's USER.keys returns one authorized_keys line per key; use the
	// first RSA one.
	rest := data
	for len(rest) > 0 {
		pub, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		rest = next
		if cpk, ok := pub.(ssh.CryptoPublicKey); ok {
			if rsaKey, ok := cpk.CryptoPublicKey().(*rsa.PublicKey); ok {
				return rsaKey, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no RSA public key found", ErrInvalidKey)
}

// ParsePrivateKey accepts a PEM PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrInvalidKey)
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidKey, key)
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
}
