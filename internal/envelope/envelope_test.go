package envelope

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rsaOnce sync.Once
	rsaKeys [2]*rsa.PrivateKey
)

// testRSAKeys returns two distinct 2048-bit keys shared by the package tests.
func testRSAKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	rsaOnce.Do(func() {
		for i := range rsaKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			rsaKeys[i] = k
		}
	})
	return rsaKeys[0], rsaKeys[1]
}

func symmetricKey(t *testing.T) *KeyMaterial {
	t.Helper()
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	km, err := NewSymmetric(key)
	require.NoError(t, err)
	return km
}

func TestSealOpen_RoundTrip(t *testing.T) {
	priv, _ := testRSAKeys(t)
	asym, err := NewAsymmetric(nil, priv)
	require.NoError(t, err)

	tests := []struct {
		name string
		km   *KeyMaterial
	}{
		{"symmetric", symmetricKey(t)},
		{"asymmetric", asym},
	}

	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 1<<16+3),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range payloads {
				sealed, err := Seal(tt.km, p)
				require.NoError(t, err)

				opened, err := Open(tt.km, sealed)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(p, opened), "round trip of %d bytes", len(p))
			}
		})
	}
}

func TestSeal_Layout(t *testing.T) {
	km := symmetricKey(t)
	plaintext := []byte("layout check")

	sealed, err := Seal(km, plaintext)
	require.NoError(t, err)

	keyLen := binary.BigEndian.Uint32(sealed[:4])
	// nonce + content key + tag
	assert.Equal(t, uint32(nonceSize+KeySize+16), keyLen)
	assert.Len(t, sealed, 4+int(keyLen)+nonceSize+len(plaintext)+16)

	priv, _ := testRSAKeys(t)
	asym, err := NewAsymmetric(&priv.PublicKey, nil)
	require.NoError(t, err)
	sealed, err = Seal(asym, plaintext)
	require.NoError(t, err)
	assert.Equal(t, uint32(priv.Size()), binary.BigEndian.Uint32(sealed[:4]))
}

func TestSeal_FreshKeyPerCall(t *testing.T) {
	km := symmetricKey(t)
	a, err := Seal(km, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(km, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpen_WrongKey(t *testing.T) {
	sealed, err := Seal(symmetricKey(t), []byte("secret"))
	require.NoError(t, err)
	_, err = Open(symmetricKey(t), sealed)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	privA, privB := testRSAKeys(t)
	encA, err := NewAsymmetric(&privA.PublicKey, nil)
	require.NoError(t, err)
	decB, err := NewAsymmetric(nil, privB)
	require.NoError(t, err)

	sealed, err = Seal(encA, []byte("secret"))
	require.NoError(t, err)
	_, err = Open(decB, sealed)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestOpen_Corrupt(t *testing.T) {
	km := symmetricKey(t)
	sealed, err := Seal(km, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = Open(km, tampered)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Open(km, sealed[:3])
	assert.ErrorIs(t, err, ErrCorrupt)

	bad := append([]byte(nil), sealed...)
	binary.BigEndian.PutUint32(bad[:4], 1<<30)
	_, err = Open(km, bad)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen_PublicKeyOnlyCannotDecrypt(t *testing.T) {
	priv, _ := testRSAKeys(t)
	km, err := NewAsymmetric(&priv.PublicKey, nil)
	require.NoError(t, err)

	sealed, err := Seal(km, []byte("x"))
	require.NoError(t, err)
	_, err = Open(km, sealed)
	assert.ErrorIs(t, err, ErrNoKey)
}
