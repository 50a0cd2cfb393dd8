package pii

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== CODEC ROUND TRIP =====

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec("test-secret-key")
	require.NoError(t, err)

	for _, doc := range []string{"12345678Z", "GOME900515HDFMRL09", "529.982.247-25"} {
		token, err := codec.Encrypt(doc)
		require.NoError(t, err)
		assert.NotEqual(t, doc, token)

		plain, err := codec.Decrypt(token)
		require.NoError(t, err)
		assert.Equal(t, doc, plain)
	}
}

func TestCodecEmptyPassthrough(t *testing.T) {
	codec, err := NewCodec("test-secret-key")
	require.NoError(t, err)

	token, err := codec.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", token)

	plain, err := codec.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestCodecNondeterministic(t *testing.T) {
	codec, err := NewCodec("test-secret-key")
	require.NoError(t, err)

	a, err := codec.Encrypt("12345678Z")
	require.NoError(t, err)
	b, err := codec.Encrypt("12345678Z")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestCodecRejectsTamperedToken(t *testing.T) {
	codec, err := NewCodec("test-secret-key")
	require.NoError(t, err)

	token, err := codec.Encrypt("12345678Z")
	require.NoError(t, err)

	tampered := "A" + token[1:]
	_, err = codec.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = codec.Decrypt("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCodecKeysDiffer(t *testing.T) {
	a, err := NewCodec("secret-one")
	require.NoError(t, err)
	b, err := NewCodec("secret-two")
	require.NoError(t, err)

	token, err := a.Encrypt("12345678Z")
	require.NoError(t, err)

	_, err = b.Decrypt(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewCodecEmptySecret(t *testing.T) {
	_, err := NewCodec("")
	assert.Error(t, err)
}

// ===== DOCUMENT HASHING =====

func TestHashDocumentNormalizes(t *testing.T) {
	assert.Equal(t, HashDocument("12345678z", "ES"), HashDocument("12345678Z", "ES"))
	assert.Equal(t, HashDocument("529.982.247-25", "BR"), HashDocument("52998224725", "BR"))
	assert.Equal(t, HashDocument(" 1 234 5678 Z ", "ES"), HashDocument("12345678Z", "ES"))
	assert.Equal(t, HashDocument("12345678Z", "es"), HashDocument("12345678Z", "ES"),
		"country case must not change the digest")
	assert.NotEqual(t, HashDocument("12345678Z", "ES"), HashDocument("12345679Z", "ES"))
	assert.NotEqual(t, HashDocument("12345678Z", "ES"), HashDocument("12345678Z", "MX"),
		"same document in different jurisdictions hashes differently")
	assert.Len(t, HashDocument("12345678Z", "ES"), 64)
}

func TestMaskDocument(t *testing.T) {
	assert.Equal(t, "*****678Z", MaskDocument("12345678Z"))
	assert.Equal(t, "***", MaskDocument("abc"))
	assert.Equal(t, "", MaskDocument(""))
	assert.True(t, strings.HasSuffix(MaskDocument("GOME900515HDFMRL09"), "RL09"))
}

func BenchmarkEncrypt(b *testing.B) {
	codec, _ := NewCodec("bench-secret")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encrypt("GOME900515HDFMRL09")
	}
}
