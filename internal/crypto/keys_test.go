package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestKeyPairRoundTrip(t *testing.T) {
	pubB64, privB64, err := GenerateKeyPair()
	require.NoError(t, err)

	pub, err := ValidatePublicKey(pubB64)
	require.NoError(t, err)
	priv, err := ValidatePrivateKey(privB64)
	require.NoError(t, err)

	sig := ed25519.Sign(priv, []byte("payload"))
	assert.True(t, ed25519.Verify(pub, []byte("payload"), sig))

	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	fromSeed, err := ValidatePrivateKey(seed)
	require.NoError(t, err)
	assert.Equal(t, priv, fromSeed)
}

func TestValidateKeyErrors(t *testing.T) {
	_, err := ValidatePublicKey("not base64!")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ValidatePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ValidatePrivateKey(base64.StdEncoding.EncodeToString(make([]byte, 40)))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestAdminTokenHash(t *testing.T) {
	hash, err := HashAdminToken("hunter2")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)

	assert.NoError(t, VerifyAdminToken(hash, "hunter2"))
	assert.ErrorIs(t, VerifyAdminToken(hash, "hunter3"), ErrTokenMismatch)
	assert.ErrorIs(t, VerifyAdminToken("garbage", "hunter2"), ErrTokenMismatch)
}
