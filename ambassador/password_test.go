package ambassador

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	t.Parallel()
	for _, password := range []string{
		"password123",
		"C0mpl3x!P@ssw0rd",
		"",
		"пароль123",
		strings.Repeat("a", 1000),
	} {
		hash, err := HashPassword(password)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"), hash)

		valid, err := VerifyPassword(hash, password)
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = VerifyPassword(hash, password+"wrong")
		require.NoError(t, err)
		assert.False(t, valid)
	}

	first, err := HashPassword("samepassword")
	require.NoError(t, err)
	second, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "hashes are salted")
}

func TestVerifyPassword_CustomParams(t *testing.T) {
	p := argon2Params{Memory: 8 * 1024, Time: 2, Threads: 1, KeyLen: 16}
	salt := []byte("0123456789abcdef")
	hash := p.encode(salt, p.key("hunter2", salt))

	decoded, decodedSalt, key, err := decodeArgon2Hash(hash)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
	assert.Equal(t, salt, decodedSalt)
	assert.Len(t, key, 16)

	valid, err := VerifyPassword(hash, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	for _, hash := range []string{
		"not a valid hash",
		"$bcrypt$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64!$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$invalidbase64!",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
	} {
		t.Run(
			hash, func(t *testing.T) {
				_, err := VerifyPassword(hash, "anypassword")
				assert.ErrorIs(t, err, errInvalidPasswordHash)
			},
		)
	}
}

func TestSessionKey(t *testing.T) {
	key := sessionKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, sessionKey("secret"))
	assert.NotEqual(t, key, sessionKey("other"))
}
