package ambassador

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var errInvalidPasswordHash = errors.New("invalid password hash")

// argon2Params are the argon2id cost parameters, stored alongside the
// salt and key so they can change without invalidating existing hashes
type argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultArgon2Params = argon2Params{Memory: 64 * 1024, Time: 1, Threads: 4, KeyLen: 32}

func (p argon2Params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// encode formats the PHC string: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func (p argon2Params) encode(salt, key []byte) string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads, b64.EncodeToString(salt), b64.EncodeToString(key),
	)
}

// decodeArgon2Hash parses a string written by [argon2Params.encode]
func decodeArgon2Hash(encoded string) (p argon2Params, salt []byte, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errInvalidPasswordHash
	}
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %w", errInvalidPasswordHash, err)
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt", errInvalidPasswordHash)
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad key", errInvalidPasswordHash)
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// HashPassword hashes password with argon2id and a random salt
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultArgon2Params
	return p.encode(salt, p.key(password, salt)), nil
}

// VerifyPassword reports whether password matches the hash from
// [HashPassword]. An error means the hash itself is malformed.
func VerifyPassword(storedHash, password string) (bool, error) {
	p, salt, key, err := decodeArgon2Hash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, p.key(password, salt)) == 1, nil
}

// sessionKey stretches the configured secret to the 64 bytes
// securecookie wants for an HMAC-SHA512 key
func sessionKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}
