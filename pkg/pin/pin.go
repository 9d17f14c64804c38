// Package pin implements Argon2id hashing and verification for short numeric
// POS credentials. The PIN is the only secret available for offline
// authentication, so the hash parameters are deliberately memory-hard to make
// brute-forcing a stolen terminal database expensive.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"encoding/base64"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// Params defines the parameters for Argon2id hashing.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams returns secure default parameters for Argon2id,
// following the OWASP recommendation for memory-hard PIN storage.
func DefaultParams() *Params {
	return &Params{
		Memory:      64 * 1024, // 64 MB
		Iterations:  3,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// ValidateFormat checks that a credential is structurally valid: exactly
// length numeric digits. Malformed input is rejected before any hashing or
// store lookup happens.
func ValidateFormat(pin string, length int) error {
	if len(pin) != length {
		return fmt.Errorf("pin must be exactly %d digits", length)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("pin must be exactly %d digits", length)
		}
	}
	return nil
}

// Generate returns a cryptographically random PIN of the given length.
// The first digit is never zero, matching the remote system's PIN issuance.
func Generate(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("pin length must be positive, got %d", length)
	}

	var sb strings.Builder
	for i := 0; i < length; i++ {
		max := big.NewInt(10)
		if i == 0 {
			max = big.NewInt(9)
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate pin: %w", err)
		}
		digit := n.Int64()
		if i == 0 {
			digit++
		}
		sb.WriteByte(byte('0' + digit))
	}
	return sb.String(), nil
}

// Hash generates an Argon2id hash of the PIN.
func Hash(pin string, params *Params) (string, error) {
	if params == nil {
		params = DefaultParams()
	}

	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(pin),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		params.KeyLength,
	)

	// Encoded format: $argon2id$v=19$m=65536,t=3,p=4$salt$hash
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encodedHash := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		params.Memory,
		params.Iterations,
		params.Parallelism,
		b64Salt,
		b64Hash,
	)

	return encodedHash, nil
}

// Verify checks if the PIN matches the encoded hash in constant time.
func Verify(pin, encodedHash string) (bool, error) {
	params, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	otherHash := argon2.IDKey(
		[]byte(pin),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		params.KeyLength,
	)

	if subtle.ConstantTimeCompare(hash, otherHash) == 1 {
		return true, nil
	}
	return false, nil
}

// NeedsRehash reports whether the encoded hash was produced with parameters
// weaker than current. Callers should rehash after a successful verification.
func NeedsRehash(encodedHash string, current *Params) (bool, error) {
	if current == nil {
		current = DefaultParams()
	}
	params, _, _, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}
	return params.Memory != current.Memory ||
		params.Iterations != current.Iterations ||
		params.Parallelism != current.Parallelism, nil
}

// decodeHash extracts parameters, salt and hash from the encoded format.
func decodeHash(encodedHash string) (*Params, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, nil, nil, ErrIncompatibleVersion
	}

	params := &Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d",
		&params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return nil, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, ErrInvalidHash
	}
	params.SaltLength = uint32(len(salt))

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, ErrInvalidHash
	}
	params.KeyLength = uint32(len(hash))

	return params, salt, hash, nil
}
