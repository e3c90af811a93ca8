package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PasswordParams mirrors the ARGON2_TIME_COST / ARGON2_MEMORY_COST /
// ARGON2_PARALLELISM env vars.
type PasswordParams struct {
	TimeCost    uint32
	MemoryCostKB uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     uint32
}

func DefaultPasswordParams() PasswordParams {
	return PasswordParams{TimeCost: 2, MemoryCostKB: 65536, Parallelism: 1, KeyLen: 32, SaltLen: 16}
}

// HashPassword returns an encoded Argon2id hash in the conventional
// $argon2id$v=19$m=...,t=...,p=...$salt$hash form.
func HashPassword(password string, p PasswordParams) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, p.TimeCost, p.MemoryCostKB, p.Parallelism, p.KeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryCostKB, p.TimeCost, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// VerifyPassword performs a constant-time comparison against an Argon2id
// hash produced by HashPassword, rejecting outright on a mismatch rather
// than accepting any syntactically valid password.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unrecognized hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	var memKB uint32
	var timeCost uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memKB, &timeCost, &parallelism); err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, timeCost, memKB, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
