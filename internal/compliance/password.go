package compliance

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/hengadev/errsx"
	"golang.org/x/crypto/argon2"
)

// PasswordPolicy holds the password rules. Zero values are replaced by
// defaults in Validate.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSpecial   bool
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        12,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
		RequireSpecial:   true,
	}
}

type PasswordValidation struct {
	UserID          string   `json:"user_id"`
	IsCompliant     bool     `json:"is_compliant"`
	ChecksPerformed []string `json:"checks_performed"`
	FailedChecks    []string `json:"failed_checks"`
}

func (v PasswordValidation) Result() Result {
	return newResult(CategoryPassword, v.UserID, v.ChecksPerformed, v.FailedChecks)
}

// PasswordHistory returns the stored argon2id hashes of a user's previous
// passwords.
type PasswordHistory interface {
	Hashes(userID string) ([]string, error)
}

// Validate applies the policy to password. The history check is skipped
// when history is nil. A history lookup error is returned as is.
func (p PasswordPolicy) Validate(password, userID string, history PasswordHistory) (PasswordValidation, error) {
	if p.MinLength <= 0 {
		p.MinLength = DefaultPasswordPolicy().MinLength
	}

	v := PasswordValidation{UserID: userID, FailedChecks: []string{}}
	check := func(name string, failed bool, code string) {
		v.ChecksPerformed = append(v.ChecksPerformed, name)
		if failed {
			v.FailedChecks = append(v.FailedChecks, code)
		}
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			special = true
		}
	}

	check("min_length", utf8.RuneCountInString(password) < p.MinLength, CodePasswordTooShort)
	if p.RequireUppercase {
		check("uppercase", !upper, CodeMissingUppercase)
	}
	if p.RequireLowercase {
		check("lowercase", !lower, CodeMissingLowercase)
	}
	if p.RequireNumbers {
		check("numbers", !digit, CodeMissingNumbers)
	}
	if p.RequireSpecial {
		check("special_chars", !special, CodeMissingSpecialChars)
	}

	if history != nil && userID != "" {
		hashes, err := history.Hashes(userID)
		if err != nil {
			return PasswordValidation{}, fmt.Errorf("password history: %w", err)
		}
		reused := false
		for _, h := range hashes {
			ok, err := VerifyPassword(password, h)
			if err != nil {
				return PasswordValidation{}, fmt.Errorf("password history: %w", err)
			}
			if ok {
				reused = true
				break
			}
		}
		check("history", reused, CodePasswordReused)
	}

	v.IsCompliant = len(v.FailedChecks) == 0
	return v, nil
}

// Argon2Params are the argon2id parameters used for password history hashes.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024, // 64MB
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate checks the parameters are within acceptable ranges.
func (a Argon2Params) Validate() error {
	errs := errsx.Map{}
	if a.Memory < 8192 {
		errs.Set("memory", fmt.Errorf("memory must be at least 8192 KiB, got %d", a.Memory))
	}
	if a.Iterations < 2 {
		errs.Set("iterations", fmt.Errorf("iterations must be at least 2, got %d", a.Iterations))
	}
	if a.Parallelism < 1 {
		errs.Set("parallelism", fmt.Errorf("parallelism must be at least 1, got %d", a.Parallelism))
	}
	if a.SaltLength < 16 {
		errs.Set("saltLength", fmt.Errorf("salt length must be at least 16 bytes, got %d", a.SaltLength))
	}
	if a.KeyLength < 32 {
		errs.Set("keyLength", fmt.Errorf("key length must be at least 32 bytes, got %d", a.KeyLength))
	}
	return errs.AsError()
}

// HashPassword returns an encoded argon2id hash:
// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
func HashPassword(password string, params Argon2Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	salt := make([]byte, params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		params.Memory,
		params.Iterations,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword reports whether password matches the encoded hash.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version")
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return false, fmt.Errorf("invalid argon2 parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("invalid salt encoding: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("invalid hash encoding")
	}

	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// MemoryPasswordHistory keeps the last Size hashes per user.
type MemoryPasswordHistory struct {
	mu     sync.RWMutex
	size   int
	params Argon2Params
	hashes map[string][]string
}

func NewMemoryPasswordHistory(size int, params Argon2Params) (*MemoryPasswordHistory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("history size must be positive, got %d", size)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &MemoryPasswordHistory{size: size, params: params, hashes: make(map[string][]string)}, nil
}

// Record hashes password and appends it to the user's history.
func (m *MemoryPasswordHistory) Record(userID, password string) error {
	h, err := HashPassword(password, m.params)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.hashes[userID], h)
	if len(list) > m.size {
		list = list[len(list)-m.size:]
	}
	m.hashes[userID] = list
	return nil
}

func (m *MemoryPasswordHistory) Hashes(userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.hashes[userID]...), nil
}
