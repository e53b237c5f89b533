package phierr

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyManager covers key generation, derivation, rotation and lookup failures.
	ErrKeyManager = errors.New("key manager failure")
	// ErrKeyRestore is returned when a backup artifact is invalid or inconsistent.
	ErrKeyRestore = errors.New("key restore failed")
	// ErrDecryption is returned for every unreadable token, whatever the cause.
	ErrDecryption = errors.New("decryption failed")
	// ErrEncryption covers serialization and cipher failures on the write path.
	ErrEncryption = errors.New("encryption failed")
	// ErrAuditWrite is returned when an audit event could not be committed.
	ErrAuditWrite = errors.New("audit write failed")
	// ErrComplianceCheck marks a validator that crashed, as opposed to one that failed.
	ErrComplianceCheck = errors.New("compliance check error")
	// ErrInvalidConfiguration marks configuration problems detected at construction time.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

func NewKeyManagerError(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrKeyManager, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrKeyManager, op, err)
}

func NewKeyRestoreError(reason string) error {
	return fmt.Errorf("%w: %s", ErrKeyRestore, reason)
}

// NewDecryptionError deliberately drops the cause so callers cannot tell a
// tampered token from a wrong key.
func NewDecryptionError(fieldName string) error {
	if fieldName == "" {
		return ErrDecryption
	}
	return fmt.Errorf("%w: field '%s'", ErrDecryption, fieldName)
}

func NewEncryptionError(fieldName string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: field '%s'", ErrEncryption, fieldName)
	}
	return fmt.Errorf("%w: field '%s': %w", ErrEncryption, fieldName, err)
}

func NewAuditWriteError(eventType string, err error) error {
	return fmt.Errorf("%w: %s event: %w", ErrAuditWrite, eventType, err)
}

func NewComplianceCheckError(category string, cause any) error {
	if err, ok := cause.(error); ok {
		return fmt.Errorf("%w: %s: %w", ErrComplianceCheck, category, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrComplianceCheck, category, cause)
}
