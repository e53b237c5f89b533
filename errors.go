package phisafe

import (
	"errors"

	"github.com/hengadev/phisafe/internal/phierr"
)

var (
	ErrKeyManager           = phierr.ErrKeyManager
	ErrKeyRestore           = phierr.ErrKeyRestore
	ErrDecryption           = phierr.ErrDecryption
	ErrEncryption           = phierr.ErrEncryption
	ErrAuditWrite           = phierr.ErrAuditWrite
	ErrComplianceCheck      = phierr.ErrComplianceCheck
	ErrInvalidConfiguration = phierr.ErrInvalidConfiguration
)

// IsCryptoError reports whether err came from the cipher or the keyring.
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrEncryption) ||
		errors.Is(err, ErrDecryption) ||
		errors.Is(err, ErrKeyManager) ||
		errors.Is(err, ErrKeyRestore)
}

// IsAuditError reports whether an audit event could not be committed. The
// operation's result was withheld.
func IsAuditError(err error) bool {
	return errors.Is(err, ErrAuditWrite)
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
