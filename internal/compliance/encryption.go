package compliance

import (
	"github.com/hengadev/phisafe/internal/crypto"
)

// MethodFernet names the token format produced by the crypto engine.
const MethodFernet = "fernet-aes128-cbc-hmac-sha256"

// DefaultRotationThresholdDays is the key age at which rotation is due.
const DefaultRotationThresholdDays = 90

// EncryptionContext describes what the sample should look like.
type EncryptionContext struct {
	ExpectedMethod        string
	KeyAgeDays            int
	RotationThresholdDays int
}

type EncryptionValidation struct {
	IsEncrypted       bool     `json:"is_encrypted"`
	EncryptionMethod  string   `json:"encryption_method"`
	KeyRotationStatus string   `json:"key_rotation_status"`
	ComplianceStatus  Status   `json:"compliance_status"`
	ChecksPerformed   []string `json:"checks_performed"`
	FailedChecks      []string `json:"failed_checks"`
}

// Result converts the validation into a report entry.
func (v EncryptionValidation) Result(subject string) Result {
	return newResult(CategoryEncryption, subject, v.ChecksPerformed, v.FailedChecks)
}

// ValidateDataEncryption inspects a stored value. A sample is considered
// encrypted when it has the structure of an engine token; the token is not
// authenticated here.
func ValidateDataEncryption(sample string, ec EncryptionContext) EncryptionValidation {
	if ec.ExpectedMethod == "" {
		ec.ExpectedMethod = MethodFernet
	}
	if ec.RotationThresholdDays <= 0 {
		ec.RotationThresholdDays = DefaultRotationThresholdDays
	}

	v := EncryptionValidation{
		EncryptionMethod:  "none",
		KeyRotationStatus: RotationCurrent,
		ChecksPerformed:   []string{"encryption_present", "encryption_method", "key_rotation"},
		FailedChecks:      []string{},
	}

	if _, ok := crypto.TokenTimestamp(sample); ok {
		v.IsEncrypted = true
		v.EncryptionMethod = MethodFernet
	} else {
		v.FailedChecks = append(v.FailedChecks, CodeDataNotEncrypted)
	}

	if v.IsEncrypted && v.EncryptionMethod != ec.ExpectedMethod {
		v.FailedChecks = append(v.FailedChecks, CodeEncryptionMethodMismatch)
	}

	if ec.KeyAgeDays >= ec.RotationThresholdDays {
		v.KeyRotationStatus = RotationRequired
		v.FailedChecks = append(v.FailedChecks, CodeKeyRotation)
	}

	v.ComplianceStatus = StatusPass
	if len(v.FailedChecks) > 0 {
		v.ComplianceStatus = StatusFail
	}
	return v
}
