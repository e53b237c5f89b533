// Package phisafe protects Protected Health Information at rest.
//
// A Service ties together the key manager, the Fernet encryption engine,
// the append-only audit logger, encrypted column codecs and the compliance
// reporter. Every encrypt and decrypt is audited before its result is
// released; if the audit event cannot be committed the caller gets an error
// and no data.
//
// # Quick Start
//
//	cfg, err := phisafe.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := phisafe.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	ssn, err := svc.Column(phisafe.ColumnSpec{FieldName: "ssn", ResourceType: "patient"})
//	ctx = phisafe.WithActor(ctx, phisafe.Actor{UserID: "dr-42"})
//	stored, err := ssn.Encode(ctx, "patient-7", &plaintext)
//
// # Absent values
//
// Columns take *string. A nil pointer is an absent value: it passes through
// untouched and nothing is audited. An empty string is a value like any
// other and is encrypted and audited.
//
// # Key management
//
// Master keys come from a KeySource chosen once in the configuration:
// "local", "aws-kms" or "vault-transit". Tokens written under the previous
// key stay readable for one rotation.
package phisafe
