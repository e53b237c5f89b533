package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/monitoring"
	"github.com/hengadev/phisafe/internal/phierr"
)

var patientSSN = FieldContext{FieldName: "ssn", ResourceType: "patient", ResourceID: "patient-123"}

// recordingAuditor keeps events in memory and can be told to fail.
type recordingAuditor struct {
	mu     sync.Mutex
	ops    []audit.EncryptionOperation
	access []audit.PHIAccess
	fail   error
}

func (r *recordingAuditor) LogEncryptionOperation(ctx context.Context, op audit.EncryptionOperation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.ops = append(r.ops, op)
	return "evt", nil
}

func (r *recordingAuditor) LogPHIAccess(ctx context.Context, access audit.PHIAccess) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.access = append(r.access, access)
	return "evt", nil
}

func (r *recordingAuditor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops) + len(r.access)
}

func newTestManager(t *testing.T) *keys.Manager {
	t.Helper()
	source, err := keys.NewLocalSource()
	require.NoError(t, err)
	m, err := keys.NewManager(context.Background(), source, keys.NewMemoryStateStore(), nil)
	require.NoError(t, err)
	return m
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *keys.Manager, *recordingAuditor) {
	t.Helper()
	m := newTestManager(t)
	rec := &recordingAuditor{}
	e, err := NewEngine(m, rec, opts...)
	require.NoError(t, err)
	return e, m, rec
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(nil, &recordingAuditor{})
	assert.ErrorIs(t, err, phierr.ErrInvalidConfiguration)
	_, err = NewEngine(newTestManager(t), nil)
	assert.ErrorIs(t, err, phierr.ErrInvalidConfiguration)
}

func TestEncryptDecryptField(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()

	token, err := e.EncryptField(ctx, "123-45-6789", patientSSN)
	require.NoError(t, err)
	assert.NotContains(t, token, "123-45-6789")

	require.Len(t, rec.ops, 1)
	assert.Equal(t, audit.OpEncrypt, rec.ops[0].Operation)
	assert.Equal(t, []string{"ssn"}, rec.ops[0].FieldNames)
	assert.Equal(t, "patient-123", rec.ops[0].ResourceID)
	assert.Equal(t, 1, rec.ops[0].KeyVersion)
	assert.True(t, rec.ops[0].Success)

	plaintext, err := e.DecryptField(ctx, token, patientSSN)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", plaintext)

	require.Len(t, rec.access, 1)
	assert.Equal(t, audit.OpDecrypt, rec.access[0].Operation)
	assert.True(t, rec.access[0].Success)
	assert.Len(t, rec.ops, 1, "decrypt records a single PHI access event")

	other, err := e.EncryptField(ctx, "123-45-6789", patientSSN)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestEncryptField_EmptyString(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()

	token, err := e.EncryptField(ctx, "", patientSSN)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := e.DecryptField(ctx, token, patientSSN)
	require.NoError(t, err)
	assert.Equal(t, "", got)
	assert.Equal(t, 2, rec.count())
}

func TestFieldContextValidation(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()

	_, err := e.EncryptField(ctx, "x", FieldContext{ResourceType: "patient"})
	assert.ErrorIs(t, err, phierr.ErrEncryption)
	_, err = e.EncryptField(ctx, "x", FieldContext{FieldName: "ssn"})
	assert.ErrorIs(t, err, phierr.ErrEncryption)
	_, err = e.DecryptField(ctx, "x", FieldContext{FieldName: "ssn"})
	assert.ErrorIs(t, err, phierr.ErrDecryption)

	assert.Zero(t, rec.count())
}

func TestDecryptField_TamperedToken(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()

	token, err := e.EncryptField(ctx, "secret", patientSSN)
	require.NoError(t, err)
	raw, err := tokenEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[headerSize] ^= 0xFF
	tampered := tokenEncoding.EncodeToString(raw)

	_, err = e.DecryptField(ctx, tampered, patientSSN)
	assert.ErrorIs(t, err, phierr.ErrDecryption)
	assert.NotContains(t, err.Error(), "hmac")

	require.Len(t, rec.access, 1)
	assert.False(t, rec.access[0].Success)
	assert.Equal(t, "decryption failed", rec.access[0].ErrorDetail)
}

func TestDecryptField_RotationGraceWindow(t *testing.T) {
	e, m, _ := newTestEngine(t)
	ctx := context.Background()

	v1Token, err := e.EncryptField(ctx, "allergic to penicillin", patientSSN)
	require.NoError(t, err)

	_, _, err = m.RotateKey(ctx)
	require.NoError(t, err)

	got, err := e.DecryptField(ctx, v1Token, patientSSN)
	require.NoError(t, err, "previous key still decrypts")
	assert.Equal(t, "allergic to penicillin", got)

	v2Token, err := e.EncryptField(ctx, "allergic to penicillin", patientSSN)
	require.NoError(t, err)

	_, _, err = m.RotateKey(ctx)
	require.NoError(t, err)

	_, err = e.DecryptField(ctx, v1Token, patientSSN)
	assert.ErrorIs(t, err, phierr.ErrDecryption, "two rotations retire v1")

	got, err = e.DecryptField(ctx, v2Token, patientSSN)
	require.NoError(t, err)
	assert.Equal(t, "allergic to penicillin", got)
}

func TestEngine_FailsClosedOnAudit(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()

	token, err := e.EncryptField(ctx, "123-45-6789", patientSSN)
	require.NoError(t, err)

	rec.fail = phierr.NewAuditWriteError("PHI_ACCESS", errors.New("store offline"))

	plaintext, err := e.DecryptField(ctx, token, patientSSN)
	assert.ErrorIs(t, err, phierr.ErrAuditWrite)
	assert.Empty(t, plaintext)

	out, err := e.EncryptField(ctx, "123-45-6789", patientSSN)
	assert.ErrorIs(t, err, phierr.ErrAuditWrite)
	assert.Empty(t, out)

	_, err = e.DecryptField(ctx, "garbage", patientSSN)
	assert.ErrorIs(t, err, phierr.ErrAuditWrite)
	assert.ErrorIs(t, err, phierr.ErrDecryption)
}

func TestEncryptField_EntropyFailure(t *testing.T) {
	e, _, rec := newTestEngine(t, WithRandom(strings.NewReader("")))

	_, err := e.EncryptField(context.Background(), "x", patientSSN)
	assert.ErrorIs(t, err, phierr.ErrEncryption)

	require.Len(t, rec.ops, 1)
	assert.False(t, rec.ops[0].Success)
	assert.Equal(t, "encryption failed", rec.ops[0].ErrorDetail)
}

func TestEncryptJSON(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()
	fc := FieldContext{FieldName: "medications", ResourceType: "patient", ResourceID: "p1"}

	type medication struct {
		Name string `json:"name"`
		Dose string `json:"dose"`
	}
	in := []medication{{Name: "metformin", Dose: "500mg"}, {Name: "lisinopril", Dose: "10mg"}}

	token, err := e.EncryptJSON(ctx, in, fc)
	require.NoError(t, err)

	generic, err := e.DecryptJSON(ctx, token, fc)
	require.NoError(t, err)
	list, ok := generic.([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "metformin", list[0].(map[string]any)["name"])

	var out []medication
	require.NoError(t, e.DecryptJSONInto(ctx, token, fc, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, 3, rec.count())

	_, err = e.EncryptJSON(ctx, make(chan int), fc)
	assert.ErrorIs(t, err, phierr.ErrEncryption)
}

func TestDecryptJSONInto_UndecodableAuditsFailure(t *testing.T) {
	type record struct {
		MRN int64 `json:"mrn"`
	}
	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "not json", plaintext: "not json"},
		{name: "type mismatch", plaintext: `{"mrn":"abc"}`},
		{name: "truncated", plaintext: `{"mrn":1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, rec := newTestEngine(t)
			ctx := context.Background()

			token, err := e.EncryptField(ctx, tt.plaintext, patientSSN)
			require.NoError(t, err)

			out := record{MRN: 42}
			err = e.DecryptJSONInto(ctx, token, patientSSN, &out)
			assert.ErrorIs(t, err, phierr.ErrDecryption)
			assert.Equal(t, int64(42), out.MRN, "target untouched on failure")

			require.Len(t, rec.access, 1)
			assert.False(t, rec.access[0].Success)
			assert.Equal(t, "decryption failed", rec.access[0].ErrorDetail)
			assert.Equal(t, 1, rec.access[0].KeyVersion)
		})
	}
}

func TestDecryptJSONInto_RequiresPointer(t *testing.T) {
	e, _, rec := newTestEngine(t)
	ctx := context.Background()
	token, err := e.EncryptJSON(ctx, map[string]int{"a": 1}, patientSSN)
	require.NoError(t, err)

	var out map[string]int
	assert.ErrorIs(t, e.DecryptJSONInto(ctx, token, patientSSN, out), phierr.ErrDecryption)
	assert.ErrorIs(t, e.DecryptJSONInto(ctx, token, patientSSN, nil), phierr.ErrDecryption)
	assert.Empty(t, rec.access)
}

func TestEncryptJSON_NumberRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "int64 max", in: `9223372036854775807`},
		{name: "int64 min", in: `-9223372036854775808`},
		{name: "above 2^53", in: `9007199254740993`},
		{name: "negative", in: `-42`},
		{name: "in array", in: `[1,9007199254740993,-12345678901234567]`},
		{name: "in object", in: `{"count":3,"insurance_member_id":12345678901234567}`},
		{name: "deeply nested", in: `{"a":[{"b":{"c":[18446744073709551615]}}]}`},
		{name: "fraction", in: `{"temp":-0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			ctx := context.Background()

			token, err := e.EncryptJSON(ctx, json.RawMessage(tt.in), patientSSN)
			require.NoError(t, err)

			plaintext, err := e.DecryptField(ctx, token, patientSSN)
			require.NoError(t, err)
			assert.Equal(t, tt.in, plaintext)

			var doc json.RawMessage
			require.NoError(t, e.DecryptJSONInto(ctx, token, patientSSN, &doc))
			assert.JSONEq(t, tt.in, string(doc))
		})
	}
}

func TestEncryptJSON_TypedLargeIntegers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	type record struct {
		MRN      int64   `json:"mrn"`
		MemberID uint64  `json:"member_id"`
		Balance  int64   `json:"balance"`
		Codes    []int64 `json:"codes"`
	}
	in := record{
		MRN:      9007199254740993,
		MemberID: 18446744073709551615,
		Balance:  -9007199254740993,
		Codes:    []int64{12345678901234567, -1},
	}
	token, err := e.EncryptJSON(ctx, in, patientSSN)
	require.NoError(t, err)

	var out record
	require.NoError(t, e.DecryptJSONInto(ctx, token, patientSSN, &out))
	assert.Equal(t, in, out)
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "sorted keys",
			in:   map[string]any{"b": 1, "a": map[string]any{"z": true, "y": nil}},
			want: `{"a":{"y":null,"z":true},"b":1}`,
		},
		{
			name: "large integers kept exact",
			in:   map[string]any{"mrn": int64(9007199254740993), "ids": []uint64{18446744073709551615}},
			want: `{"ids":[18446744073709551615],"mrn":9007199254740993}`,
		},
		{
			name: "raw document re-sorted",
			in:   json.RawMessage(`{"z": -12345678901234567, "a": 1.50}`),
			want: `{"a":1.50,"z":-12345678901234567}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := canonicalJSON(json.RawMessage(`{"a":1} {"b":2}`))
	assert.Error(t, err, "trailing data is rejected")
}

func TestDeterministic(t *testing.T) {
	e, m, rec := newTestEngine(t)
	ctx := context.Background()
	fc := FieldContext{FieldName: "email", ResourceType: "patient"}

	a, err := e.EncryptDeterministic(ctx, "jane@example.com", fc)
	require.NoError(t, err)
	b, err := e.EncryptDeterministic(ctx, "jane@example.com", fc)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	search, err := e.SearchToken("jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, a, search)
	assert.Equal(t, 2, rec.count(), "search tokens are not audited as writes")

	master := m.CurrentKey()
	_, err = Open(master.Material, a)
	assert.Error(t, err, "deterministic tokens use the derived search key")

	got, err := e.DecryptDeterministic(ctx, a, fc)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", got)

	_, _, err = m.RotateKey(ctx)
	require.NoError(t, err)

	got, err = e.DecryptDeterministic(ctx, a, fc)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", got)

	c, err := e.EncryptDeterministic(ctx, "jane@example.com", fc)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "a new master key changes search tokens")
}

func TestEngine_ConcurrentWithRotation(t *testing.T) {
	e, m, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				token, err := e.EncryptField(ctx, "value", patientSSN)
				if err != nil {
					errs <- err
					return
				}
				if _, err := e.DecryptField(ctx, token, patientSSN); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	// A single rotation keeps every in-flight token within the grace window.
	_, _, err := m.RotateKey(ctx)
	require.NoError(t, err)

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEngine_Observability(t *testing.T) {
	collector := monitoring.NewInMemoryMetricsCollector()
	e, _, _ := newTestEngine(t, WithObservability(monitoring.NewMetricsObservabilityHook(collector)))
	ctx := context.Background()

	token, err := e.EncryptField(ctx, "x", patientSSN)
	require.NoError(t, err)
	_, err = e.DecryptField(ctx, token+"A", patientSSN)
	require.Error(t, err)

	var succeeded, failed int64
	for k, v := range collector.Snapshot() {
		switch {
		case strings.HasPrefix(k, "phisafe.operation.succeeded"):
			succeeded += v
		case strings.HasPrefix(k, "phisafe.operation.failed"):
			failed += v
		}
	}
	assert.Equal(t, int64(1), succeeded)
	assert.Equal(t, int64(1), failed)
}
