package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityAttestation_Passed(t *testing.T) {
	for _, tt := range []struct {
		att  SecurityAttestation
		want bool
	}{
		{SecurityAttestation{}, true},
		{SecurityAttestation{PersonalData: true}, false},
		{SecurityAttestation{KVKKViolation: true}, false},
		{SecurityAttestation{SensitiveData: true}, false},
		{SecurityAttestation{PersonalData: true, KVKKViolation: true, SensitiveData: true}, false},
	} {
		assert.Equal(t, tt.want, tt.att.Passed(), "%+v", tt.att)
	}
}

func TestQualityRule_Validate(t *testing.T) {
	five := 5
	neg := -1
	lo, hi := 1.0, 10.0

	tests := []struct {
		name    string
		rule    QualityRule
		wantErr bool
	}{
		{"not null", QualityRule{Column: "a", Kind: RuleNotNull}, false},
		{"min length", QualityRule{Column: "a", Kind: RuleMinLength, Params: RuleParams{MinLength: &five}}, false},
		{"min length missing", QualityRule{Column: "a", Kind: RuleMinLength}, true},
		{"max length negative", QualityRule{Column: "a", Kind: RuleMaxLength, Params: RuleParams{MaxLength: &neg}}, true},
		{"range", QualityRule{Column: "a", Kind: RuleRange, Params: RuleParams{MinValue: &lo, MaxValue: &hi}}, false},
		{"range inverted", QualityRule{Column: "a", Kind: RuleRange, Params: RuleParams{MinValue: &hi, MaxValue: &lo}}, true},
		{"regex", QualityRule{Column: "a", Kind: RuleRegex, Params: RuleParams{Pattern: `^\d+$`}}, false},
		{"regex broken", QualityRule{Column: "a", Kind: RuleRegex, Params: RuleParams{Pattern: `(`}}, true},
		{"allowed values blank", QualityRule{Column: "a", Kind: RuleAllowedValues, Params: RuleParams{AllowedValues: []string{" ", ""}}}, true},
		{"unknown", QualityRule{Column: "a", Kind: "bogus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rule.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQualityRule_ValidateNormalizes(t *testing.T) {
	five := 5
	got, err := QualityRule{
		Column: "city",
		Kind:   RuleAllowedValues,
		Params: RuleParams{MinLength: &five, AllowedValues: []string{" ankara", "izmir ", "ankara", ""}},
	}.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"ankara", "izmir"}, got.Params.AllowedValues)
	assert.Nil(t, got.Params.MinLength)
}

func TestSubmissionPackage_CloneIsDeep(t *testing.T) {
	p := SubmissionPackage{
		Columns:      []string{"a", "b"},
		FileBytes:    []byte("a,b"),
		Metadata:     ColumnMetadata{"a": "first"},
		QualityRules: map[string]QualityRule{"a": {Column: "a", Kind: RuleAllowedValues, Params: RuleParams{AllowedValues: []string{"x"}}}},
	}
	c := p.Clone()
	c.Columns[0] = "z"
	c.FileBytes[0] = 'z'
	c.Metadata["a"] = "changed"
	c.QualityRules["a"].Params.AllowedValues[0] = "y"

	assert.Equal(t, "a", p.Columns[0])
	assert.Equal(t, byte('a'), p.FileBytes[0])
	assert.Equal(t, "first", p.Metadata["a"])
	assert.Equal(t, "x", p.QualityRules["a"].Params.AllowedValues[0])
}

func TestSizeMB(t *testing.T) {
	assert.Equal(t, 0.0, SizeMB(3))
	assert.Equal(t, 1.0, SizeMB(1024*1024))
	assert.Equal(t, 1.5, SizeMB(1024*1024*3/2))
}
