package authn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"totp", "biometric", "backup_code"} {
		m, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, Method(s), m)
	}

	_, err := ParseMethod("sms")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
}

func TestMethod_Strength(t *testing.T) {
	assert.Less(t, MethodBackupCode.Strength(), MethodTOTP.Strength())
	assert.Less(t, MethodTOTP.Strength(), MethodBiometric.Strength())
	assert.Zero(t, Method("sms").Strength())
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds.Validate())
	assert.NoError(t, Thresholds{Low: 0, Medium: 0, High: 100}.Validate())

	assert.ErrorIs(t, Thresholds{Low: 60, Medium: 50, High: 75}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{Low: 25, Medium: 80, High: 75}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{Low: -1, Medium: 50, High: 75}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{Low: 25, Medium: 50, High: 101}.Validate(), ErrInvalidThresholds)
}

func TestDefaultConfiguration(t *testing.T) {
	cfg := DefaultConfiguration("abc")
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.RiskBasedEnabled)
	assert.Equal(t, DefaultThresholds, cfg.Thresholds)
	assert.Equal(t, "abc", cfg.CardContextHash)
}
