package totp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_GenerateAndValidate(t *testing.T) {
	g := NewGenerator()
	k, err := g.Generate("Discard", "card-1234")
	require.NoError(t, err)
	assert.NotEmpty(t, k.Secret)
	assert.True(t, strings.HasPrefix(k.OTPAuthURL, "otpauth://totp/"))
	assert.Contains(t, k.OTPAuthURL, "issuer=Discard")

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	code, err := g.Code(k.Secret, now)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	assert.True(t, g.Validate(code, k.Secret, now))
	assert.True(t, g.Validate(code, k.Secret, now.Add(30*time.Second)), "one step late")
	assert.True(t, g.Validate(code, k.Secret, now.Add(-30*time.Second)), "one step early")
	assert.False(t, g.Validate(code, k.Secret, now.Add(90*time.Second)), "outside window")
	assert.False(t, g.Validate("000000x", k.Secret, now))
}

func TestGenerator_QRDataURL(t *testing.T) {
	url, err := NewGenerator().QRDataURL("otpauth://totp/Discard:card?secret=JBSWY3DPEHPK3PXP&issuer=Discard")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
}
