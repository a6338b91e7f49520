// Package totp generates and checks RFC 6238 codes and renders otpauth URLs
// as QR images.
package totp

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	pqtotp "github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

const (
	Period = 30
	Skew   = 1
	qrSize = 256
)

// Key is a newly generated shared secret.
type Key struct {
	Secret     string // base32
	OTPAuthURL string
}

// Generator issues TOTP secrets and validates codes against them.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

func validateOpts() pqtotp.ValidateOpts {
	return pqtotp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Generate creates a secret labelled with issuer and account.
func (g *Generator) Generate(issuer, account string) (*Key, error) {
	k, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return &Key{Secret: k.Secret(), OTPAuthURL: k.URL()}, nil
}

// QRDataURL renders url as a PNG data URL.
func (g *Generator) QRDataURL(url string) (string, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Validate reports whether code matches secret at t, allowing one step of
// drift either side.
func (g *Generator) Validate(code, secret string, t time.Time) bool {
	ok, err := pqtotp.ValidateCustom(code, secret, t, validateOpts())
	return err == nil && ok
}

// Code returns the code for secret at t.
func (g *Generator) Code(secret string, t time.Time) (string, error) {
	return pqtotp.GenerateCodeCustom(secret, t, validateOpts())
}
