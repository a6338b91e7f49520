package cardctx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "card-context-v1"

// Deriver computes card context hashes. Each user gets a key derived from
// the master secret with HKDF, so hashes of one user's cards say nothing
// about another's, and none can be computed without the master secret.
type Deriver struct {
	master []byte
}

func NewDeriver(master []byte) (*Deriver, error) {
	if len(master) < 32 {
		return nil, errors.New("cardctx: master secret must be at least 32 bytes")
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &Deriver{master: cp}, nil
}

func (d *Deriver) userKey(userID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, d.master, []byte(userID), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Hash returns hex(HMAC-SHA256(userKey(userID), cardID)).
func (d *Deriver) Hash(userID, cardID string) (string, error) {
	key, err := d.userKey(userID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("card:" + cardID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
