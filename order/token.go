// Package order signs the terms of a quote into a stateless token that the
// client hands back at redeem time.
package order

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
)

var (
	ErrMalformed        = errors.New("bad_token")
	ErrInvalidSignature = errors.New("bad_signature")
)

// Payload is what the token carries. Since is unix millis.
type Payload struct {
	FeeAddress string `json:"feeAddress"`
	Amount     uint64 `json:"amount,string"`
	Since      int64  `json:"since"`
	Receiver   string `json:"receiver"`
	TokenID    string `json:"tokenId,omitempty"`
	Tier       string `json:"tier"`
}

var b64 = base64.RawURLEncoding

func mac(enc string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(enc))
	return b64.EncodeToString(h.Sum(nil))
}

// Sign encodes p and signs the encoded form.
func Sign(p Payload, secret []byte) (string, error) {
	d, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "encode order")
	}
	enc := b64.EncodeToString(d)
	return enc + "." + mac(enc, secret), nil
}

// Read checks the signature before looking at the payload.
func Read(token string, secret []byte) (Payload, error) {
	var p Payload
	enc, sig, ok := strings.Cut(token, ".")
	if !ok {
		return p, ErrMalformed
	}
	if !hmac.Equal([]byte(sig), []byte(mac(enc, secret))) {
		return p, ErrInvalidSignature
	}
	d, err := b64.DecodeString(enc)
	if err != nil {
		return p, errors.Wrapf(ErrMalformed, "decode order: %v", err)
	}
	if err := json.Unmarshal(d, &p); err != nil {
		return p, errors.Wrapf(ErrMalformed, "decode order: %v", err)
	}
	return p, nil
}
