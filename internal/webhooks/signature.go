package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>". The MAC covers
// "<t>." followed by the raw body, so a captured delivery cannot be replayed
// outside the receiver's tolerance window.
const SignatureHeader = "X-Coldchain-Signature"

var ErrBadSignature = errors.New("webhooks: bad signature")

func mac(secret string, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}

// Sign returns the header value for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	t := ts.Unix()
	return "t=" + strconv.FormatInt(t, 10) + ",v1=" + hex.EncodeToString(mac(secret, t, body))
}

// Verify checks header against body. tolerance bounds the distance between
// the signed timestamp and now; zero disables the check.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var (
		ts  int64
		sig []byte
		err error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			if ts, err = strconv.ParseInt(v, 10, 64); err != nil {
				return ErrBadSignature
			}
		case "v1":
			if sig, err = hex.DecodeString(v); err != nil {
				return ErrBadSignature
			}
		}
	}
	if ts == 0 || sig == nil {
		return ErrBadSignature
	}
	if tolerance > 0 {
		d := now.Sub(time.Unix(ts, 0))
		if d < -tolerance || d > tolerance {
			return ErrBadSignature
		}
	}
	if !hmac.Equal(mac(secret, ts, body), sig) {
		return ErrBadSignature
	}
	return nil
}
