package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reliapi/ledger-engine/internal/domain"
)

// Verifier authenticates inbound provider callbacks before anything is
// allowed to reach the ledger. The signature field is
// "ts=<unix>;h1=<hex-hmac>" where the MAC is HMAC-SHA256 over
// "{timestamp}:{rawBody}". Verification runs first, freshness second, so
// a captured valid signature cannot be replayed past the skew window.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

func (v *Verifier) Verify(signature string, body []byte) error {
	ts, mac, err := parseSignature(signature)
	if err != nil {
		return err
	}

	signed := strconv.FormatInt(ts, 10) + ":" + string(body)
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(signed))
	if !hmac.Equal(h.Sum(nil), mac) {
		return fmt.Errorf("Verify: %w", domain.ErrInvalidSignature)
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("Verify: %w", domain.ErrStaleWebhook)
	}
	return nil
}

// parseSignature pulls the timestamp and MAC out of the delimited header.
// Any malformed header reads as an invalid signature; callers never learn
// which part failed.
func parseSignature(signature string) (int64, []byte, error) {
	var tsRaw, macRaw string
	for part := range strings.SplitSeq(signature, ";") {
		k, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch k {
		case "ts":
			tsRaw = val
		case "h1":
			macRaw = val
		}
	}
	if tsRaw == "" || macRaw == "" {
		return 0, nil, fmt.Errorf("parseSignature: %w", domain.ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("parseSignature: %w", domain.ErrInvalidSignature)
	}
	mac, err := hex.DecodeString(macRaw)
	if err != nil {
		return 0, nil, fmt.Errorf("parseSignature: %w", domain.ErrInvalidSignature)
	}
	return ts, mac, nil
}

// Sign produces the signature header for a payload; the mock provider and
// tests use it to emit deliveries the verifier accepts.
func Sign(secret string, ts int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10) + ":" + string(body)))
	return fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(h.Sum(nil)))
}
