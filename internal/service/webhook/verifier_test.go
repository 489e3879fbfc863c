package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reliapi/ledger-engine/internal/domain"
)

const testSecret = "whsec_test"

func newTestVerifier(now time.Time) *Verifier {
	v := NewVerifier(testSecret, 300*time.Second)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifyAcceptsFreshSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(now)
	body := []byte(`{"event_id":"evt_1"}`)

	require.NoError(t, v.Verify(Sign(testSecret, now.Unix(), body), body))

	// Anywhere inside the skew window, either direction.
	require.NoError(t, v.Verify(Sign(testSecret, now.Unix()-299, body), body))
	require.NoError(t, v.Verify(Sign(testSecret, now.Unix()+299, body), body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(now)

	sig := Sign(testSecret, now.Unix(), []byte(`{"amount_usd":"1.00"}`))
	err := v.Verify(sig, []byte(`{"amount_usd":"9999.00"}`))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(now)
	body := []byte(`{}`)

	err := v.Verify(Sign("whsec_other", now.Unix(), body), body)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifyRejectsShiftedTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(now)
	body := []byte(`{}`)

	// Re-stamping a captured MAC with a fresh timestamp breaks the MAC,
	// because the timestamp is part of the signed string.
	captured := Sign(testSecret, now.Unix()-10_000, body)
	var oldTs int64
	var mac string
	_, err := fmt.Sscanf(captured, "ts=%d;h1=%s", &oldTs, &mac)
	require.NoError(t, err)

	err = v.Verify(fmt.Sprintf("ts=%d;h1=%s", now.Unix(), mac), body)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifyRejectsStaleSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(now)
	body := []byte(`{}`)

	err := v.Verify(Sign(testSecret, now.Unix()-301, body), body)
	require.ErrorIs(t, err, domain.ErrStaleWebhook)

	// A timestamp too far in the future is just as stale.
	err = v.Verify(Sign(testSecret, now.Unix()+301, body), body)
	require.ErrorIs(t, err, domain.ErrStaleWebhook)
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(now)
	body := []byte(`{}`)

	tests := []struct {
		name string
		sig  string
	}{
		{"empty", ""},
		{"missing mac", "ts=1700000000"},
		{"missing timestamp", "h1=deadbeef"},
		{"non-numeric timestamp", "ts=abc;h1=deadbeef"},
		{"non-hex mac", "ts=1700000000;h1=zzzz"},
		{"garbage", "not a signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.sig, body)
			require.ErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}
}
