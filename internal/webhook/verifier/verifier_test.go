package verifier_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/tallybill/internal/clock"
	"github.com/smallbiznis/tallybill/internal/webhook/domain"
	"github.com/smallbiznis/tallybill/internal/webhook/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func signatureHeader(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func payload() []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","account":"acct_9","created":%d,"data":{"object":{"id":"pi_1","metadata":{"invoice_id":"42"}}}}`, now.Unix()))
}

func TestVerifyDecodesSignedEvent(t *testing.T) {
	v := verifier.NewWithTolerance(5*time.Minute, clock.NewFakeClock(now))
	body := payload()

	event, err := v.Verify(body, signatureHeader(secret, body, now.Unix()), secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, domain.KindPaymentIntentSucceeded, event.Kind)
	assert.Equal(t, "acct_9", event.Account)
	assert.Equal(t, now, event.Created)

	var intent struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	require.NoError(t, event.Decode(&intent))
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "42", intent.Metadata["invoice_id"])
}

func TestVerifyRejectsTimestampOutsideTolerance(t *testing.T) {
	v := verifier.NewWithTolerance(5*time.Minute, clock.NewFakeClock(now))
	body := payload()

	past := now.Add(-25 * time.Minute).Unix()
	_, err := v.Verify(body, signatureHeader(secret, body, past), secret)
	assert.ErrorIs(t, err, domain.ErrStaleTimestamp)
	assert.True(t, domain.IsVerificationError(err))

	future := now.Add(25 * time.Minute).Unix()
	_, err = v.Verify(body, signatureHeader(secret, body, future), secret)
	assert.ErrorIs(t, err, domain.ErrStaleTimestamp)

	inside := now.Add(-4 * time.Minute).Unix()
	_, err = v.Verify(body, signatureHeader(secret, body, inside), secret)
	assert.NoError(t, err)
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	v := verifier.NewWithTolerance(5*time.Minute, clock.NewFakeClock(now))
	body := payload()
	tampered := []byte(strings.Replace(string(body), "pi_1", "pi_2", 1))

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   error
	}{
		{name: "missing secret", body: body, header: signatureHeader(secret, body, now.Unix()), secret: "", want: domain.ErrSecretNotConfigured},
		{name: "missing header", body: body, header: "", secret: secret, want: domain.ErrMissingSignature},
		{name: "malformed header", body: body, header: "garbage", secret: secret, want: domain.ErrMalformedSignature},
		{name: "wrong secret", body: body, header: signatureHeader("whsec_other", body, now.Unix()), secret: secret, want: domain.ErrInvalidSignature},
		{name: "tampered body", body: tampered, header: signatureHeader(secret, body, now.Unix()), secret: secret, want: domain.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.body, tt.header, tt.secret)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSecretNotConfiguredIsNotVerificationError(t *testing.T) {
	assert.False(t, domain.IsVerificationError(domain.ErrSecretNotConfigured))
}

func TestVerifyRejectsSignedGarbage(t *testing.T) {
	v := verifier.NewWithTolerance(5*time.Minute, clock.NewFakeClock(now))
	body := []byte(`{"id":"","type":""}`)

	_, err := v.Verify(body, signatureHeader(secret, body, now.Unix()), secret)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}
