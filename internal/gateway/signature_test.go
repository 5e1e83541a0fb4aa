package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/model"
)

func fixedSigner(at time.Time) *Signer {
	s := NewSigner("whsec_unit", 5*time.Minute)
	s.now = func() time.Time { return at }
	return s
}

func TestSigner_VerifyAndParse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := fixedSigner(now)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","created":1700000000,"data":{"object":{"id":"pi_1"}}}`)

	event, err := s.VerifyAndParse(body, s.Sign(body, now))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventPaymentSucceeded, event.Type)
	assert.JSONEq(t, `{"id":"pi_1"}`, string(event.Data.Object))
}

func TestSigner_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := fixedSigner(now)
	body := []byte(`{"id":"evt_1","type":"account.updated","data":{"object":{}}}`)

	other := NewSigner("whsec_other", 0)

	tests := []struct {
		name   string
		body   []byte
		header string
	}{
		{"empty header", body, ""},
		{"missing v1", body, "t=1700000000"},
		{"bad timestamp", body, "t=abc,v1=00"},
		{"wrong secret", body, other.Sign(body, now)},
		{"tampered body", []byte(`{"id":"evt_2","type":"account.updated","data":{"object":{}}}`), s.Sign(body, now)},
		{"too old", body, s.Sign(body, now.Add(-6*time.Minute))},
		{"too far in future", body, s.Sign(body, now.Add(6*time.Minute))},
		{"not an event", []byte(`[]`), s.Sign([]byte(`[]`), now)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.VerifyAndParse(tt.body, tt.header)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidSignature)
		})
	}
}

func TestSigner_AcceptsAnyMatchingCandidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := fixedSigner(now)
	body := []byte(`{"id":"evt_1","type":"x","data":{"object":{}}}`)

	header := s.Sign(body, now) + ",v1=deadbeef"
	require.NoError(t, s.Verify(body, header))
}

func TestSigner_NoSecret(t *testing.T) {
	s := NewSigner("", 0)
	body := []byte(`{}`)
	err := s.Verify(body, s.Sign(body, time.Now()))
	assert.ErrorIs(t, err, model.ErrInvalidSignature)
}
