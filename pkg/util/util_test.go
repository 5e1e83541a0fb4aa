package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamErr struct{ retry bool }

func (e upstreamErr) Error() string   { return "upstream" }
func (e upstreamErr) Retryable() bool { return e.retry }

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte("{"), &v)
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"upstream retryable", fmt.Errorf("wrap: %w", upstreamErr{retry: true}), true, "upstream_unavailable"},
		{"upstream rejected", upstreamErr{retry: false}, false, "upstream_rejected"},
		{"json", syntaxErr, false, "json_decode_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "db_transient_error"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(0, 3, false))
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("client-1", "client", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.UserID)
	assert.Equal(t, "client", claims.Role)

	_, err = ParseJWT(token, "other-secret")
	require.Error(t, err)
}

func TestStateJWT(t *testing.T) {
	state, err := GenerateStateJWT("expert-1", "acct_1", "payout_onboarding", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseStateJWT(state, "payout_onboarding", "secret")
	require.NoError(t, err)
	assert.Equal(t, "expert-1", claims.OwnerID)
	assert.Equal(t, "acct_1", claims.AccountRef)

	_, err = ParseStateJWT(state, "other_audience", "secret")
	assert.Error(t, err)
	_, err = ParseStateJWT(state, "payout_onboarding", "other-secret")
	assert.Error(t, err)

	// state 不能当平台身份，平台身份也不能当 state
	_, err = ParseJWT(state, "secret")
	assert.Error(t, err)
	platform, err := GenerateJWT("expert-1", "expert", "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseStateJWT(platform, "payout_onboarding", "secret")
	assert.Error(t, err)

	expired, err := GenerateStateJWT("expert-1", "acct_1", "payout_onboarding", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseStateJWT(expired, "payout_onboarding", "secret")
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, ExtractToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractToken(r))
}

func TestDeduper_RedisDownAllowsProcessing(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	d := NewDeduper(rdb, time.Minute, nil)
	assert.True(t, d.AcquireOnce(context.Background(), "webhook", "evt_1"))
	assert.True(t, d.AcquireOnce(context.Background(), "webhook", "evt_1"))
}

func TestDeduper_NilIsPermissive(t *testing.T) {
	var d *Deduper
	assert.True(t, d.AcquireOnce(context.Background(), "webhook", "evt_1"))
	d.Release(context.Background(), "webhook", "evt_1")
	assert.Equal(t, "dedup:webhook:evt_1", DedupKey("webhook", "evt_1"))
}
