package util

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims 平台身份，只携带用户 id 和角色
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates an HS256 token for a user and role.
func GenerateJWT(userID, role, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT validates the token and returns its claims.
func ParseJWT(tokenStr, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StateClaims 绑定在回调 URL 里的短期凭证：证明回调属于哪个账户和 owner。
// 没有 user_id，因此不能当平台 token 使用；平台 token 没有 aud，也不能当 state 使用。
type StateClaims struct {
	OwnerID    string `json:"owner_id"`
	AccountRef string `json:"account_ref"`
	jwt.RegisteredClaims
}

// GenerateStateJWT 生成 audience 限定的 state token；ttl 为负时生成已过期的 token
func GenerateStateJWT(ownerID, accountRef, audience, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StateClaims{
		OwnerID:    ownerID,
		AccountRef: accountRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseStateJWT 校验签名、audience 和过期时间
func ParseStateJWT(tokenStr, audience, secret string) (*StateClaims, error) {
	claims := &StateClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.OwnerID == "" || claims.AccountRef == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
