package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"milestonepay/internal/model"
)

// SignatureHeader 处理方签名所在的请求头
const SignatureHeader = "Processor-Signature"

const defaultTolerance = 5 * time.Minute

// Signer 生成和校验 `t=<unix>,v1=<hex hmac-sha256("<t>.<body>")>` 形式的签名
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSigner(secret string, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Signer{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign 生成签名头，测试和本地回放使用
func (s *Signer) Sign(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + s.mac(ts, payload)
}

func (s *Signer) mac(ts string, payload []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify 校验签名和时间窗口，失败时返回 ErrInvalidSignature
func (s *Signer) Verify(payload []byte, header string) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", model.ErrInvalidSignature)
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if ts == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed header", model.ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", model.ErrInvalidSignature)
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age > s.tolerance || age < -s.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", model.ErrInvalidSignature)
	}

	expected := []byte(s.mac(ts, payload))
	for _, c := range candidates {
		if hmac.Equal(expected, []byte(c)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", model.ErrInvalidSignature)
}

// VerifyAndParse 校验签名后解析事件
func (s *Signer) VerifyAndParse(payload []byte, header string) (*Event, error) {
	if err := s.Verify(payload, header); err != nil {
		return nil, err
	}
	event, err := ParseEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
	}
	return event, nil
}
