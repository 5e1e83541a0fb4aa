package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"milestonepay/internal/model"
	"milestonepay/pkg/circuitbreaker"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/otel"
)

// ClientConfig 处理方 REST 客户端配置
type ClientConfig struct {
	BaseURL       string
	SecretKey     string
	Currency      string
	Timeout       time.Duration
	WebhookSecret string
	Tolerance     time.Duration
	Breaker       circuitbreaker.Config
}

// Client 兼容 Stripe 风格接口：表单编码、Bearer 密钥、Idempotency-Key 请求头
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	signer  *Signer
	logger  *zap.Logger
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	breakerCfg.IsFailure = isBreakerFailure
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("Processor circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 16,
			},
		},
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
		signer:  NewSigner(cfg.WebhookSecret, cfg.Tolerance),
		logger:  logger,
	}
}

type accountResponse struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

func (r accountResponse) capabilities() model.AccountCapabilities {
	return model.AccountCapabilities{
		DetailsSubmitted: r.DetailsSubmitted,
		ChargesEnabled:   r.ChargesEnabled,
		PayoutsEnabled:   r.PayoutsEnabled,
	}
}

func (c *Client) CreatePayoutAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	form := url.Values{}
	form.Set("type", "express")
	if req.Email != "" {
		form.Set("email", req.Email)
	}
	if req.Country != "" {
		form.Set("country", req.Country)
	}
	form.Set("capabilities[card_payments][requested]", "true")
	form.Set("capabilities[transfers][requested]", "true")
	form.Set("metadata[owner_id]", req.OwnerID)

	var resp accountResponse
	if err := c.do(ctx, "create_account", http.MethodPost, "/v1/accounts", form, "account:"+req.OwnerID, &resp); err != nil {
		return nil, err
	}
	return &Account{Ref: resp.ID, Capabilities: resp.capabilities()}, nil
}

func (c *Client) CreateOnboardingLink(ctx context.Context, req OnboardingLinkRequest) (string, error) {
	form := url.Values{}
	form.Set("account", req.AccountRef)
	form.Set("refresh_url", req.RefreshURL)
	form.Set("return_url", req.ReturnURL)
	form.Set("type", "account_onboarding")

	var resp struct {
		URL string `json:"url"`
	}
	// 每次都是新链接，不带幂等键
	if err := c.do(ctx, "create_account_link", http.MethodPost, "/v1/account_links", form, "", &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) RetrieveAccountStatus(ctx context.Context, accountRef string) (model.AccountCapabilities, error) {
	var resp accountResponse
	if err := c.do(ctx, "retrieve_account", http.MethodGet, "/v1/accounts/"+url.PathEscape(accountRef), nil, "", &resp); err != nil {
		return model.AccountCapabilities{}, err
	}
	return resp.capabilities(), nil
}

type paymentIntentResponse struct {
	ID               string        `json:"id"`
	ClientSecret     string        `json:"client_secret"`
	Status           string        `json:"status"`
	LatestCharge     *ChargeObject `json:"latest_charge"`
	LastPaymentError *PaymentError `json:"last_payment_error"`
}

func (c *Client) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("create payment intent: %w", model.ErrInvalidAmount)
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.DestinationAccount != "" {
		form.Set("application_fee_amount", strconv.FormatInt(req.ApplicationFee, 10))
		form.Set("transfer_data[destination]", req.DestinationAccount)
	}
	form.Set("transfer_group", req.Metadata.ProjectID)
	for k, v := range req.Metadata.toMap() {
		form.Set("metadata["+k+"]", v)
	}

	var resp paymentIntentResponse
	if err := c.do(ctx, "create_payment_intent", http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &PaymentIntent{
		Ref:          resp.ID,
		ClientSecret: resp.ClientSecret,
		Status:       mapIntentStatus(resp.Status, resp.LastPaymentError),
	}, nil
}

func (c *Client) RetrievePaymentIntent(ctx context.Context, ref string) (*PaymentIntentState, error) {
	path := "/v1/payment_intents/" + url.PathEscape(ref) + "?expand[]=latest_charge"

	var resp paymentIntentResponse
	if err := c.do(ctx, "retrieve_payment_intent", http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}

	state := &PaymentIntentState{
		Ref:    resp.ID,
		Status: mapIntentStatus(resp.Status, resp.LastPaymentError),
	}
	if resp.LatestCharge != nil {
		state.TransferRef = resp.LatestCharge.Transfer
	}
	if resp.LastPaymentError != nil {
		state.FailureCode = resp.LastPaymentError.Code
		state.FailureMessage = resp.LastPaymentError.Message
	}
	return state, nil
}

func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", currency)
	form.Set("destination", req.DestinationAccount)
	form.Set("transfer_group", req.Metadata.ProjectID)
	for k, v := range req.Metadata.toMap() {
		form.Set("metadata["+k+"]", v)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", form, req.IdempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &Transfer{Ref: resp.ID}, nil
}

func (c *Client) VerifyWebhookSignature(payload []byte, header string) (*Event, error) {
	return c.signer.VerifyAndParse(payload, header)
}

// mapIntentStatus 把处理方的细分状态收敛为三种
func mapIntentStatus(status string, lastErr *PaymentError) PaymentIntentStatus {
	switch status {
	case "succeeded":
		return PaymentSucceeded
	case "canceled":
		return PaymentFailed
	case "requires_payment_method":
		if lastErr != nil {
			return PaymentFailed
		}
	}
	return PaymentPending
}

type errorEnvelope struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// do 发送请求：熔断保护、超时、追踪、延迟指标
func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := otel.StartSpan(ctx, "processor."+op,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("processor.operation", op),
			attribute.String("http.request.method", method),
		),
	)
	defer span.End()

	start := time.Now()
	status := "ok"

	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, op, method, path, form, idempotencyKey, out)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		err = unavailable(op, err)
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Processor call failed",
			zap.String("operation", op),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}
	metrics.RecordProcessorCallLatency(op, status, time.Since(start))
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return unavailable(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return unavailable(op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		pe := &ProcessorError{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil {
			pe.Type = env.Error.Type
			pe.Code = env.Error.Code
			pe.Message = env.Error.Message
			// 卡被拒时真正原因在 decline_code
			if env.Error.DeclineCode == "insufficient_funds" {
				pe.Code = env.Error.DeclineCode
			}
		}
		if pe.Message == "" {
			pe.Message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s: %w", op, pe)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}
