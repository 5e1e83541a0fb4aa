// Package gatewaytest provides an in-memory payment processor for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"milestonepay/internal/gateway"
	"milestonepay/internal/model"
)

const WebhookSecret = "whsec_test"

type intentRecord struct {
	req    gateway.PaymentIntentRequest
	intent gateway.PaymentIntent
	state  gateway.PaymentIntentState
}

// Fake 内存处理方：幂等键返回同一对象，可注入失败，并能生成已签名的 webhook
type Fake struct {
	mu sync.Mutex

	Signer *gateway.Signer
	Now    func() time.Time

	accounts    map[string]model.AccountCapabilities
	intents     map[string]*intentRecord
	byKey       map[string]string
	transfers   map[string]gateway.TransferRequest
	transferKey map[string]string
	links       []gateway.OnboardingLinkRequest
	seq         int

	// 下一次调用对应操作时返回的错误
	Failures map[string]error
	// 调用计数，按操作名
	Calls map[string]int
	// 创建 intent 前的钩子，测试并发时使用
	BeforeCreateIntent func()
}

func NewFake() *Fake {
	return &Fake{
		Signer:      gateway.NewSigner(WebhookSecret, 5*time.Minute),
		Now:         time.Now,
		accounts:    make(map[string]model.AccountCapabilities),
		intents:     make(map[string]*intentRecord),
		byKey:       make(map[string]string),
		transfers:   make(map[string]gateway.TransferRequest),
		transferKey: make(map[string]string),
		Failures:    make(map[string]error),
		Calls:       make(map[string]int),
	}
}

// Fail 让下一次 op 调用返回 err
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Failures[op] = err
}

func (f *Fake) enter(op string) error {
	f.Calls[op]++
	if err, ok := f.Failures[op]; ok {
		delete(f.Failures, op)
		return err
	}
	return nil
}

func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%04d", prefix, f.seq)
}

// SetAccount 直接设置账户能力（模拟专家在处理方完成开户）
func (f *Fake) SetAccount(ref string, caps model.AccountCapabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[ref] = caps
}

func (f *Fake) CreatePayoutAccount(_ context.Context, req gateway.CreateAccountRequest) (*gateway.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_account"); err != nil {
		return nil, err
	}
	ref := f.nextID("acct")
	f.accounts[ref] = model.AccountCapabilities{}
	return &gateway.Account{Ref: ref}, nil
}

func (f *Fake) CreateOnboardingLink(_ context.Context, req gateway.OnboardingLinkRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_account_link"); err != nil {
		return "", err
	}
	if _, ok := f.accounts[req.AccountRef]; !ok {
		return "", &gateway.ProcessorError{Status: 404, Code: "resource_missing", Message: "no such account"}
	}
	f.links = append(f.links, req)
	return "https://connect.processor.test/setup/" + req.AccountRef + "/" + f.nextID("link"), nil
}

// LastLinkRequest 最近一次开户链接请求，带回调地址
func (f *Fake) LastLinkRequest() (gateway.OnboardingLinkRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return gateway.OnboardingLinkRequest{}, false
	}
	return f.links[len(f.links)-1], true
}

func (f *Fake) RetrieveAccountStatus(_ context.Context, ref string) (model.AccountCapabilities, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve_account"); err != nil {
		return model.AccountCapabilities{}, err
	}
	caps, ok := f.accounts[ref]
	if !ok {
		return model.AccountCapabilities{}, &gateway.ProcessorError{Status: 404, Code: "resource_missing", Message: "no such account"}
	}
	return caps, nil
}

func (f *Fake) CreatePaymentIntent(_ context.Context, req gateway.PaymentIntentRequest) (*gateway.PaymentIntent, error) {
	if f.BeforeCreateIntent != nil {
		f.BeforeCreateIntent()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_payment_intent"); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if ref, ok := f.byKey[req.IdempotencyKey]; ok {
			out := f.intents[ref].intent
			return &out, nil
		}
	}
	if req.DestinationAccount != "" {
		caps, ok := f.accounts[req.DestinationAccount]
		if !ok || !caps.ChargesEnabled {
			return nil, &gateway.ProcessorError{Status: 400, Code: "account_not_ready", Message: "destination cannot receive charges"}
		}
	}

	ref := f.nextID("pi")
	rec := &intentRecord{
		req: req,
		intent: gateway.PaymentIntent{
			Ref:          ref,
			ClientSecret: ref + "_secret",
			Status:       gateway.PaymentPending,
		},
		state: gateway.PaymentIntentState{Ref: ref, Status: gateway.PaymentPending},
	}
	f.intents[ref] = rec
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = ref
	}
	out := rec.intent
	return &out, nil
}

func (f *Fake) RetrievePaymentIntent(_ context.Context, ref string) (*gateway.PaymentIntentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve_payment_intent"); err != nil {
		return nil, err
	}
	rec, ok := f.intents[ref]
	if !ok {
		return nil, &gateway.ProcessorError{Status: 404, Code: "resource_missing", Message: "no such payment intent"}
	}
	out := rec.state
	return &out, nil
}

func (f *Fake) CreateTransfer(_ context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_transfer"); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if ref, ok := f.transferKey[req.IdempotencyKey]; ok {
			return &gateway.Transfer{Ref: ref}, nil
		}
	}
	ref := f.nextID("tr")
	f.transfers[ref] = req
	if req.IdempotencyKey != "" {
		f.transferKey[req.IdempotencyKey] = ref
	}
	return &gateway.Transfer{Ref: ref}, nil
}

func (f *Fake) VerifyWebhookSignature(payload []byte, header string) (*gateway.Event, error) {
	return f.Signer.VerifyAndParse(payload, header)
}

// IntentRequest 返回创建 intent 时收到的请求
func (f *Fake) IntentRequest(ref string) (gateway.PaymentIntentRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.intents[ref]
	if !ok {
		return gateway.PaymentIntentRequest{}, false
	}
	return rec.req, true
}

// Transfers 返回已创建的转账
func (f *Fake) Transfers() map[string]gateway.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]gateway.TransferRequest, len(f.transfers))
	for k, v := range f.transfers {
		out[k] = v
	}
	return out
}

// SettleIntent 在处理方侧把 intent 置为成功或失败（不发 webhook，对账测试使用）
func (f *Fake) SettleIntent(ref string, status gateway.PaymentIntentStatus, transferRef, failureCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.intents[ref]
	if !ok {
		return
	}
	rec.state.Status = status
	rec.state.TransferRef = transferRef
	rec.state.FailureCode = failureCode
}

// ---- webhook 构造 ----

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object any `json:"object"`
	} `json:"data"`
}

// BuildEvent 生成事件 JSON
func (f *Fake) BuildEvent(id, eventType string, object any) []byte {
	var e envelope
	e.ID = id
	e.Type = eventType
	e.Created = f.Now().Unix()
	e.Data.Object = object
	b, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	return b
}

// Sign 返回 payload 的签名头
func (f *Fake) Sign(payload []byte) string {
	return f.Signer.Sign(payload, f.Now())
}

func (f *Fake) metadataFor(ref string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.intents[ref]
	if !ok {
		return map[string]string{}
	}
	return map[string]string{
		gateway.MetaProjectID:     rec.req.Metadata.ProjectID,
		gateway.MetaMilestoneKind: string(rec.req.Metadata.MilestoneKind),
	}
}

// PaymentSucceeded 构造 payment_intent.succeeded 事件
func (f *Fake) PaymentSucceeded(eventID, ref, transferRef string) []byte {
	obj := gateway.PaymentIntentObject{ID: ref, Status: "succeeded", Metadata: f.metadataFor(ref)}
	if transferRef != "" {
		obj.LatestCharge = &gateway.ChargeObject{ID: "ch_" + ref, Transfer: transferRef}
	}
	f.SettleIntent(ref, gateway.PaymentSucceeded, transferRef, "")
	return f.BuildEvent(eventID, gateway.EventPaymentSucceeded, obj)
}

// PaymentFailed 构造 payment_intent.payment_failed 事件
func (f *Fake) PaymentFailed(eventID, ref, code, message string) []byte {
	obj := gateway.PaymentIntentObject{
		ID:               ref,
		Status:           "requires_payment_method",
		Metadata:         f.metadataFor(ref),
		LastPaymentError: &gateway.PaymentError{Code: code, Message: message},
	}
	f.SettleIntent(ref, gateway.PaymentFailed, "", code)
	return f.BuildEvent(eventID, gateway.EventPaymentFailed, obj)
}

// TransferCreated 构造 transfer.created 事件
func (f *Fake) TransferCreated(eventID, transferRef, projectID string, kind model.MilestoneKind) []byte {
	obj := gateway.TransferObject{
		ID: transferRef,
		Metadata: map[string]string{
			gateway.MetaProjectID:     projectID,
			gateway.MetaMilestoneKind: string(kind),
		},
	}
	return f.BuildEvent(eventID, gateway.EventTransferCreated, obj)
}

// AccountUpdated 构造 account.updated 事件，同时更新内部账户状态
func (f *Fake) AccountUpdated(eventID, ref string, caps model.AccountCapabilities) []byte {
	f.SetAccount(ref, caps)
	obj := gateway.AccountObject{
		ID:               ref,
		DetailsSubmitted: caps.DetailsSubmitted,
		ChargesEnabled:   caps.ChargesEnabled,
		PayoutsEnabled:   caps.PayoutsEnabled,
	}
	return f.BuildEvent(eventID, gateway.EventAccountUpdated, obj)
}

var _ gateway.Gateway = (*Fake)(nil)
