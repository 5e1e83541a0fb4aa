package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"milestonepay/internal/model"
)

// MemoryStore 内存实现，约束与 Postgres 相同；事务在快照上执行，成功后整体替换
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	projects     map[string]model.Project
	proposals    map[string]model.Proposal
	accounts     map[string]model.PayoutAccount // by id
	intents      map[string]model.PaymentIntent // by id
	transfers    map[string]model.Transfer      // by id
	transactions []model.Transaction
	events       map[string]model.WebhookEvent
}

func newMemState() *memState {
	return &memState{
		projects:  make(map[string]model.Project),
		proposals: make(map[string]model.Proposal),
		accounts:  make(map[string]model.PayoutAccount),
		intents:   make(map[string]model.PaymentIntent),
		transfers: make(map[string]model.Transfer),
		events:    make(map[string]model.WebhookEvent),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	c.transactions = append([]model.Transaction(nil), s.transactions...)
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// WithinTx 持有全局锁执行 fn；fn 返回错误时快照被丢弃
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(ctx, snapshot); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

// run 在锁内对当前状态执行单个操作；失败的操作不会留下部分写入
func (m *MemoryStore) run(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(snapshot); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

func (m *MemoryStore) CreateProject(ctx context.Context, p *model.Project) error {
	return m.run(func(s *memState) error { return s.CreateProject(ctx, p) })
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (out *model.Project, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetProject(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) CreateProposal(ctx context.Context, p *model.Proposal) error {
	return m.run(func(s *memState) error { return s.CreateProposal(ctx, p) })
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (out *model.Proposal, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetProposal(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) AcceptProposal(ctx context.Context, projectID, proposalID string, at time.Time) (out *model.Project, err error) {
	err = m.run(func(s *memState) error { out, err = s.AcceptProposal(ctx, projectID, proposalID, at); return err })
	return out, err
}

func (m *MemoryStore) CompleteProject(ctx context.Context, projectID string, at time.Time) (applied bool, err error) {
	err = m.run(func(s *memState) error { applied, err = s.CompleteProject(ctx, projectID, at); return err })
	return applied, err
}

func (m *MemoryStore) UpsertPayoutAccount(ctx context.Context, a *model.PayoutAccount) (out *model.PayoutAccount, err error) {
	err = m.run(func(s *memState) error { out, err = s.UpsertPayoutAccount(ctx, a); return err })
	return out, err
}

func (m *MemoryStore) GetPayoutAccountByOwner(ctx context.Context, ownerID string) (out *model.PayoutAccount, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetPayoutAccountByOwner(ctx, ownerID); return err })
	return out, err
}

func (m *MemoryStore) GetPayoutAccountByRef(ctx context.Context, ref string) (out *model.PayoutAccount, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetPayoutAccountByRef(ctx, ref); return err })
	return out, err
}

func (m *MemoryStore) LockPayoutAccountByRef(ctx context.Context, ref string) (out *model.PayoutAccount, err error) {
	err = m.run(func(s *memState) error { out, err = s.LockPayoutAccountByRef(ctx, ref); return err })
	return out, err
}

func (m *MemoryStore) UpdatePayoutAccountStatus(ctx context.Context, ref string, caps model.AccountCapabilities, at time.Time) (out *model.PayoutAccount, err error) {
	err = m.run(func(s *memState) error { out, err = s.UpdatePayoutAccountStatus(ctx, ref, caps, at); return err })
	return out, err
}

func (m *MemoryStore) InsertPaymentIntent(ctx context.Context, pi *model.PaymentIntent) error {
	return m.run(func(s *memState) error { return s.InsertPaymentIntent(ctx, pi) })
}

func (m *MemoryStore) GetPaymentIntent(ctx context.Context, id string) (out *model.PaymentIntent, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetPaymentIntent(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) GetPaymentIntentByRef(ctx context.Context, ref string) (out *model.PaymentIntent, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetPaymentIntentByRef(ctx, ref); return err })
	return out, err
}

func (m *MemoryStore) LockPaymentIntentByRef(ctx context.Context, ref string) (out *model.PaymentIntent, err error) {
	err = m.run(func(s *memState) error { out, err = s.LockPaymentIntentByRef(ctx, ref); return err })
	return out, err
}

func (m *MemoryStore) ListPaymentIntents(ctx context.Context, projectID string) (out []model.PaymentIntent, err error) {
	err = m.run(func(s *memState) error { out, err = s.ListPaymentIntents(ctx, projectID); return err })
	return out, err
}

func (m *MemoryStore) ListStalePaymentIntents(ctx context.Context, status model.IntentStatus, before time.Time, limit int) (out []model.PaymentIntent, err error) {
	err = m.run(func(s *memState) error { out, err = s.ListStalePaymentIntents(ctx, status, before, limit); return err })
	return out, err
}

func (m *MemoryStore) MarkPaymentIntentStatus(ctx context.Context, change IntentStatusChange) (out *model.PaymentIntent, applied bool, err error) {
	err = m.run(func(s *memState) error { out, applied, err = s.MarkPaymentIntentStatus(ctx, change); return err })
	return out, applied, err
}

func (m *MemoryStore) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	return m.run(func(s *memState) error { return s.InsertTransfer(ctx, t) })
}

func (m *MemoryStore) GetTransferByIntent(ctx context.Context, intentID string) (out *model.Transfer, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetTransferByIntent(ctx, intentID); return err })
	return out, err
}

func (m *MemoryStore) ListTransfers(ctx context.Context, projectID string) (out []model.Transfer, err error) {
	err = m.run(func(s *memState) error { out, err = s.ListTransfers(ctx, projectID); return err })
	return out, err
}

func (m *MemoryStore) MarkTransferPaid(ctx context.Context, id, ref string, at time.Time) (out *model.Transfer, applied bool, err error) {
	err = m.run(func(s *memState) error { out, applied, err = s.MarkTransferPaid(ctx, id, ref, at); return err })
	return out, applied, err
}

func (m *MemoryStore) SetTransferRef(ctx context.Context, id, ref string) (applied bool, err error) {
	err = m.run(func(s *memState) error { applied, err = s.SetTransferRef(ctx, id, ref); return err })
	return applied, err
}

func (m *MemoryStore) ListPendingTransfers(ctx context.Context, before time.Time, limit int) (out []model.Transfer, err error) {
	err = m.run(func(s *memState) error { out, err = s.ListPendingTransfers(ctx, before, limit); return err })
	return out, err
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	return m.run(func(s *memState) error { return s.AppendTransaction(ctx, tx) })
}

func (m *MemoryStore) ListTransactions(ctx context.Context, projectID string) (out []model.Transaction, err error) {
	err = m.run(func(s *memState) error { out, err = s.ListTransactions(ctx, projectID); return err })
	return out, err
}

func (m *MemoryStore) RecordWebhookEvent(ctx context.Context, e *model.WebhookEvent) (out *model.WebhookEvent, first bool, err error) {
	err = m.run(func(s *memState) error { out, first, err = s.RecordWebhookEvent(ctx, e); return err })
	return out, first, err
}

func (m *MemoryStore) GetWebhookEvent(ctx context.Context, id string) (out *model.WebhookEvent, err error) {
	err = m.run(func(s *memState) error { out, err = s.GetWebhookEvent(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) MarkWebhookEvent(ctx context.Context, id string, status model.WebhookEventStatus, lastErr string, at time.Time) error {
	return m.run(func(s *memState) error { return s.MarkWebhookEvent(ctx, id, status, lastErr, at) })
}

func (m *MemoryStore) ListRetryableWebhookEvents(ctx context.Context, maxAttempts int, stuckBefore time.Time, limit int) (out []model.WebhookEvent, err error) {
	err = m.run(func(s *memState) error {
		out, err = s.ListRetryableWebhookEvents(ctx, maxAttempts, stuckBefore, limit)
		return err
	})
	return out, err
}

// ---- memState 实现 Queries，不加锁 ----

func notFound(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, model.ErrNotFound)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), model.ErrConflict)
}

func (s *memState) CreateProject(_ context.Context, p *model.Project) error {
	if _, ok := s.projects[p.ID]; ok {
		return conflict("project %s exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.projects[p.ID] = *p
	return nil
}

func (s *memState) GetProject(_ context.Context, id string) (*model.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	return &p, nil
}

func (s *memState) CreateProposal(_ context.Context, p *model.Proposal) error {
	if _, ok := s.projects[p.ProjectID]; !ok {
		return notFound("project", p.ProjectID)
	}
	if _, ok := s.proposals[p.ID]; ok {
		return conflict("proposal %s exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.proposals[p.ID] = *p
	return nil
}

func (s *memState) GetProposal(_ context.Context, id string) (*model.Proposal, error) {
	p, ok := s.proposals[id]
	if !ok {
		return nil, notFound("proposal", id)
	}
	return &p, nil
}

func (s *memState) AcceptProposal(_ context.Context, projectID, proposalID string, at time.Time) (*model.Project, error) {
	project, ok := s.projects[projectID]
	if !ok {
		return nil, notFound("project", projectID)
	}
	proposal, ok := s.proposals[proposalID]
	if !ok || proposal.ProjectID != projectID {
		return nil, notFound("proposal", proposalID)
	}
	if project.Status != model.ProjectOpen || proposal.Status != model.ProposalPending {
		return nil, conflict("project %s is %s", projectID, project.Status)
	}

	for id, other := range s.proposals {
		if other.ProjectID != projectID {
			continue
		}
		if id == proposalID {
			other.Status = model.ProposalAccepted
		} else if other.Status == model.ProposalPending {
			other.Status = model.ProposalRejected
		}
		s.proposals[id] = other
	}

	project.Status = model.ProjectInProgress
	project.HiredExpertID = proposal.ExpertID
	project.TotalBudget = proposal.Amount
	project.AcceptedAt = &at
	s.projects[projectID] = project
	return &project, nil
}

func (s *memState) CompleteProject(_ context.Context, projectID string, at time.Time) (bool, error) {
	project, ok := s.projects[projectID]
	if !ok {
		return false, notFound("project", projectID)
	}
	if project.Status != model.ProjectInProgress {
		return false, nil
	}
	project.Status = model.ProjectCompleted
	project.ClosedAt = &at
	s.projects[projectID] = project
	return true, nil
}

func (s *memState) UpsertPayoutAccount(_ context.Context, a *model.PayoutAccount) (*model.PayoutAccount, error) {
	for _, existing := range s.accounts {
		if existing.OwnerID == a.OwnerID {
			e := existing
			return &e, nil
		}
		if existing.ExternalRef == a.ExternalRef {
			return nil, conflict("payout account ref %s belongs to another owner", a.ExternalRef)
		}
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	s.accounts[a.ID] = *a
	out := *a
	return &out, nil
}

func (s *memState) GetPayoutAccountByOwner(_ context.Context, ownerID string) (*model.PayoutAccount, error) {
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			return &a, nil
		}
	}
	return nil, notFound("payout account for owner", ownerID)
}

func (s *memState) GetPayoutAccountByRef(_ context.Context, ref string) (*model.PayoutAccount, error) {
	for _, a := range s.accounts {
		if a.ExternalRef == ref {
			return &a, nil
		}
	}
	return nil, notFound("payout account", ref)
}

func (s *memState) UpdatePayoutAccountStatus(ctx context.Context, ref string, caps model.AccountCapabilities, at time.Time) (*model.PayoutAccount, error) {
	a, err := s.GetPayoutAccountByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	a.AccountCapabilities = caps
	a.UpdatedAt = at
	s.accounts[a.ID] = *a
	return a, nil
}

func (s *memState) InsertPaymentIntent(_ context.Context, pi *model.PaymentIntent) error {
	if _, ok := s.projects[pi.ProjectID]; !ok {
		return notFound("project", pi.ProjectID)
	}
	for _, existing := range s.intents {
		if existing.ID == pi.ID || existing.ExternalRef == pi.ExternalRef {
			return conflict("payment intent %s exists", pi.ExternalRef)
		}
		if pi.Status != model.IntentFailed && existing.Status != model.IntentFailed &&
			existing.ProjectID == pi.ProjectID && existing.MilestoneKind == pi.MilestoneKind {
			return conflict("live %s intent exists for project %s", pi.MilestoneKind, pi.ProjectID)
		}
	}
	now := time.Now().UTC()
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = now
	}
	pi.UpdatedAt = pi.CreatedAt
	s.intents[pi.ID] = *pi
	return nil
}

func (s *memState) GetPaymentIntent(_ context.Context, id string) (*model.PaymentIntent, error) {
	pi, ok := s.intents[id]
	if !ok {
		return nil, notFound("payment intent", id)
	}
	return &pi, nil
}

func (s *memState) GetPaymentIntentByRef(_ context.Context, ref string) (*model.PaymentIntent, error) {
	for _, pi := range s.intents {
		if pi.ExternalRef == ref {
			return &pi, nil
		}
	}
	return nil, notFound("payment intent", ref)
}

func (s *memState) LockPayoutAccountByRef(ctx context.Context, ref string) (*model.PayoutAccount, error) {
	return s.GetPayoutAccountByRef(ctx, ref)
}

// LockPaymentIntentByRef 内存实现中事务本身已串行
func (s *memState) LockPaymentIntentByRef(ctx context.Context, ref string) (*model.PaymentIntent, error) {
	return s.GetPaymentIntentByRef(ctx, ref)
}

func (s *memState) ListPaymentIntents(_ context.Context, projectID string) ([]model.PaymentIntent, error) {
	var out []model.PaymentIntent
	for _, pi := range s.intents {
		if pi.ProjectID == projectID {
			out = append(out, pi)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memState) ListStalePaymentIntents(_ context.Context, status model.IntentStatus, before time.Time, limit int) ([]model.PaymentIntent, error) {
	var out []model.PaymentIntent
	for _, pi := range s.intents {
		if pi.Status == status && pi.CreatedAt.Before(before) {
			out = append(out, pi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) MarkPaymentIntentStatus(ctx context.Context, change IntentStatusChange) (*model.PaymentIntent, bool, error) {
	pi, err := s.GetPaymentIntentByRef(ctx, change.ExternalRef)
	if err != nil {
		return nil, false, err
	}
	if pi.Status == change.To || !containsStatus(change.From, pi.Status) {
		return pi, false, nil
	}

	// 从 failed 复活时仍要满足唯一约束
	if pi.Status == model.IntentFailed && change.To != model.IntentFailed {
		for _, other := range s.intents {
			if other.ID != pi.ID && other.Status != model.IntentFailed &&
				other.ProjectID == pi.ProjectID && other.MilestoneKind == pi.MilestoneKind {
				return nil, false, conflict("live %s intent exists for project %s", pi.MilestoneKind, pi.ProjectID)
			}
		}
	}

	pi.Status = change.To
	pi.FailureCode = change.FailureCode
	pi.FailureReason = change.FailureReason
	pi.UpdatedAt = change.At
	s.intents[pi.ID] = *pi
	return pi, true, nil
}

func (s *memState) InsertTransfer(_ context.Context, t *model.Transfer) error {
	pi, ok := s.intents[t.PaymentIntentID]
	if !ok {
		return notFound("payment intent", t.PaymentIntentID)
	}
	// 只有已成功收款的 intent 才能产生转账
	if pi.Status != model.IntentSucceeded {
		return conflict("intent %s is %s, not succeeded", pi.ID, pi.Status)
	}
	for _, existing := range s.transfers {
		if existing.ID == t.ID || existing.PaymentIntentID == t.PaymentIntentID {
			return conflict("transfer for intent %s exists", t.PaymentIntentID)
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.transfers[t.ID] = *t
	return nil
}

func (s *memState) GetTransferByIntent(_ context.Context, intentID string) (*model.Transfer, error) {
	for _, t := range s.transfers {
		if t.PaymentIntentID == intentID {
			return &t, nil
		}
	}
	return nil, notFound("transfer for intent", intentID)
}

func (s *memState) ListTransfers(_ context.Context, projectID string) ([]model.Transfer, error) {
	var out []model.Transfer
	for _, t := range s.transfers {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memState) MarkTransferPaid(_ context.Context, id, ref string, at time.Time) (*model.Transfer, bool, error) {
	t, ok := s.transfers[id]
	if !ok {
		return nil, false, notFound("transfer", id)
	}
	if t.Status == model.TransferPaid {
		return &t, false, nil
	}
	t.Status = model.TransferPaid
	if ref != "" {
		t.ExternalRef = ref
	}
	t.CompletedAt = &at
	s.transfers[id] = t
	return &t, true, nil
}

func (s *memState) SetTransferRef(_ context.Context, id, ref string) (bool, error) {
	t, ok := s.transfers[id]
	if !ok {
		return false, notFound("transfer", id)
	}
	if t.ExternalRef != "" {
		return false, nil
	}
	t.ExternalRef = ref
	s.transfers[id] = t
	return true, nil
}

func (s *memState) ListPendingTransfers(_ context.Context, before time.Time, limit int) ([]model.Transfer, error) {
	var out []model.Transfer
	for _, t := range s.transfers {
		if t.Status == model.TransferPending && t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	for _, existing := range s.transactions {
		if existing.ID == tx.ID || (existing.PaymentIntentID == tx.PaymentIntentID && existing.Type == tx.Type) {
			return conflict("%s transaction for intent %s exists", tx.Type, tx.PaymentIntentID)
		}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *memState) ListTransactions(_ context.Context, projectID string) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, tx := range s.transactions {
		if tx.ProjectID == projectID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *memState) RecordWebhookEvent(_ context.Context, e *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	if existing, ok := s.events[e.ID]; ok {
		return &existing, false, nil
	}
	if e.Status == "" {
		e.Status = model.WebhookReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.ReceivedAt
	s.events[e.ID] = *e
	out := *e
	return &out, true, nil
}

func (s *memState) GetWebhookEvent(_ context.Context, id string) (*model.WebhookEvent, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, notFound("webhook event", id)
	}
	return &e, nil
}

func (s *memState) MarkWebhookEvent(_ context.Context, id string, status model.WebhookEventStatus, lastErr string, at time.Time) error {
	e, ok := s.events[id]
	if !ok {
		return notFound("webhook event", id)
	}
	e.Status = status
	e.LastError = lastErr
	e.Attempts++
	e.UpdatedAt = at
	s.events[id] = e
	return nil
}

func (s *memState) ListRetryableWebhookEvents(_ context.Context, maxAttempts int, stuckBefore time.Time, limit int) ([]model.WebhookEvent, error) {
	var out []model.WebhookEvent
	for _, e := range s.events {
		if e.Attempts >= maxAttempts {
			continue
		}
		if e.Status == model.WebhookFailed || (e.Status == model.WebhookReceived && e.ReceivedAt.Before(stuckBefore)) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
