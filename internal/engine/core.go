package engine

/*
Файл core.go — оркестратор протокола бюджетного контроля.

Три операции: handshake, usage report, refresh. Каждая проходит цепочку
состояний с ранним выходом на любом шаге:

	Validating -> TokenVerified -> BudgetReserved -> CredentialResolved
	           -> EnvelopeIssued -> LeaseCreated

Ключевые инварианты оркестрации:
  - agent_id из токена разбирается СТРОГО: нечисловое, неположительное
    или переполняющее значение — отказ 400-класса, никакого дефолтного
    агента (исторический баг обхода авторизации);
  - резерв без lease не живет: любой срыв после check_and_reserve
    компенсируется возвратом зарезервированного;
  - total_spent — это закоммиченный резерв, поэтому отчет об
    использовании в пределах гранта леджер не трогает.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iron-cage/budget-gate/internal/audit"
	"github.com/iron-cage/budget-gate/internal/domain"
	"github.com/iron-cage/budget-gate/internal/infra/auth"
	"github.com/iron-cage/budget-gate/internal/vault"
)

// LeaseStore — требования оркестратора к хранилищу lease.
type LeaseStore interface {
	CreateLease(ctx context.Context, lease *domain.BudgetLease) error
	GetLease(ctx context.Context, leaseID string) (*domain.BudgetLease, error)
	RecordLeaseUsage(ctx context.Context, leaseID string, cost int64) (accepted, remaining int64, err error)
	SupersedeLease(ctx context.Context, leaseID string) error
}

// AgentDirectory — агент -> владелец и агрегат владельца ("банк").
type AgentDirectory interface {
	GetAgentOwner(ctx context.Context, agentID int64) (string, error)
	DebitOwnerBank(ctx context.Context, ownerUserID string, amount int64) error
	CreditOwnerBank(ctx context.Context, ownerUserID string, amount int64) error
}

// CredentialSource — Vault с точки зрения оркестратора.
type CredentialSource interface {
	Open(ctx context.Context, provider domain.Provider, keyID string) (*vault.OpenedCredential, error)
}

// Revoker — kill-switch уровня агента.
type Revoker interface {
	IsRevoked(agentID int64) bool
}

// TokenVerifier проверяет IC-токен.
type TokenVerifier interface {
	Verify(tokenStr string) (*domain.CapabilityClaims, error)
}

// EnvelopeEncoder упаковывает plaintext в IP-токен.
type EnvelopeEncoder interface {
	Encode(credential []byte) (string, error)
}

type Config struct {
	MaxHandshakeBudget     int64
	DefaultHandshakeBudget int64
	LeaseTTL               time.Duration
}

// Engine — ядро шлюза. Все зависимости приходят при сборке, никаких
// процессных синглтонов: корректность конкуренции обеспечивает
// хранилище, а не локи внутри процесса.
type Engine struct {
	tokens     TokenVerifier
	encoder    EnvelopeEncoder
	vault      CredentialSource
	ledger     *LedgerGuard
	leases     LeaseStore
	directory  AgentDirectory
	revocation Revoker
	trail      audit.Recorder
	metrics    *Metrics
	logger     *zap.Logger
	cfg        Config
}

func NewEngine(
	tokens TokenVerifier,
	encoder EnvelopeEncoder,
	credSource CredentialSource,
	ledger *LedgerGuard,
	leases LeaseStore,
	directory AgentDirectory,
	revocation Revoker,
	trail audit.Recorder,
	metrics *Metrics,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if cfg.MaxHandshakeBudget <= 0 {
		cfg.MaxHandshakeBudget = 100_000_000
	}
	if cfg.DefaultHandshakeBudget <= 0 {
		cfg.DefaultHandshakeBudget = 10_000_000
	}
	return &Engine{
		tokens:     tokens,
		encoder:    encoder,
		vault:      credSource,
		ledger:     ledger,
		leases:     leases,
		directory:  directory,
		revocation: revocation,
		trail:      trail,
		metrics:    metrics,
		logger:     logger.Named("engine"),
		cfg:        cfg,
	}
}

// Handshake — выдача бюджета и одноразового конверта с ключом провайдера.
func (e *Engine) Handshake(ctx context.Context, req *domain.HandshakeRequest) (resp *domain.HandshakeResponse, err error) {
	start := time.Now()
	event := audit.ProtocolEvent{
		ID:        uuid.New().String(),
		TraceID:   extractTraceID(ctx),
		Operation: audit.OpHandshake,
		Provider:  req.Provider,
		Timestamp: start,
	}
	defer func() { e.finish(&event, start, err) }()

	// 1. Валидация формы запроса — до любого I/O
	provider, requested, vErr := e.validateHandshake(req)
	if vErr != nil {
		return nil, vErr
	}

	// 2. Подпись, issuer, срок действия токена
	claims, err := e.tokens.Verify(req.ICToken)
	if err != nil {
		return nil, err
	}

	// 3. Строгий разбор agent_id. Отказ именует конкретный дефект
	// (нечисловой/неположительный), фолбэка не существует.
	agentID, err := auth.ParseAgentID(claims.AgentID)
	if err != nil {
		var idErr *auth.AgentIDError
		if errors.As(err, &idErr) {
			return nil, domain.NewValidationError("agent_id", idErr.Defect.String())
		}
		return nil, domain.NewValidationError("agent_id", "invalid")
	}
	event.AgentID = agentID

	if e.revocation != nil && e.revocation.IsRevoked(agentID) {
		return nil, domain.ErrAgentRevoked
	}

	// 4. Агент должен существовать; наружу — обезличенный отказ
	owner, err := e.directory.GetAgentOwner(ctx, agentID)
	if err != nil {
		return nil, errors.Join(domain.ErrInternal, err)
	}
	if owner == "" {
		return nil, domain.ErrUnknownAgent
	}

	// 5. Атомарный резерв. Ноль — исчерпание, отдаем снапшот бюджета
	granted, err := e.ledger.Reserve(ctx, agentID, requested)
	if err != nil {
		return nil, err
	}
	if granted == 0 {
		status, serr := e.ledger.Status(ctx, agentID)
		if serr != nil {
			e.logger.Warn("failed to read budget snapshot for denial", zap.Error(serr))
		}
		return nil, &domain.BudgetDeniedError{Status: status}
	}
	event.Amount = granted

	// С этого места резерв без lease жить не должен: любой срыв
	// компенсируем возвратом granted в остаток. Компенсация идет на
	// отвязанном контексте: обрыв запроса не должен похоронить возврат.
	release := func() {
		cctx, cancel := compensationContext(ctx)
		defer cancel()
		if rerr := e.ledger.Release(cctx, agentID, granted); rerr != nil {
			e.logger.Error("reservation compensation failed: budget leaked",
				zap.Int64("agent_id", agentID), zap.Int64("amount", granted), zap.Error(rerr))
		}
	}

	// 6. Ключ провайдера: явный id либо первый включенный
	opened, err := e.vault.Open(ctx, provider, req.ProviderKeyID)
	if err != nil {
		release()
		return nil, err
	}

	// 7. Переупаковка: at-rest конверт уже снят, транспортный — свой ключ
	ipToken, err := e.encoder.Encode(opened.Plaintext)
	if err != nil {
		release()
		return nil, err
	}

	// 8. Банк владельца списываем до создания lease, с обратной
	// компенсацией при срыве — обе записи либо есть, либо нет
	if err := e.directory.DebitOwnerBank(ctx, owner, granted); err != nil {
		release()
		return nil, errors.Join(domain.ErrInternal, err)
	}

	lease := &domain.BudgetLease{
		LeaseID:       uuid.New().String(),
		AgentID:       agentID,
		BudgetID:      agentID,
		BudgetGranted: granted,
		Status:        domain.LeaseActive,
	}
	if e.cfg.LeaseTTL > 0 {
		expires := start.Add(e.cfg.LeaseTTL)
		lease.ExpiresAt = &expires
	}

	if err := e.leases.CreateLease(ctx, lease); err != nil {
		e.creditBack(ctx, owner, granted)
		release()
		return nil, errors.Join(domain.ErrInternal, err)
	}
	event.LeaseID = lease.LeaseID

	status, err := e.ledger.Status(ctx, agentID)
	if err != nil {
		// Lease уже выдан — не срываем операцию из-за снапшота
		e.logger.Warn("failed to read budget after grant", zap.Error(err))
	}
	var remaining int64
	if status != nil {
		remaining = status.BudgetRemaining
	}

	e.metrics.GrantedMicrodollars.Add(float64(granted))

	return &domain.HandshakeResponse{
		IPToken:         ipToken,
		LeaseID:         lease.LeaseID,
		BudgetGranted:   granted,
		BudgetRemaining: remaining,
		ExpiresAt:       lease.ExpiresAt,
	}, nil
}

// Report — прием отчета об использовании в рамках lease.
//
// Резерв закоммичен при выдаче lease, поэтому леджер здесь не мутируется:
// инвариант total_allocated = total_spent + budget_remaining до и после
// отчета в пределах гранта идентичен. Списание сверх гранта принимается
// до потолка и сигналится OverrunError.
func (e *Engine) Report(ctx context.Context, req *domain.UsageReport) (resp *domain.UsageReportResponse, err error) {
	start := time.Now()
	event := audit.ProtocolEvent{
		ID:        uuid.New().String(),
		TraceID:   extractTraceID(ctx),
		Operation: audit.OpReport,
		LeaseID:   req.LeaseID,
		Provider:  req.Provider,
		Timestamp: start,
	}
	defer func() { e.finish(&event, start, err) }()

	if vErr := validateReport(req); vErr != nil {
		return nil, vErr
	}

	lease, err := e.leases.GetLease(ctx, req.LeaseID)
	if err != nil {
		return nil, errors.Join(domain.ErrInternal, err)
	}
	if lease == nil {
		return nil, domain.ErrLeaseNotFound
	}
	event.AgentID = lease.AgentID

	// Терминальные lease новые списания не принимают
	if lease.Status != domain.LeaseActive || lease.Expired(time.Now()) {
		return nil, domain.ErrLeaseExpired
	}

	accepted, _, err := e.leases.RecordLeaseUsage(ctx, req.LeaseID, req.Cost)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseNotFound) {
			return nil, domain.ErrLeaseExpired
		}
		return nil, errors.Join(domain.ErrInternal, err)
	}
	event.Amount = accepted

	status, err := e.ledger.Status(ctx, lease.AgentID)
	if err != nil {
		return nil, err
	}
	var remaining int64
	if status != nil {
		remaining = status.BudgetRemaining
	}

	if accepted < req.Cost {
		// Принято до потолка гранта; перерасход — решение вызывающего
		return nil, &domain.OverrunError{
			LeaseID:   req.LeaseID,
			Attempted: req.Cost,
			Accepted:  accepted,
		}
	}

	return &domain.UsageReportResponse{
		Success:         true,
		BudgetRemaining: remaining,
	}, nil
}

// Refresh — новый lease взамен текущего: резерв тем же атомарным
// примитивом, прежний lease терминируется (supersede).
func (e *Engine) Refresh(ctx context.Context, req *domain.RefreshRequest) (resp *domain.RefreshResponse, err error) {
	start := time.Now()
	event := audit.ProtocolEvent{
		ID:        uuid.New().String(),
		TraceID:   extractTraceID(ctx),
		Operation: audit.OpRefresh,
		LeaseID:   req.CurrentLeaseID,
		Timestamp: start,
	}
	defer func() { e.finish(&event, start, err) }()

	requested, vErr := e.validateRefresh(req)
	if vErr != nil {
		return nil, vErr
	}

	claims, err := e.tokens.Verify(req.ICToken)
	if err != nil {
		return nil, err
	}

	agentID, err := auth.ParseAgentID(claims.AgentID)
	if err != nil {
		var idErr *auth.AgentIDError
		if errors.As(err, &idErr) {
			return nil, domain.NewValidationError("agent_id", idErr.Defect.String())
		}
		return nil, domain.NewValidationError("agent_id", "invalid")
	}
	event.AgentID = agentID

	if e.revocation != nil && e.revocation.IsRevoked(agentID) {
		return nil, domain.ErrAgentRevoked
	}

	owner, err := e.directory.GetAgentOwner(ctx, agentID)
	if err != nil {
		return nil, errors.Join(domain.ErrInternal, err)
	}
	if owner == "" {
		return nil, domain.ErrUnknownAgent
	}

	current, err := e.leases.GetLease(ctx, req.CurrentLeaseID)
	if err != nil {
		return nil, errors.Join(domain.ErrInternal, err)
	}
	// Чужой lease неотличим от несуществующего — против enumeration
	if current == nil || current.AgentID != agentID {
		return nil, domain.ErrLeaseNotFound
	}

	granted, err := e.ledger.Reserve(ctx, agentID, requested)
	if err != nil {
		return nil, err
	}
	if granted == 0 {
		// Отказ по бюджету в refresh — легитимный ответ, не ошибка
		return &domain.RefreshResponse{
			Status: domain.RefreshDenied,
			Reason: "budget exhausted",
		}, nil
	}
	event.Amount = granted

	release := func() {
		cctx, cancel := compensationContext(ctx)
		defer cancel()
		if rerr := e.ledger.Release(cctx, agentID, granted); rerr != nil {
			e.logger.Error("reservation compensation failed: budget leaked",
				zap.Int64("agent_id", agentID), zap.Int64("amount", granted), zap.Error(rerr))
		}
	}

	// Банк владельца двигается синхронно с леджером и в refresh
	if err := e.directory.DebitOwnerBank(ctx, owner, granted); err != nil {
		release()
		return nil, errors.Join(domain.ErrInternal, err)
	}

	lease := &domain.BudgetLease{
		LeaseID:       uuid.New().String(),
		AgentID:       agentID,
		BudgetID:      agentID,
		BudgetGranted: granted,
		Status:        domain.LeaseActive,
	}
	if e.cfg.LeaseTTL > 0 {
		expires := start.Add(e.cfg.LeaseTTL)
		lease.ExpiresAt = &expires
	}

	if err := e.leases.CreateLease(ctx, lease); err != nil {
		e.creditBack(ctx, owner, granted)
		release()
		return nil, errors.Join(domain.ErrInternal, err)
	}
	event.LeaseID = lease.LeaseID

	// Прежний lease больше не принимает списаний. Повторный supersede
	// (уже терминален) — не сбой: новый lease выдан честно.
	if err := e.leases.SupersedeLease(ctx, req.CurrentLeaseID); err != nil && !errors.Is(err, domain.ErrLeaseNotFound) {
		e.logger.Error("failed to supersede prior lease",
			zap.String("lease_id", req.CurrentLeaseID), zap.Error(err))
	}

	status, err := e.ledger.Status(ctx, agentID)
	if err != nil {
		e.logger.Warn("failed to read budget after refresh", zap.Error(err))
	}
	var remaining int64
	if status != nil {
		remaining = status.BudgetRemaining
	}

	e.metrics.GrantedMicrodollars.Add(float64(granted))

	return &domain.RefreshResponse{
		Status:          domain.RefreshApproved,
		LeaseID:         lease.LeaseID,
		BudgetGranted:   granted,
		BudgetRemaining: remaining,
	}, nil
}

// --- валидация входа (до любого I/O) ---

func (e *Engine) validateHandshake(req *domain.HandshakeRequest) (domain.Provider, int64, error) {
	if req.ICToken == "" {
		return "", 0, domain.NewValidationError("ic_token", "must not be empty")
	}
	if len(req.ICToken) > domain.MaxTokenLength {
		return "", 0, domain.NewValidationError("ic_token", "too long")
	}
	if req.Provider == "" {
		return "", 0, domain.NewValidationError("provider", "must not be empty")
	}
	if len(req.Provider) > domain.MaxProviderLength {
		return "", 0, domain.NewValidationError("provider", "too long")
	}
	provider := domain.Provider(strings.ToLower(req.Provider))
	if !provider.Valid() {
		return "", 0, domain.NewValidationError("provider", "unsupported provider")
	}
	if len(req.ProviderKeyID) > domain.MaxKeyIDLength {
		return "", 0, domain.NewValidationError("provider_key_id", "too long")
	}

	requested := req.RequestedBudget
	switch {
	case requested == 0:
		requested = e.cfg.DefaultHandshakeBudget
	case requested < 0:
		return "", 0, domain.NewValidationError("requested_budget", "must be positive")
	case requested > e.cfg.MaxHandshakeBudget:
		return "", 0, domain.NewValidationError("requested_budget", "exceeds maximum")
	}

	return provider, requested, nil
}

func validateReport(req *domain.UsageReport) error {
	if req.LeaseID == "" || len(req.LeaseID) > domain.MaxLeaseIDLength {
		return domain.NewValidationError("lease_id", "must be a non-empty id")
	}
	if req.RequestID == "" {
		return domain.NewValidationError("request_id", "must not be empty")
	}
	if req.Tokens <= 0 {
		return domain.NewValidationError("tokens", "must be positive")
	}
	if req.Cost < 0 {
		return domain.NewValidationError("cost_microdollars", "must not be negative")
	}
	if len(req.Model) > domain.MaxModelLength {
		return domain.NewValidationError("model", "too long")
	}
	return nil
}

func (e *Engine) validateRefresh(req *domain.RefreshRequest) (int64, error) {
	if req.ICToken == "" {
		return 0, domain.NewValidationError("ic_token", "must not be empty")
	}
	if len(req.ICToken) > domain.MaxTokenLength {
		return 0, domain.NewValidationError("ic_token", "too long")
	}
	if req.CurrentLeaseID == "" || len(req.CurrentLeaseID) > domain.MaxLeaseIDLength {
		return 0, domain.NewValidationError("current_lease_id", "must be a non-empty id")
	}

	requested := req.RequestedBudget
	switch {
	case requested == 0:
		requested = e.cfg.DefaultHandshakeBudget
	case requested < 0:
		return 0, domain.NewValidationError("requested_budget", "must be positive")
	case requested > e.cfg.MaxHandshakeBudget:
		return 0, domain.NewValidationError("requested_budget", "exceeds maximum")
	}
	return requested, nil
}

// compensationContext отвязывает компенсацию от жизни запроса: если
// транспорт отменил контекст посреди операции, возврат резерва обязан
// все равно дойти до хранилища. Значения (trace id) сохраняются.
func compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// creditBack — обратная компенсация дебета банка владельца.
func (e *Engine) creditBack(ctx context.Context, owner string, amount int64) {
	cctx, cancel := compensationContext(ctx)
	defer cancel()
	if cerr := e.directory.CreditOwnerBank(cctx, owner, amount); cerr != nil {
		e.logger.Error("owner bank compensation failed", zap.String("owner", owner), zap.Error(cerr))
	}
}

// finish — единая точка: метрики + протокольный трейл.
func (e *Engine) finish(event *audit.ProtocolEvent, start time.Time, err error) {
	event.DurationMs = time.Since(start).Milliseconds()
	event.Status = outcomeStatus(event.Operation, err)
	if err != nil {
		// В трейл — класс исхода, не внутренние детали
		event.Error = rootMessage(err)
	}

	e.metrics.RequestDuration.
		WithLabelValues(event.Operation, event.Status).
		Observe(time.Since(start).Seconds())
	e.metrics.OperationsTotal.WithLabelValues(event.Operation, event.Status).Inc()

	if e.trail != nil {
		e.trail.Record(*event)
	}
}

func outcomeStatus(operation string, err error) string {
	switch {
	case err == nil:
		// Успешный отчет — это прием списания, а не выдача бюджета
		if operation == audit.OpReport {
			return audit.StatusAccepted
		}
		return audit.StatusGranted
	case errors.Is(err, domain.ErrBudgetExhausted):
		return audit.StatusDenied
	case errors.Is(err, domain.ErrInternal):
		return audit.StatusFailed
	default:
		return audit.StatusRejected
	}
}

// rootMessage возвращает безопасную фразу для трейла: тексты доменных
// ошибок фиксированы, все прочее схлопывается в "internal error".
func rootMessage(err error) string {
	for _, known := range []error{
		domain.ErrInvalidToken, domain.ErrUnknownAgent, domain.ErrAgentRevoked,
		domain.ErrBudgetExhausted, domain.ErrLeaseNotFound, domain.ErrLeaseExpired,
		domain.ErrKeyNotFound, domain.ErrKeyDisabled, domain.ErrProviderMismatch,
		domain.ErrCrypto,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Error()
	}
	var oErr *domain.OverrunError
	if errors.As(err, &oErr) {
		return fmt.Sprintf("lease budget overrun: accepted %d of %d", oErr.Accepted, oErr.Attempted)
	}
	return domain.ErrInternal.Error()
}
