package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage"
)

// PublisherConfig 发布器配置
type PublisherConfig struct {
	SourceService   string
	MaxRetries      int
	RetryBaseDelay  time.Duration
	DeliveryTimeout time.Duration
	EventTTL        time.Duration
	RecentLimit     int
	DeadLetterLimit int
	DeadLetterTTL   time.Duration
	Routes          Routes
}

// MaxRetriesLimit 单个事件允许的最大重试次数
const MaxRetriesLimit = 10

// DefaultPublisherConfig 返回默认配置
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		MaxRetries:      model.DefaultMaxRetries,
		RetryBaseDelay:  60 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		EventTTL:        24 * time.Hour,
		RecentLimit:     100,
		DeadLetterLimit: 1000,
		DeadLetterTTL:   7 * 24 * time.Hour,
		Routes:          DefaultRoutes(),
	}
}

func (c *PublisherConfig) applyDefaults() {
	def := DefaultPublisherConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	c.MaxRetries = min(c.MaxRetries, MaxRetriesLimit)
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	if c.EventTTL <= 0 {
		c.EventTTL = def.EventTTL
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = def.RecentLimit
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = def.DeadLetterLimit
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = def.DeadLetterTTL
	}
	if c.Routes == nil {
		c.Routes = def.Routes
	}
}

// DeliveryState 单个目标的投递状态
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryRetrying     DeliveryState = "retrying"
	DeliveryDeadLettered DeliveryState = "dead_lettered"
)

// TargetStatus 单个目标的投递进度
type TargetStatus struct {
	State       DeliveryState `json:"state"`
	Attempts    int           `json:"attempts"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// EventStatus 事件及各目标的投递状态
type EventStatus struct {
	Envelope   *model.EventEnvelope    `json:"envelope"`
	Deliveries map[string]TargetStatus `json:"deliveries"`
}

// Stats 发布统计
type Stats struct {
	RecentEvents   int            `json:"recent_events"`
	DeadLetters    int            `json:"dead_letters"`
	FailedEvents   int            `json:"failed_events"`
	PendingRetries int            `json:"pending_retries"`
	ByType         map[string]int `json:"by_type"`
	ByPriority     map[string]int `json:"by_priority"`
}

type publishOptions struct {
	priority   model.Priority
	targets    []string
	async      bool
	maxRetries int
}

// PublishOption 发布选项
type PublishOption func(*publishOptions)

// WithPriority 设置优先级，默认medium
func WithPriority(p model.Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithTargets 指定目标服务，不使用路由表
func WithTargets(targets ...string) PublishOption {
	return func(o *publishOptions) { o.targets = targets }
}

// WithAsync 异步投递，Publish立即返回
func WithAsync(async bool) PublishOption {
	return func(o *publishOptions) { o.async = async }
}

// WithMaxRetries 覆盖最大重试次数
func WithMaxRetries(n int) PublishOption {
	return func(o *publishOptions) { o.maxRetries = n }
}

// PublisherOption 发布器选项
type PublisherOption func(*Publisher)

// WithScheduler 替换重试调度器
func WithScheduler(s Scheduler) PublisherOption {
	return func(p *Publisher) { p.scheduler = s }
}

// Publisher 事件发布器
type Publisher struct {
	cfg       PublisherConfig
	store     storage.Store
	transport Transport
	scheduler Scheduler
	logger    config.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	timers    map[uint64]*pendingRetry
	nextTimer uint64
	wg        sync.WaitGroup

	// 投递状态的读改写
	statusMu sync.Mutex
}

// reasonPublisherClosed 关闭时未执行的重试写入死信的原因
const reasonPublisherClosed = "发布器已关闭，重试被取消"

// pendingRetry 已安排的重试
type pendingRetry struct {
	timer  Timer
	env    *model.EventEnvelope
	target string
}

// NewPublisher 创建事件发布器
func NewPublisher(store storage.Store, transport Transport, cfg PublisherConfig, logger config.Logger, opts ...PublisherOption) *Publisher {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:       cfg,
		store:     store,
		transport: transport,
		scheduler: realScheduler{},
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[uint64]*pendingRetry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish 创建并保存事件信封，然后投递给所有目标服务。
// 单个目标的失败不影响其他目标，失败会按退避策略重试，耗尽后进入死信列表。
func (p *Publisher) Publish(ctx context.Context, eventType model.EventType, data any, opts ...PublishOption) (string, error) {
	if p.isClosed() {
		return "", ErrPublisherClosed
	}
	if eventType == "" {
		return "", fmt.Errorf("事件类型不能为空")
	}

	o := publishOptions{
		priority:   model.PriorityMedium,
		maxRetries: p.cfg.MaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return "", fmt.Errorf("无效的优先级: %s", o.priority)
	}
	if o.maxRetries < 0 || o.maxRetries > MaxRetriesLimit {
		return "", fmt.Errorf("最大重试次数必须在0到%d之间", MaxRetriesLimit)
	}

	env, err := model.NewEventEnvelope(eventType, p.cfg.SourceService, data)
	if err != nil {
		return "", err
	}
	env.Priority = o.priority
	env.MaxRetries = o.maxRetries
	env.TargetServices = append([]string(nil), o.targets...)
	if len(env.TargetServices) == 0 {
		env.TargetServices = p.cfg.Routes.Targets(eventType)
	}

	if err := p.persist(ctx, env); err != nil {
		return "", err
	}

	if len(env.TargetServices) == 0 {
		p.logger.Warn("事件没有目标服务", zap.String("event_type", string(eventType)), zap.String("event_id", env.EventID))
		return env.EventID, nil
	}

	p.logger.Info("发布事件",
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(eventType)),
		zap.Strings("targets", env.TargetServices),
		zap.Bool("async", o.async))

	if o.async {
		if !p.track() {
			return "", ErrPublisherClosed
		}
		go func() {
			defer p.wg.Done()
			p.deliverAll(p.ctx, env)
		}()
		return env.EventID, nil
	}

	p.deliverAll(ctx, env)
	return env.EventID, nil
}

// persist 保存信封、加入最近事件列表并初始化各目标状态
func (p *Publisher) persist(ctx context.Context, env *model.EventEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := p.store.Set(ctx, envelopeKey(env.EventID), raw, p.cfg.EventTTL); err != nil {
		return fmt.Errorf("保存事件失败: %w", err)
	}
	if err := p.store.PushBounded(ctx, recentKey, raw, p.cfg.RecentLimit, p.cfg.EventTTL); err != nil {
		p.logger.Warn("写入最近事件列表失败", zap.String("event_id", env.EventID), zap.Error(err))
	}

	now := time.Now().UTC()
	deliveries := make(map[string]TargetStatus, len(env.TargetServices))
	for _, target := range env.TargetServices {
		deliveries[target] = TargetStatus{State: DeliveryPending, UpdatedAt: now}
	}
	return p.saveDeliveries(ctx, env.EventID, deliveries)
}

// track 在未关闭时登记一个后台任务
func (p *Publisher) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Publisher) deliverAll(ctx context.Context, env *model.EventEnvelope) {
	var g errgroup.Group
	for _, target := range env.TargetServices {
		g.Go(func() error {
			p.attempt(ctx, env.ForTarget(target), target)
			return nil
		})
	}
	_ = g.Wait()
}

// attempt 投递一次，失败时安排重试或写入死信
func (p *Publisher) attempt(ctx context.Context, env *model.EventEnvelope, target string) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	err := p.transport.Deliver(dctx, target, env)
	cancel()

	// 状态写入不受调用方取消影响
	bg := context.WithoutCancel(ctx)

	if err == nil {
		p.updateTarget(bg, env.EventID, target, func(ts *TargetStatus) {
			ts.State = DeliveryDelivered
			ts.Attempts++
			ts.RetryCount = env.RetryCount
			ts.NextRetryAt = nil
		})
		p.logger.Debug("事件投递成功",
			zap.String("event_id", env.EventID),
			zap.String("target", target),
			zap.Int("retry_count", env.RetryCount))
		return
	}

	now := time.Now().UTC()
	failure := model.DeliveryFailure{
		Service:    target,
		Error:      err.Error(),
		FailedAt:   now,
		RetryCount: env.RetryCount,
	}

	if env.RetryCount < env.MaxRetries {
		delay := backoff(p.cfg.RetryBaseDelay, env.RetryCount)
		next := env.Clone()
		next.FailedServices = append(next.FailedServices, failure)
		next.RetryCount++

		nextAt := now.Add(delay)
		p.updateTarget(bg, env.EventID, target, func(ts *TargetStatus) {
			ts.State = DeliveryRetrying
			ts.Attempts++
			ts.RetryCount = env.RetryCount
			ts.LastError = err.Error()
			ts.NextRetryAt = &nextAt
		})

		p.logger.Warn("事件投递失败，稍后重试",
			zap.String("event_id", env.EventID),
			zap.String("target", target),
			zap.Int("retry_count", next.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))

		p.scheduleRetry(next, target, delay)
		return
	}

	failed := env.Clone()
	failed.FailedServices = append(failed.FailedServices, failure)
	p.deadLetter(bg, failed, target, err.Error(), true)
}

func (p *Publisher) scheduleRetry(env *model.EventEnvelope, target string, delay time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.deadLetter(context.Background(), env, target, reasonPublisherClosed, false)
		return
	}
	defer p.mu.Unlock()

	id := p.nextTimer
	p.nextTimer++
	retry := &pendingRetry{env: env, target: target}
	retry.timer = p.scheduler.AfterFunc(delay, func() {
		p.mu.Lock()
		// 已被Close取走，由Close写入死信
		if _, ok := p.timers[id]; !ok || p.closed {
			p.mu.Unlock()
			return
		}
		delete(p.timers, id)
		p.wg.Add(1)
		p.mu.Unlock()

		defer p.wg.Done()
		p.attempt(p.ctx, env, target)
	})
	p.timers[id] = retry
}

// deadLetter 写入死信，attempted表示这次失败来自一次实际投递
func (p *Publisher) deadLetter(ctx context.Context, env *model.EventEnvelope, target, reason string, attempted bool) {
	dl := model.DeadLetter{
		Envelope:      env,
		TargetService: target,
		Reason:        reason,
		FailedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(dl)
	if err == nil {
		err = p.store.PushBounded(ctx, deadLetterKey, raw, p.cfg.DeadLetterLimit, p.cfg.DeadLetterTTL)
	}
	if err != nil {
		p.logger.Error("写入死信失败",
			zap.String("event_id", env.EventID),
			zap.String("target", target),
			zap.Error(err))
	}

	p.updateTarget(ctx, env.EventID, target, func(ts *TargetStatus) {
		ts.State = DeliveryDeadLettered
		if attempted {
			ts.Attempts++
		}
		ts.RetryCount = env.RetryCount
		ts.LastError = reason
		ts.NextRetryAt = nil
	})

	p.logger.Error("事件已进入死信",
		zap.String("event_id", env.EventID),
		zap.String("target", target),
		zap.Int("retry_count", env.RetryCount),
		zap.String("reason", reason))
}

func (p *Publisher) updateTarget(ctx context.Context, eventID, target string, fn func(*TargetStatus)) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	deliveries, err := p.loadDeliveries(ctx, eventID)
	if err != nil {
		p.logger.Warn("读取投递状态失败", zap.String("event_id", eventID), zap.Error(err))
		deliveries = map[string]TargetStatus{}
	}
	ts := deliveries[target]
	fn(&ts)
	ts.UpdatedAt = time.Now().UTC()
	deliveries[target] = ts

	if err := p.saveDeliveries(ctx, eventID, deliveries); err != nil {
		p.logger.Warn("保存投递状态失败", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (p *Publisher) loadDeliveries(ctx context.Context, eventID string) (map[string]TargetStatus, error) {
	raw, err := p.store.Get(ctx, deliveryKey(eventID))
	if storage.IsNotFound(err) {
		return map[string]TargetStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	deliveries := map[string]TargetStatus{}
	if err := json.Unmarshal(raw, &deliveries); err != nil {
		return nil, fmt.Errorf("解析投递状态失败: %w", err)
	}
	return deliveries, nil
}

func (p *Publisher) saveDeliveries(ctx context.Context, eventID string, deliveries map[string]TargetStatus) error {
	raw, err := json.Marshal(deliveries)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, deliveryKey(eventID), raw, p.cfg.EventTTL)
}

// Status 返回事件信封和各目标的投递状态
func (p *Publisher) Status(ctx context.Context, eventID string) (*EventStatus, error) {
	raw, err := p.store.Get(ctx, envelopeKey(eventID))
	if storage.IsNotFound(err) {
		return nil, ErrUnknownEvent
	}
	if err != nil {
		return nil, err
	}

	var env model.EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("解析事件失败: %w", err)
	}

	p.statusMu.Lock()
	deliveries, err := p.loadDeliveries(ctx, eventID)
	p.statusMu.Unlock()
	if err != nil {
		return nil, err
	}

	return &EventStatus{Envelope: &env, Deliveries: deliveries}, nil
}

// DeadLetters 返回保留期内的死信，最新的在前
func (p *Publisher) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	entries, err := p.deadLetterEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.DeadLetter, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.letter)
	}
	return out, nil
}

type deadLetterEntry struct {
	raw    []byte
	letter model.DeadLetter
}

func (p *Publisher) deadLetterEntries(ctx context.Context) ([]deadLetterEntry, error) {
	items, err := p.store.Range(ctx, deadLetterKey)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-p.cfg.DeadLetterTTL)
	entries := make([]deadLetterEntry, 0, len(items))
	for _, raw := range items {
		var dl model.DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil || dl.Envelope == nil {
			p.logger.Warn("跳过无法解析的死信", zap.Error(err))
			continue
		}
		if dl.FailedAt.Before(cutoff) {
			continue
		}
		entries = append(entries, deadLetterEntry{raw: raw, letter: dl})
	}
	return entries, nil
}

// Retry 重放死信中的事件：重置重试次数，从死信列表移除后重新投递。
// 返回重放的目标数。
func (p *Publisher) Retry(ctx context.Context, eventID string) (int, error) {
	if p.isClosed() {
		return 0, ErrPublisherClosed
	}

	entries, err := p.deadLetterEntries(ctx)
	if err != nil {
		return 0, err
	}

	var matched []deadLetterEntry
	for _, e := range entries {
		if e.letter.Envelope.EventID == eventID {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return 0, ErrNotDeadLettered
	}

	replayed := 0
	for _, e := range matched {
		removed, err := p.store.RemoveFromList(ctx, deadLetterKey, e.raw)
		if err != nil {
			return replayed, fmt.Errorf("移除死信失败: %w", err)
		}
		if removed == 0 {
			// 已被其他调用重放
			continue
		}

		env := e.letter.Envelope.Clone()
		env.RetryCount = 0
		target := e.letter.TargetService
		env.TargetServices = []string{target}

		p.updateTarget(ctx, eventID, target, func(ts *TargetStatus) {
			ts.State = DeliveryPending
			ts.RetryCount = 0
			ts.NextRetryAt = nil
		})
		p.logger.Info("重放死信事件", zap.String("event_id", eventID), zap.String("target", target))

		p.attempt(ctx, env, target)
		replayed++
	}
	return replayed, nil
}

// Stats 汇总最近事件和死信
func (p *Publisher) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByType:     map[string]int{},
		ByPriority: map[string]int{},
	}

	recent, err := p.store.Range(ctx, recentKey)
	if err != nil {
		return nil, err
	}
	for _, raw := range recent {
		var env model.EventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		stats.RecentEvents++
		stats.ByType[string(env.EventType)]++
		stats.ByPriority[string(env.Priority)]++
	}

	entries, err := p.deadLetterEntries(ctx)
	if err != nil {
		return nil, err
	}
	failed := map[string]struct{}{}
	for _, e := range entries {
		failed[e.letter.Envelope.EventID] = struct{}{}
	}
	stats.DeadLetters = len(entries)
	stats.FailedEvents = len(failed)

	p.mu.Lock()
	stats.PendingRetries = len(p.timers)
	p.mu.Unlock()

	return stats, nil
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close 取消所有待执行的重试并等待正在进行的投递结束。
// 被取消的重试写入死信，可以在之后通过Retry重放。
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancelled := make([]*pendingRetry, 0, len(p.timers))
	for id, r := range p.timers {
		r.timer.Stop()
		delete(p.timers, id)
		cancelled = append(cancelled, r)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	if len(cancelled) > 0 {
		p.logger.Warn("关闭发布器时取消了待执行的重试，已写入死信", zap.Int("count", len(cancelled)))
	}
	for _, r := range cancelled {
		p.deadLetter(context.Background(), r.env, r.target, reasonPublisherClosed, false)
	}
	return nil
}
