package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/internal/config"
	"github.com/hewenyu/service-coordination/pkg/model"
	"github.com/hewenyu/service-coordination/pkg/storage"
)

const (
	// DefaultStatusTTL 处理记录默认保留时间
	DefaultStatusTTL = 24 * time.Hour
	// DefaultProcessingLease 处理中标记的有效期，过期后重复投递可以接管
	DefaultProcessingLease = 30 * time.Second
)

// HandlerFunc 处理一种事件，返回值会序列化为处理结果
type HandlerFunc func(ctx context.Context, env *model.EventEnvelope) (any, error)

// UnitOfWork 把处理器的副作用包在一个原子单元里
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// UnitOfWorkFunc 函数形式的UnitOfWork
type UnitOfWorkFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Do 实现UnitOfWork
func (f UnitOfWorkFunc) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// noopUnitOfWork 直接执行
type noopUnitOfWork struct{}

func (noopUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// HandlerOption 处理器选项
type HandlerOption func(*Handler)

// WithUnitOfWork 设置事务边界
func WithUnitOfWork(uow UnitOfWork) HandlerOption {
	return func(h *Handler) { h.uow = uow }
}

// WithStatusTTL 设置处理记录保留时间
func WithStatusTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		if ttl > 0 {
			h.statusTTL = ttl
		}
	}
}

// WithProcessingLease 设置处理中标记的有效期
func WithProcessingLease(lease time.Duration) HandlerOption {
	return func(h *Handler) {
		if lease > 0 {
			h.lease = lease
		}
	}
}

// Handler 消费端事件分发器，按event_id保证副作用最多执行一次
type Handler struct {
	store     storage.Store
	logger    config.Logger
	uow       UnitOfWork
	statusTTL time.Duration
	lease     time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[model.EventType]HandlerFunc
}

// NewHandler 创建处理器，table为初始的事件类型到处理函数的映射
func NewHandler(store storage.Store, table map[model.EventType]HandlerFunc, logger config.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:     store,
		logger:    logger,
		uow:       noopUnitOfWork{},
		statusTTL: DefaultStatusTTL,
		lease:     DefaultProcessingLease,
		now:       time.Now,
		handlers:  make(map[model.EventType]HandlerFunc, len(table)),
	}
	for t, fn := range table {
		h.handlers[t] = fn
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册或替换某个事件类型的处理函数
func (h *Handler) Register(eventType model.EventType, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[eventType] = fn
}

func (h *Handler) lookup(eventType model.EventType) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[eventType]
	return fn, ok
}

// HandleEvent 处理一个事件并返回处理记录，不会返回错误也不会panic。
//
// 已完成的事件直接返回缓存的记录；处理中标记未过期时返回处理中记录而不再执行；
// 否则标记为处理中，在UnitOfWork中执行处理函数并记录完成或失败。
// 处理者崩溃或保存结果失败时，处理中标记在lease之后失效，重复投递会重新执行。
func (h *Handler) HandleEvent(ctx context.Context, env *model.EventEnvelope) model.ProcessingRecord {
	if env == nil {
		return failedRecord("", "", "事件为空")
	}
	if err := env.Validate(); err != nil {
		return failedRecord(env.EventID, env.EventType, err.Error())
	}

	log := h.logger.With(
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(env.EventType)),
		zap.String("source", env.SourceService))

	existing, err := h.Record(ctx, env.EventID)
	switch {
	case err == nil && existing.Status == model.StatusCompleted:
		log.Debug("重复事件，返回已完成的结果")
		return *existing
	case err == nil && existing.Status == model.StatusProcessing && !h.stale(existing):
		log.Debug("事件正在处理中，忽略重复投递")
		return *existing
	case err == nil && existing.Status == model.StatusProcessing:
		log.Warn("处理中标记已过期，重新处理", zap.Time("claimed_at", existing.UpdatedAt))
	case err != nil && !storage.IsNotFound(err):
		log.Error("读取处理记录失败", zap.Error(err))
		return failedRecord(env.EventID, env.EventType, fmt.Sprintf("读取处理记录失败: %v", err))
	}

	processing := model.ProcessingRecord{
		EventID:   env.EventID,
		EventType: env.EventType,
		Status:    model.StatusProcessing,
		Message:   "处理中",
		UpdatedAt: h.now().UTC(),
	}
	claimed, err := h.claim(ctx, &processing, existing)
	if err != nil {
		log.Error("标记事件处理中失败", zap.Error(err))
		return failedRecord(env.EventID, env.EventType, fmt.Sprintf("标记事件处理中失败: %v", err))
	}
	if !claimed {
		// 并发投递，另一个处理者已经占用
		if current, err := h.Record(ctx, env.EventID); err == nil {
			return *current
		}
		return processing
	}

	record := h.run(ctx, env)
	if err := h.save(context.WithoutCancel(ctx), &record); err != nil {
		log.Error("保存处理记录失败", zap.Error(err))
	}

	if record.Status == model.StatusCompleted {
		log.Info("事件处理完成")
	} else {
		log.Warn("事件处理失败", zap.String("reason", record.Message))
	}
	return record
}

// claim 占用事件，标记只保留lease时长。
// 没有记录时用SetNX保证只有一个处理者；之前失败或处理中标记已过期的事件直接覆盖。
func (h *Handler) claim(ctx context.Context, processing *model.ProcessingRecord, existing *model.ProcessingRecord) (bool, error) {
	raw, err := json.Marshal(processing)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, h.store.Set(ctx, processedKey(processing.EventID), raw, h.lease)
	}
	return h.store.SetNX(ctx, processedKey(processing.EventID), raw, h.lease)
}

// stale 处理中标记是否已超过lease
func (h *Handler) stale(record *model.ProcessingRecord) bool {
	return h.now().Sub(record.UpdatedAt) >= h.lease
}

// run 在UnitOfWork中执行处理函数，panic被转换为失败记录
func (h *Handler) run(ctx context.Context, env *model.EventEnvelope) (record model.ProcessingRecord) {
	fn, ok := h.lookup(env.EventType)
	if !ok {
		return failedRecord(env.EventID, env.EventType, fmt.Sprintf("没有为事件类型 %s 注册处理器", env.EventType))
	}

	defer func() {
		if p := recover(); p != nil {
			record = failedRecord(env.EventID, env.EventType, fmt.Sprintf("处理器panic: %v", p))
		}
	}()

	var result any
	err := h.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx, env)
		return err
	})
	if err != nil {
		return failedRecord(env.EventID, env.EventType, err.Error())
	}

	record = model.ProcessingRecord{
		EventID:   env.EventID,
		EventType: env.EventType,
		Status:    model.StatusCompleted,
		Message:   "处理成功",
		UpdatedAt: time.Now().UTC(),
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return failedRecord(env.EventID, env.EventType, fmt.Sprintf("序列化处理结果失败: %v", err))
		}
		record.Result = raw
	}
	return record
}

func (h *Handler) save(ctx context.Context, record *model.ProcessingRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return h.store.Set(ctx, processedKey(record.EventID), raw, h.statusTTL)
}

// Record 返回事件的处理记录
func (h *Handler) Record(ctx context.Context, eventID string) (*model.ProcessingRecord, error) {
	raw, err := h.store.Get(ctx, processedKey(eventID))
	if err != nil {
		return nil, err
	}
	var record model.ProcessingRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("解析处理记录失败: %w", err)
	}
	return &record, nil
}

func failedRecord(eventID string, eventType model.EventType, message string) model.ProcessingRecord {
	return model.ProcessingRecord{
		EventID:   eventID,
		EventType: eventType,
		Status:    model.StatusFailed,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
}
