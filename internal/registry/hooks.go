package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/pkg/model"
)

// EventKind 生命周期事件类型
type EventKind string

const (
	EventServiceRegistered    EventKind = "service_registered"
	EventServiceDeregistered  EventKind = "service_deregistered"
	EventServiceHealthChanged EventKind = "service_health_changed"
)

// Event 注册中心生命周期事件
type Event struct {
	Kind      EventKind
	Instance  *model.ServiceInstance
	OldStatus model.HealthStatus // 仅健康状态变化时有效
	NewStatus model.HealthStatus
	Reason    string
	Time      time.Time
}

// Listener 事件监听器，返回的错误和panic只会被记录
type Listener func(ctx context.Context, event Event) error

// OnServiceRegistered 添加注册事件监听器
func (r *Registry) OnServiceRegistered(l Listener) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks[EventServiceRegistered] = append(r.hooks[EventServiceRegistered], l)
}

// OnServiceDeregistered 添加注销事件监听器
func (r *Registry) OnServiceDeregistered(l Listener) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks[EventServiceDeregistered] = append(r.hooks[EventServiceDeregistered], l)
}

// OnServiceHealthChanged 添加健康状态变化监听器
func (r *Registry) OnServiceHealthChanged(l Listener) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks[EventServiceHealthChanged] = append(r.hooks[EventServiceHealthChanged], l)
}

func (r *Registry) emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	r.hooksMu.RLock()
	listeners := append([]Listener(nil), r.hooks[event.Kind]...)
	r.hooksMu.RUnlock()

	for _, l := range listeners {
		if err := r.invoke(ctx, l, event); err != nil {
			r.logger.Error("事件监听器执行失败",
				zap.String("event", string(event.Kind)),
				zap.String("service", event.Instance.ServiceName),
				zap.String("id", event.Instance.InstanceID),
				zap.Error(err))
		}
	}
}

func (r *Registry) invoke(ctx context.Context, l Listener, event Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("监听器panic: %v", p)
		}
	}()
	return l(ctx, event)
}
