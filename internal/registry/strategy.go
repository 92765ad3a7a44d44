package registry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hewenyu/service-coordination/pkg/model"
)

// Strategy 负载均衡策略
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRandom             Strategy = "random"
)

// ParseStrategy 解析策略名称，空字符串返回轮询
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyRoundRobin, nil
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedRoundRobin, StrategyRandom:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("未知的负载均衡策略: %s", s)
	}
}

// DiscoverService 按策略选择一个实例，没有可用实例时返回nil。
// healthyOnly为true时只在健康实例中选择。
func (r *Registry) DiscoverService(ctx context.Context, serviceName string, strategy Strategy, healthyOnly bool) *model.ServiceInstance {
	instances := r.DiscoverInstances(ctx, serviceName)
	if healthyOnly {
		healthy := instances[:0]
		for _, inst := range instances {
			if inst.IsHealthy() {
				healthy = append(healthy, inst)
			}
		}
		instances = healthy
	}
	if len(instances) == 0 {
		r.logger.Debug("没有可用的服务实例", zap.String("service", serviceName))
		return nil
	}

	switch strategy {
	case StrategyRoundRobin, "":
		return r.roundRobin(serviceName, instances)
	case StrategyLeastConnections:
		return leastConnections(instances)
	case StrategyWeightedRoundRobin:
		return r.weightedRoundRobin(serviceName, instances)
	case StrategyRandom:
		return instances[rand.IntN(len(instances))]
	default:
		r.logger.Warn("未知的负载均衡策略，使用轮询", zap.String("strategy", string(strategy)))
		return r.roundRobin(serviceName, instances)
	}
}

func (r *Registry) counter(counters map[string]*atomic.Uint64, serviceName string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := counters[serviceName]
	if !ok {
		c = &atomic.Uint64{}
		counters[serviceName] = c
	}
	return c
}

func (r *Registry) roundRobin(serviceName string, instances []*model.ServiceInstance) *model.ServiceInstance {
	n := r.counter(r.rrCounters, serviceName).Add(1) - 1
	return instances[n%uint64(len(instances))]
}

// leastConnections 选择连接数最少的实例，相同时取第一个
func leastConnections(instances []*model.ServiceInstance) *model.ServiceInstance {
	best := instances[0]
	for _, inst := range instances[1:] {
		if inst.ActiveConnections < best.ActiveConnections {
			best = inst
		}
	}
	return best
}

// weightedRoundRobin 计数器对总权重取模后按累计权重选择
func (r *Registry) weightedRoundRobin(serviceName string, instances []*model.ServiceInstance) *model.ServiceInstance {
	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}

	pos := int((r.counter(r.wrrCounters, serviceName).Add(1) - 1) % uint64(total))
	cumulative := 0
	for _, inst := range instances {
		cumulative += weightOf(inst)
		if pos < cumulative {
			return inst
		}
	}
	return instances[len(instances)-1]
}

func weightOf(inst *model.ServiceInstance) int {
	if inst.Weight <= 0 {
		return model.DefaultWeight
	}
	return inst.Weight
}
