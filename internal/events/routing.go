// Package events 实现无消息中间件的服务间事件总线：发布、投递、重试、死信和幂等消费。
package events

import (
	"errors"

	"github.com/hewenyu/service-coordination/pkg/model"
)

// 存储键
const (
	envelopeKeyPrefix  = "events:envelope:"
	deliveryKeyPrefix  = "events:delivery:"
	processedKeyPrefix = "events:processed:"
	recentKey          = "events:recent"
	deadLetterKey      = "events:dead_letter"
)

// ReceivePath 各服务接收事件的固定路径
const ReceivePath = "/api/events/receive/"

var (
	// ErrUnknownEvent 事件不存在或已过期
	ErrUnknownEvent = errors.New("事件不存在")
	// ErrNotDeadLettered 事件不在死信列表中
	ErrNotDeadLettered = errors.New("事件不在死信列表中")
	// ErrPublisherClosed 发布器已关闭
	ErrPublisherClosed = errors.New("事件发布器已关闭")
)

// Routes 事件类型到目标服务的映射
type Routes map[model.EventType][]string

// DefaultRoutes 返回内置的静态路由表
func DefaultRoutes() Routes {
	return Routes{
		model.EventUserRegistered:           {"notification-service", "analytics-service"},
		model.EventInternshipPosted:         {"notification-service", "analytics-service", "application-service"},
		model.EventInternshipClosed:         {"application-service", "notification-service"},
		model.EventApplicationSubmitted:     {"internship-service", "notification-service", "analytics-service"},
		model.EventApplicationStatusChanged: {"notification-service", "analytics-service"},
		model.EventEmployerVerified:         {"internship-service", "notification-service"},
		model.EventInstitutionVerified:      {"user-service", "notification-service"},
		model.EventReportRequested:          {"analytics-service"},
	}
}

// Targets 返回事件类型的目标服务副本
func (r Routes) Targets(eventType model.EventType) []string {
	return append([]string(nil), r[eventType]...)
}

func envelopeKey(eventID string) string  { return envelopeKeyPrefix + eventID }
func deliveryKey(eventID string) string  { return deliveryKeyPrefix + eventID }
func processedKey(eventID string) string { return processedKeyPrefix + eventID }
