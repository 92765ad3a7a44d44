package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	EventUserRegistered           EventType = "user.registered"
	EventInternshipPosted         EventType = "internship.posted"
	EventInternshipClosed         EventType = "internship.closed"
	EventApplicationSubmitted     EventType = "application.submitted"
	EventApplicationStatusChanged EventType = "application.status_changed"
	EventEmployerVerified         EventType = "employer.verified"
	EventInstitutionVerified      EventType = "institution.verified"
	EventReportRequested          EventType = "report.requested"
)

// EventTypes 返回所有已知事件类型
func EventTypes() []EventType {
	return []EventType{
		EventUserRegistered,
		EventInternshipPosted,
		EventInternshipClosed,
		EventApplicationSubmitted,
		EventApplicationStatusChanged,
		EventEmployerVerified,
		EventInstitutionVerified,
		EventReportRequested,
	}
}

// Valid 是否为已知事件类型
func (t EventType) Valid() bool {
	for _, known := range EventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Priority 事件优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid 是否为合法优先级
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// DefaultMaxRetries 默认最大重试次数
const DefaultMaxRetries = 3

// DeliveryFailure 记录一次投递失败
type DeliveryFailure struct {
	Service    string    `json:"service"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
}

// EventEnvelope 服务间传递的事件信封
type EventEnvelope struct {
	EventID        string            `json:"event_id"`
	EventType      EventType         `json:"event_type"`
	SourceService  string            `json:"source_service"`
	Timestamp      time.Time         `json:"timestamp"`
	Priority       Priority          `json:"priority"`
	Data           json.RawMessage   `json:"data"`
	TargetServices []string          `json:"target_services"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	FailedServices []DeliveryFailure `json:"failed_services,omitempty"`
}

// NewEventEnvelope 创建事件信封，event_id为新生成的UUID
func NewEventEnvelope(eventType EventType, source string, data any) (*EventEnvelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SourceService: source,
		Timestamp:     time.Now().UTC(),
		Priority:      PriorityMedium,
		Data:          raw,
		MaxRetries:    DefaultMaxRetries,
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("事件数据不是合法的JSON")
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("序列化事件数据失败: %w", err)
		}
		return raw, nil
	}
}

// Validate 检查接收端要求的必填字段
func (e *EventEnvelope) Validate() error {
	if e.EventID == "" || e.EventType == "" || e.SourceService == "" || len(e.Data) == 0 {
		return fmt.Errorf("event_id、event_type、source_service和data都是必需的")
	}
	return nil
}

// Clone 深拷贝信封
func (e *EventEnvelope) Clone() *EventEnvelope {
	c := *e
	c.Data = append(json.RawMessage(nil), e.Data...)
	c.TargetServices = append([]string(nil), e.TargetServices...)
	c.FailedServices = append([]DeliveryFailure(nil), e.FailedServices...)
	return &c
}

// ForTarget 返回只投递给单个目标的副本
func (e *EventEnvelope) ForTarget(target string) *EventEnvelope {
	c := e.Clone()
	c.TargetServices = []string{target}
	return c
}

// ProcessingStatus 消费端处理状态
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// ProcessingRecord 按event_id记录的处理结果
type ProcessingRecord struct {
	EventID   string           `json:"event_id"`
	EventType EventType        `json:"event_type"`
	Status    ProcessingStatus `json:"status"`
	Message   string           `json:"message"`
	Result    json.RawMessage  `json:"result,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// DeadLetter 重试耗尽后进入死信列表的记录
type DeadLetter struct {
	Envelope      *EventEnvelope `json:"envelope"`
	TargetService string         `json:"target_service"`
	Reason        string         `json:"reason"`
	FailedAt      time.Time      `json:"failed_at"`
}
