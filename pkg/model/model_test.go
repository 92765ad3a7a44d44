package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceInstance(t *testing.T) {
	inst := NewServiceInstance("application-service", "10.0.0.1", 8080)

	assert.True(t, strings.HasPrefix(inst.InstanceID, "10.0.0.1-8080-"))
	assert.Len(t, inst.InstanceID, len("10.0.0.1-8080-")+8)
	assert.Equal(t, "http://10.0.0.1:8080", inst.URL())
	assert.Equal(t, "http://10.0.0.1:8080/health", inst.HealthCheckURL())
	assert.Equal(t, "application-service:"+inst.InstanceID, inst.Key())
	assert.True(t, inst.IsHealthy())
	assert.Equal(t, 1, inst.Weight)

	// 两次生成的实例ID不同
	other := NewServiceInstance("application-service", "10.0.0.1", 8080)
	assert.NotEqual(t, inst.InstanceID, other.InstanceID)
}

func TestServiceInstance_MarkHealth(t *testing.T) {
	inst := NewServiceInstance("svc", "127.0.0.1", 9000)

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inst.MarkUnhealthy(first)
	inst.MarkUnhealthy(first.Add(time.Second))
	assert.Equal(t, HealthStatusUnhealthy, inst.Status)
	assert.Equal(t, 2, inst.ConsecutiveFailures)
	require.NotNil(t, inst.LastHealthCheck)
	assert.Equal(t, first.Add(time.Second), *inst.LastHealthCheck)

	inst.MarkHealthy(first.Add(2 * time.Second))
	assert.Equal(t, HealthStatusHealthy, inst.Status)
	assert.Equal(t, 0, inst.ConsecutiveFailures)
	assert.Equal(t, first.Add(2*time.Second), *inst.LastHealthCheck)
}

func TestServiceInstance_JSONEnvelope(t *testing.T) {
	inst := NewServiceInstance("svc", "127.0.0.1", 9000)
	raw, err := json.Marshal(inst)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{
		"service_name", "instance_id", "host", "port", "protocol", "health_check_path",
		"metadata", "weight", "status", "last_health_check", "consecutive_failures",
		"active_connections", "registered_at",
	} {
		assert.Contains(t, fields, key)
	}
}

func TestServiceInstance_ApplyDefaults(t *testing.T) {
	inst := &ServiceInstance{ServiceName: "svc", Host: "h", Port: 1, HealthCheckPath: "status"}
	inst.ApplyDefaults()

	require.NoError(t, inst.Validate())
	assert.Equal(t, "http://h:1/status", inst.HealthCheckURL())
	assert.Equal(t, HealthStatusHealthy, inst.Status)

	assert.Error(t, (&ServiceInstance{}).Validate())
}

func TestServiceInstance_ValidateRejectsSeparator(t *testing.T) {
	inst := NewServiceInstance("team:api", "10.0.0.1", 8080)
	assert.Error(t, inst.Validate(), "服务名含':'")

	inst = NewServiceInstance("api", "10.0.0.1", 8080)
	inst.InstanceID = "a:b"
	assert.Error(t, inst.Validate(), "实例ID含':'")

	// IPv6主机生成的实例ID不含':'
	inst = NewServiceInstance("api", "::1", 8080)
	assert.NotContains(t, inst.InstanceID, ":")
	assert.NoError(t, inst.Validate())
}

func TestNewEventEnvelope(t *testing.T) {
	env, err := NewEventEnvelope(EventApplicationSubmitted, "application-service", map[string]any{"application_id": 42})
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, PriorityMedium, env.Priority)
	assert.Equal(t, DefaultMaxRetries, env.MaxRetries)
	assert.JSONEq(t, `{"application_id":42}`, string(env.Data))
	require.NoError(t, env.Validate())

	_, err = NewEventEnvelope(EventReportRequested, "svc", []byte("not json"))
	assert.Error(t, err)

	empty, err := NewEventEnvelope(EventReportRequested, "svc", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty.Data))
}

func TestEventEnvelope_ForTarget(t *testing.T) {
	env, err := NewEventEnvelope(EventInternshipPosted, "internship-service", nil)
	require.NoError(t, err)
	env.TargetServices = []string{"a", "b"}

	c := env.ForTarget("b")
	assert.Equal(t, []string{"b"}, c.TargetServices)
	assert.Equal(t, []string{"a", "b"}, env.TargetServices, "原信封不应被修改")
	assert.Equal(t, env.EventID, c.EventID)
}

func TestEventTypeAndPriority(t *testing.T) {
	assert.True(t, EventUserRegistered.Valid())
	assert.False(t, EventType("user.deleted").Valid())
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("urgent").Valid())
}
