package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.00 KB", formatBytes(1024))
	assert.Equal(t, "1.50 MB", formatBytes(1536*1024))
}

func TestCustomValidator(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Validate(&ServiceRequest{ServiceName: "svc", Host: "10.0.0.1", Port: 8080}))
	assert.Error(t, v.Validate(&ServiceRequest{ServiceName: "svc", Host: "10.0.0.1", Port: 70000}))
	assert.Error(t, v.Validate(&ServiceRequest{Host: "10.0.0.1", Port: 8080}))
	assert.Error(t, v.Validate(&ServiceRequest{ServiceName: "team:api", Host: "10.0.0.1", Port: 8080}))
	assert.Error(t, v.Validate(&ServiceRequest{ServiceName: "svc", InstanceID: "a:b", Host: "10.0.0.1", Port: 8080}))

	assert.NoError(t, v.Validate(&PublishRequest{EventType: "user.registered", Priority: "critical"}))
	assert.Error(t, v.Validate(&PublishRequest{EventType: "user.registered", Priority: "urgent"}))
	negative := -1
	assert.Error(t, v.Validate(&PublishRequest{EventType: "user.registered", MaxRetries: &negative}))
}
