package storage

import (
	"context"
	"time"

	"github.com/hewenyu/service-coordination/pkg/model"
)

// DiscoveryBackend 定义服务实例注册信息的存储接口，所有方法需支持并发调用。
// I/O错误由实现记录日志并吞掉，调用方只会看到空结果或false。
type DiscoveryBackend interface {
	// Register 写入或覆盖服务实例，同时刷新TTL（心跳即重新注册）
	Register(ctx context.Context, instance *model.ServiceInstance) bool

	// Deregister 注销服务实例，实例不存在时返回false
	Deregister(ctx context.Context, serviceName, instanceID string) bool

	// Discover 返回服务当前有效的实例，按实例ID排序，并顺带清理索引中的过期ID
	Discover(ctx context.Context, serviceName string) []*model.ServiceInstance

	// GetAll 返回全部服务实例快照
	GetAll(ctx context.Context) map[string][]*model.ServiceInstance
}

// Store 带TTL的键值存储，用于事件信封、幂等记录和死信
type Store interface {
	// Get 读取键值，键不存在时返回 NotFound 错误
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入键值，ttl为0表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX 仅在键不存在时写入，返回是否写入成功
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete 删除键
	Delete(ctx context.Context, key string) error

	// PushBounded 头插到列表并截断到maxLen，同时刷新列表TTL
	PushBounded(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error

	// Range 按从新到旧的顺序返回列表全部元素
	Range(ctx context.Context, key string) ([][]byte, error)

	// RemoveFromList 删除列表中与value完全相同的元素，返回删除个数
	RemoveFromList(ctx context.Context, key string, value []byte) (int, error)
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInternal,
		Message: message,
	}
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	se, ok := err.(*StorageError)
	return ok && se.Code == ErrNotFound
}
