package models

import (
	"errors"
	"fmt"
)

// 统一错误分类（业务层在此基础上用 %w 包装，API 层据此映射 HTTP 状态码）
var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict 乐观锁版本冲突（内部自动重试，不会暴露给调用方）
	ErrVersionConflict = errors.New("version conflict")
	// ErrValidation 请求参数非法，入队前即被拒绝
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition 阶段/任务状态机不允许的迁移
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTasksInFlight 项目还有未终态任务，禁止 reset / forceAdvance
	ErrTasksInFlight = errors.New("tasks in flight")
	// ErrStorage 资产落盘失败（已做有限次重试）
	ErrStorage = errors.New("storage failure")
)

// Invalidf 构造带上下文的 ErrInvalidTransition
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// Validationf 构造带上下文的 ErrValidation
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
