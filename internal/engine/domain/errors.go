package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound 订单不存在
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnauthenticated 调用方未通过身份认证
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEngineHalted 交易对撮合已熔断，拒绝新任务
	ErrEngineHalted = errors.New("matching engine halted for this market")
	// ErrEngineBusy 撮合队列已满
	ErrEngineBusy = errors.New("matching engine busy, queue full")
	// ErrBookCorrupted 订单簿不变量被破坏（如交叉盘），属于致命错误
	ErrBookCorrupted = errors.New("order book invariant violated")
	// ErrOrderTerminal 订单已处于终态，无法再变更
	ErrOrderTerminal = errors.New("order already in terminal state")
)

// ValidationError 订单字段校验失败，拒绝于入场之前
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError 创建校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// PolicyError 准入策略拒绝（KYC 名义金额超限等），拒绝于入场之前
type PolicyError struct {
	Reason string
}

// NewPolicyError 创建策略错误
func NewPolicyError(reason string) *PolicyError {
	return &PolicyError{Reason: reason}
}

func (e *PolicyError) Error() string {
	return "policy rejected: " + e.Reason
}

// SchedulingError TWAP 切片入场失败（含重试耗尽），父订单不会被静默丢弃
type SchedulingError struct {
	ParentOrderID string
	SliceIndex    int
	Attempts      int
	Cause         error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling failed for slice %d of order %s after %d attempts: %v",
		e.SliceIndex, e.ParentOrderID, e.Attempts, e.Cause)
}

func (e *SchedulingError) Unwrap() error {
	return e.Cause
}
