package model

import (
	"errors"
	"fmt"
)

// 错误分类，调用方使用 errors.Is 判断。
var (
	// ErrNotFound 未知的任务或告警 ID。
	ErrNotFound = errors.New("not found")
	// ErrInvalidState 非法状态迁移，例如取消已处于终态的任务。
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation 任务描述或参数不合法。
	ErrValidation = errors.New("validation error")
	// ErrTaskFailure 任务体执行失败；只体现在状态/历史/告警中，不会抛回提交方。
	ErrTaskFailure = errors.New("task failure")
	// ErrTimeout 任务体执行超时，属于 ErrTaskFailure。
	ErrTimeout = fmt.Errorf("task timed out: %w", ErrTaskFailure)
	// ErrTransient 持久化镜像暂不可用，不影响内存状态。
	ErrTransient = errors.New("transient infrastructure error")
)
