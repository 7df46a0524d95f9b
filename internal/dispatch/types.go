package dispatch

import (
	"fmt"
	"strings"
)

// TaskType 异步任务类型
type TaskType string

const (
	TaskSynopsis                 TaskType = "synopsis"
	TaskOutline                  TaskType = "outline"
	TaskEnhanceOutline           TaskType = "enhance-outline"
	TaskDevelopSection           TaskType = "develop-section"
	TaskGenerateImageDescription TaskType = "generate-image-description"
	TaskGenerateImage            TaskType = "generate-image"
)

// TaskTypes 全部任务类型
var TaskTypes = []TaskType{
	TaskSynopsis,
	TaskOutline,
	TaskEnhanceOutline,
	TaskDevelopSection,
	TaskGenerateImageDescription,
	TaskGenerateImage,
}

// ParseTaskType 解析任务类型，同时接受连字符和下划线写法
func ParseTaskType(s string) (TaskType, error) {
	normalized := TaskType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	for _, t := range TaskTypes {
		if t == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

// Status 任务状态，只能单调前进：queued -> running -> done|failed
type Status uint8

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal 是否已结束
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// CanMoveTo 状态是否允许迁移到next
func (s Status) CanMoveTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusDone || next == StatusFailed
	}
	return false
}
