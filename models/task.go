package models

import (
	"time"
)

// 任务状态（执行器状态机，进入终态后不再迁移）
type TaskStatus string

const (
	// queued: 任务已就绪，等待执行器取走执行（重试回退也会回到该状态）
	TaskStatusQueued TaskStatus = "queued"
	// submitted: 已向生成服务提交，拿到外部任务号，等待开始执行
	TaskStatusSubmitted TaskStatus = "submitted"
	// running: 生成服务正在执行中
	TaskStatusRunning TaskStatus = "running"
	// succeeded: 生成成功且产物已落盘
	TaskStatusSucceeded TaskStatus = "succeeded"
	// failed: 永久失败或重试次数耗尽
	TaskStatusFailed TaskStatus = "failed"
	// cancelled: 被用户/系统显式取消
	TaskStatusCancelled TaskStatus = "cancelled"
)

// 任务类型：每个分镜在对应阶段各生成一类资产
type TaskKind string

const (
	TaskKindImage TaskKind = "image" // 分镜关键帧生图
	TaskKindVoice TaskKind = "voice" // 旁白语音合成
	TaskKindVideo TaskKind = "video" // 关键帧转运动视频
)

// AllTaskKinds 固定的生成类型集合（队列与并发额度按此划分）
var AllTaskKinds = []TaskKind{TaskKindImage, TaskKindVoice, TaskKindVideo}

// 错误分类，由适配器预先判定，执行器不做推断
const (
	ErrorClassTransient = "transient"
	ErrorClassPermanent = "permanent"
)

// 任务状态机允许的迁移表
var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusSubmitted: {},
		TaskStatusFailed:    {}, // 提交即被判定永久失败
		TaskStatusCancelled: {},
	},
	TaskStatusSubmitted: {
		TaskStatusRunning:   {},
		TaskStatusQueued:    {}, // 重试回退
		TaskStatusSucceeded: {}, // 首次轮询即返回成功
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusQueued:    {}, // 重试回退（attempts+1）
		TaskStatusSucceeded: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusSucceeded: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

// Terminal 是否终态（succeeded / failed / cancelled）
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidateTaskTransition 校验任务状态迁移是否合法
func ValidateTaskTransition(from, to TaskStatus) error {
	next, ok := taskTransitions[from]
	if !ok {
		return Invalidf("unknown task status %q", from)
	}
	if _, ok := next[to]; !ok {
		return Invalidf("task status %s -> %s", from, to)
	}
	return nil
}

// Task 一个分镜在某一阶段的一次生成工作单元
type Task struct {
	ID        string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string     `gorm:"index;type:varchar(64)" json:"projectId"`
	SceneId   string     `gorm:"index;type:varchar(64)" json:"sceneId"`
	Kind      TaskKind   `gorm:"type:varchar(16)" json:"kind"`
	Status    TaskStatus `gorm:"type:varchar(16)" json:"status"`
	// Round 对应项目第几次 advance，老轮次的任务不参与当前阶段的完成判定
	Round    int64 `json:"round"`
	Attempts int   `json:"attempts"`
	Progress int   `json:"progress"`
	// ExternalRef 外部生成服务分配的任务号；一旦写入即持久，重启后按号恢复轮询而不是重新提交
	ExternalRef string `gorm:"type:varchar(128)" json:"externalRef,omitempty"`
	ErrorClass  string `gorm:"type:varchar(16)" json:"errorClass,omitempty"`
	Error       string `json:"error,omitempty"`
	// CostCredits 适配器在成功时上报的消耗（参考值，非账单）
	CostCredits int64     `json:"costCredits"`
	Version     int64     `json:"version"`
	QueuedAt    time.Time `json:"queuedAt"`
	SubmittedAt time.Time `json:"submittedAt"`
	CompletedAt time.Time `json:"completedAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ApplyStatus 校验并执行状态迁移，同时维护时间戳
func (t *Task) ApplyStatus(to TaskStatus, now time.Time) error {
	if err := ValidateTaskTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	switch to {
	case TaskStatusQueued:
		// 重试回退也刷新排队时间
		t.QueuedAt = now
	case TaskStatusSubmitted:
		t.SubmittedAt = now
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		t.CompletedAt = now
	}
	return nil
}

// BumpAttempt 重试计数只增不减
func (t *Task) BumpAttempt() {
	t.Attempts++
}

func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// 强制指定表名为 "task"
func (Task) TableName() string {
	return "task"
}
