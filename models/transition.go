package models

import "time"

// 阶段迁移的操作者
const (
	TransitionActorSystem   = "system"   // 编排器按规则自动推进
	TransitionActorOverride = "override" // 人工强制（forceAdvance / reset）
)

// StageTransitionRecord 阶段迁移流水，只追加不修改
type StageTransitionRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectId string    `gorm:"index;type:varchar(64)" json:"projectId"`
	FromStage Stage     `gorm:"type:varchar(32)" json:"fromStage"`
	ToStage   Stage     `gorm:"type:varchar(32)" json:"toStage"`
	Actor     string    `gorm:"type:varchar(16)" json:"actor"`
	Reason    string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// 强制指定表名为 "stage_transition"
func (StageTransitionRecord) TableName() string {
	return "stage_transition"
}
