package models

import "time"

// Project 一个多分镜视频项目，Stage 由编排器独占推进
type Project struct {
	ID         string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title      string `json:"title"`
	ScriptText string `gorm:"type:text" json:"scriptText"`
	Style      string `json:"style"`
	Stage      Stage  `gorm:"type:varchar(32)" json:"stage"`
	// Round 第几轮推进：每次进入新的 in_progress 阶段加一，任务按轮次归属
	Round      int64 `json:"round"`
	SceneCount int   `json:"sceneCount"`
	// CostCredits 项目累计消耗额度（只增不减，仅作参考非账单）
	CostCredits int64 `json:"costCredits"`
	// StageError 当前阶段未能完成的原因汇总；成功推进后清空
	StageError string    `gorm:"type:text" json:"stageError,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (p *Project) Clone() *Project {
	c := *p
	return &c
}

// 强制指定表名为 "project"
func (Project) TableName() string {
	return "project"
}
