package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AssetRef 一类资产的落盘位置
type AssetRef struct {
	Path string `json:"path"`          // 相对资产仓库根目录的路径
	URL  string `json:"url,omitempty"` // 可选的对象存储外链
}

// AssetRefs 分镜各类型资产引用（image/voice/video -> AssetRef）
type AssetRefs map[TaskKind]AssetRef

// 实现 driver.Valuer 接口: Go Map -> JSON String (存入数据库)
func (a AssetRefs) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal(AssetRefs{})
	}
	return json.Marshal(a)
}

// 实现 sql.Scanner 接口: JSON String -> Go Map (从数据库读取)
func (a *AssetRefs) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, a)
}

// KindList 被降级跳过的生成类型列表
type KindList []TaskKind

// 实现 driver.Valuer 接口
func (l KindList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal(KindList{})
	}
	return json.Marshal(l)
}

// 实现 sql.Scanner 接口
func (l *KindList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, l)
}

func (l KindList) Has(kind TaskKind) bool {
	for _, k := range l {
		if k == kind {
			return true
		}
	}
	return false
}

// Scene 由剧本拆分得到的一个分镜，Position 决定目录名与成片拼接顺序
type Scene struct {
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string `gorm:"index;type:varchar(64)" json:"projectId"`
	// Position 项目内序号，从 0 开始，创建后不可变
	Position int       `json:"position"`
	Text     string    `gorm:"type:text" json:"text"`
	Assets   AssetRefs `gorm:"type:json" json:"assets"`
	// Degraded 被降级跳过的类型：缺产物但不再阻塞阶段完成判定
	Degraded   KindList  `gorm:"type:json" json:"degraded"`
	FolderPath string    `json:"folderPath"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SetAsset 记录某类型资产引用（覆盖同类型旧值）
func (s *Scene) SetAsset(kind TaskKind, ref AssetRef) {
	if s.Assets == nil {
		s.Assets = AssetRefs{}
	}
	s.Assets[kind] = ref
}

// AssetFor 读取某类型资产引用
func (s *Scene) AssetFor(kind TaskKind) (AssetRef, bool) {
	ref, ok := s.Assets[kind]
	return ref, ok
}

// MarkDegraded 将某类型标记为降级（幂等）
func (s *Scene) MarkDegraded(kind TaskKind) {
	if s.Degraded.Has(kind) {
		return
	}
	s.Degraded = append(s.Degraded, kind)
}

// ClearDegraded 清除某类型的降级标记（该类型重新入队时调用）
func (s *Scene) ClearDegraded(kind TaskKind) {
	out := make(KindList, 0, len(s.Degraded))
	for _, k := range s.Degraded {
		if k != kind {
			out = append(out, k)
		}
	}
	s.Degraded = out
}

func (s *Scene) Clone() *Scene {
	c := *s
	if s.Assets != nil {
		c.Assets = make(AssetRefs, len(s.Assets))
		for k, v := range s.Assets {
			c.Assets[k] = v
		}
	}
	if s.Degraded != nil {
		c.Degraded = append(KindList{}, s.Degraded...)
	}
	return &c
}

// 强制指定表名为 "scene"
func (Scene) TableName() string {
	return "scene"
}
