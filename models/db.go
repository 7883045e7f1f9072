package models

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"StoryFlow-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表
	if err := GormDB.AutoMigrate(&Project{}, &Scene{}, &Task{}, &StageTransitionRecord{}); err != nil {
		log.Printf("自动建表失败（跳过）: %v", err)
	}
}

// DBStore 基于 GORM 的 Store 实现。
// 乐观锁通过 "WHERE id = ? AND version = ?" 条件更新保证：
// 每次写回都把 version 加一，RowsAffected == 0 即版本已过期。
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) CreateProject(p *Project) error {
	now := time.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.db.Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Validationf("project %s already exists", p.ID)
		}
		return err
	}
	return nil
}

func (s *DBStore) GetProject(id string) (*Project, error) {
	var p Project
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (s *DBStore) UpdateProject(p *Project) error {
	prev := p.Version
	updates := map[string]interface{}{
		"title":        p.Title,
		"script_text":  p.ScriptText,
		"style":        p.Style,
		"stage":        p.Stage,
		"round":        p.Round,
		"scene_count":  p.SceneCount,
		"cost_credits": p.CostCredits,
		"stage_error":  p.StageError,
		"version":      prev + 1,
		"updated_at":   time.Now(),
	}
	res := s.db.Model(&Project{}).Where("id = ? AND version = ?", p.ID, prev).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("project %s version %d: %w", p.ID, prev, ErrVersionConflict)
	}
	p.Version = prev + 1
	return nil
}

func (s *DBStore) ListProjects() ([]*Project, error) {
	var out []*Project
	if err := s.db.Order("created_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DBStore) CreateScenes(scenes []*Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	now := time.Now()
	for _, sc := range scenes {
		sc.Version = 1
		sc.CreatedAt = now
		sc.UpdatedAt = now
	}
	if err := s.db.Create(&scenes).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Validationf("scene already exists")
		}
		return err
	}
	return nil
}

func (s *DBStore) GetScene(id string) (*Scene, error) {
	var sc Scene
	if err := s.db.First(&sc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("scene %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &sc, nil
}

func (s *DBStore) UpdateScene(sc *Scene) error {
	prev := sc.Version
	updates := map[string]interface{}{
		"text":        sc.Text,
		"assets":      sc.Assets,
		"degraded":    sc.Degraded,
		"folder_path": sc.FolderPath,
		"version":     prev + 1,
		"updated_at":  time.Now(),
	}
	res := s.db.Model(&Scene{}).Where("id = ? AND version = ?", sc.ID, prev).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("scene %s version %d: %w", sc.ID, prev, ErrVersionConflict)
	}
	sc.Version = prev + 1
	return nil
}

func (s *DBStore) ListScenes(projectID string) ([]*Scene, error) {
	var out []*Scene
	if err := s.db.Where("project_id = ?", projectID).Order("position ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DBStore) CreateTask(t *Task) error {
	now := time.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.db.Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Validationf("task %s already exists", t.ID)
		}
		return err
	}
	return nil
}

func (s *DBStore) GetTask(id string) (*Task, error) {
	var t Task
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

func (s *DBStore) UpdateTask(t *Task) error {
	prev := t.Version
	updates := map[string]interface{}{
		"status":       t.Status,
		"round":        t.Round,
		"attempts":     t.Attempts,
		"progress":     t.Progress,
		"external_ref": t.ExternalRef,
		"error_class":  t.ErrorClass,
		"error":        t.Error,
		"cost_credits": t.CostCredits,
		"queued_at":    t.QueuedAt,
		"submitted_at": t.SubmittedAt,
		"completed_at": t.CompletedAt,
		"version":      prev + 1,
		"updated_at":   time.Now(),
	}
	res := s.db.Model(&Task{}).Where("id = ? AND version = ?", t.ID, prev).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s version %d: %w", t.ID, prev, ErrVersionConflict)
	}
	t.Version = prev + 1
	return nil
}

func (s *DBStore) ListTasks(projectID string) ([]*Task, error) {
	var out []*Task
	if err := s.db.Where("project_id = ?", projectID).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DBStore) ListTasksByKind(projectID string, kind TaskKind, round int64) ([]*Task, error) {
	var out []*Task
	err := s.db.Where("project_id = ? AND kind = ? AND round = ?", projectID, kind, round).
		Order("created_at ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DBStore) ListUnfinishedTasks() ([]*Task, error) {
	var out []*Task
	unfinished := []TaskStatus{TaskStatusQueued, TaskStatusSubmitted, TaskStatusRunning}
	if err := s.db.Where("status IN ?", unfinished).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DBStore) AppendTransition(rec *StageTransitionRecord) error {
	rec.CreatedAt = time.Now()
	return s.db.Create(rec).Error
}

func (s *DBStore) ListTransitions(projectID string) ([]*StageTransitionRecord, error) {
	var out []*StageTransitionRecord
	if err := s.db.Where("project_id = ?", projectID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
