package models

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore 纯内存 Store 实现，用于单测和本地联调。
// 读写都走深拷贝，外部拿到的对象改不到存储内部。
type MemoryStore struct {
	mu          sync.RWMutex
	projects    map[string]*Project
	scenes      map[string]*Scene
	tasks       map[string]*Task
	transitions []*StageTransitionRecord
	nextTransID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		scenes:   make(map[string]*Scene),
		tasks:    make(map[string]*Task),
	}
}

func (m *MemoryStore) CreateProject(p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; ok {
		return Validationf("project %s already exists", p.ID)
	}
	now := time.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) GetProject(id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) UpdateProject(p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.projects[p.ID]
	if !ok {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("project %s version %d != %d: %w", p.ID, p.Version, cur.Version, ErrVersionConflict)
	}
	p.CreatedAt = cur.CreatedAt
	p.Version++
	p.UpdatedAt = time.Now()
	m.projects[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) ListProjects() ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateScenes(scenes []*Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scenes {
		if _, ok := m.scenes[s.ID]; ok {
			return Validationf("scene %s already exists", s.ID)
		}
	}
	now := time.Now()
	for _, s := range scenes {
		s.Version = 1
		s.CreatedAt = now
		s.UpdatedAt = now
		m.scenes[s.ID] = s.Clone()
	}
	return nil
}

func (m *MemoryStore) GetScene(id string) (*Scene, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenes[id]
	if !ok {
		return nil, fmt.Errorf("scene %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateScene(s *Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.scenes[s.ID]
	if !ok {
		return fmt.Errorf("scene %s: %w", s.ID, ErrNotFound)
	}
	if cur.Version != s.Version {
		return fmt.Errorf("scene %s version %d != %d: %w", s.ID, s.Version, cur.Version, ErrVersionConflict)
	}
	// 与 DBStore 的 SET 子句对齐：归属与序号不可变
	s.ProjectId = cur.ProjectId
	s.Position = cur.Position
	s.CreatedAt = cur.CreatedAt
	s.Version++
	s.UpdatedAt = time.Now()
	m.scenes[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListScenes(projectID string) ([]*Scene, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Scene
	for _, s := range m.scenes {
		if s.ProjectId == projectID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryStore) CreateTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return Validationf("task %s already exists", t.ID)
	}
	now := time.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTask(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("task %s version %d != %d: %w", t.ID, t.Version, cur.Version, ErrVersionConflict)
	}
	// 与 DBStore 的 SET 子句对齐：归属与类型不可变
	t.ProjectId = cur.ProjectId
	t.SceneId = cur.SceneId
	t.Kind = cur.Kind
	t.CreatedAt = cur.CreatedAt
	t.Version++
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) ListTasks(projectID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ProjectId == projectID {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) ListTasksByKind(projectID string, kind TaskKind, round int64) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ProjectId == projectID && t.Kind == kind && t.Round == round {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) ListUnfinishedTasks() ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func (m *MemoryStore) AppendTransition(rec *StageTransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTransID++
	rec.ID = m.nextTransID
	rec.CreatedAt = time.Now()
	c := *rec
	m.transitions = append(m.transitions, &c)
	return nil
}

func (m *MemoryStore) ListTransitions(projectID string) ([]*StageTransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StageTransitionRecord
	for _, rec := range m.transitions {
		if rec.ProjectId == projectID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}
