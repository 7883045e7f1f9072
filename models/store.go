package models

import "errors"

// Store 聚合持久化接口。实现必须保证：
//   - Update* 带版本号条件写，版本不匹配返回 ErrVersionConflict 且不落库
//   - Get/List 返回的对象为独立副本，调用方可随意修改
type Store interface {
	CreateProject(p *Project) error
	GetProject(id string) (*Project, error)
	UpdateProject(p *Project) error
	ListProjects() ([]*Project, error)

	CreateScenes(scenes []*Scene) error
	GetScene(id string) (*Scene, error)
	UpdateScene(s *Scene) error
	ListScenes(projectID string) ([]*Scene, error)

	CreateTask(t *Task) error
	GetTask(id string) (*Task, error)
	UpdateTask(t *Task) error
	ListTasks(projectID string) ([]*Task, error)
	ListTasksByKind(projectID string, kind TaskKind, round int64) ([]*Task, error)
	ListUnfinishedTasks() ([]*Task, error)

	AppendTransition(rec *StageTransitionRecord) error
	ListTransitions(projectID string) ([]*StageTransitionRecord, error)
}

// ErrSkipUpdate mutate 回调返回该值表示本次无需写回（当前状态已满足）
var ErrSkipUpdate = errors.New("skip update")

// 版本冲突时的重读重试上限；超过说明写竞争异常激烈，放弃并上抛
const conflictRetryLimit = 10

// UpdateProjectWith 读-改-写封装：版本冲突时重读最新镜像再套用 mutate
func UpdateProjectWith(s Store, id string, mutate func(p *Project) error) (*Project, error) {
	for i := 0; i < conflictRetryLimit; i++ {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		if err := mutate(p); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return p, nil
			}
			return nil, err
		}
		if err := s.UpdateProject(p); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return p, nil
	}
	return nil, ErrVersionConflict
}

// UpdateSceneWith 同 UpdateProjectWith，作用于分镜
func UpdateSceneWith(s Store, id string, mutate func(sc *Scene) error) (*Scene, error) {
	for i := 0; i < conflictRetryLimit; i++ {
		sc, err := s.GetScene(id)
		if err != nil {
			return nil, err
		}
		if err := mutate(sc); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return sc, nil
			}
			return nil, err
		}
		if err := s.UpdateScene(sc); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return sc, nil
	}
	return nil, ErrVersionConflict
}

// UpdateTaskWith 同 UpdateProjectWith，作用于任务
func UpdateTaskWith(s Store, id string, mutate func(t *Task) error) (*Task, error) {
	for i := 0; i < conflictRetryLimit; i++ {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		if err := mutate(t); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return t, nil
			}
			return nil, err
		}
		if err := s.UpdateTask(t); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return t, nil
	}
	return nil, ErrVersionConflict
}
