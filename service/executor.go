package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/pkg/bus"

	"github.com/hibiken/asynq"
)

// poll 取消注册表（taskID -> cancelFunc）
var pollCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func registerPollCancel(taskID string, cancel context.CancelFunc) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	pollCancelRegistry.m[taskID] = cancel
}

func unregisterPollCancel(taskID string) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	delete(pollCancelRegistry.m, taskID)
}

// CancelPollTask 打断正在轮询的任务，返回是否实际找到并取消。
// 只负责打断执行，任务状态由调用方先行写到存储。
func CancelPollTask(taskID string) bool {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	if cancel, ok := pollCancelRegistry.m[taskID]; ok {
		cancel()
		delete(pollCancelRegistry.m, taskID)
		return true
	}
	return false
}

// Executor 任务执行器：从队列取任务，提交给对应的生成服务并轮询到终态。
// 每类生成各有一个消费端，队列名就是类型名，并发额度互不挤占。
type Executor struct {
	store     models.Store
	hub       *bus.Hub
	organizer *Organizer
	cost      *CostTracker
	adapters  map[models.TaskKind]Adapter
	cfg       config.ExecutorConfig

	maxAttempts  int
	pollInterval time.Duration
}

func NewExecutor(store models.Store, hub *bus.Hub, organizer *Organizer, cost *CostTracker, adapters []Adapter, cfg config.ExecutorConfig) *Executor {
	m := make(map[models.TaskKind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Executor{
		store:        store,
		hub:          hub,
		organizer:    organizer,
		cost:         cost,
		adapters:     m,
		cfg:          cfg,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval(),
	}
}

// Start 为每类生成启动一个消费端。Concurrency 即该类型的并发上限，
// 重试间隔走指数退避加抖动。
func (ex *Executor) Start() {
	redisOpt := asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	}
	for _, kind := range models.AllTaskKinds {
		limit := ex.cfg.Limits.For(string(kind))
		srv := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: limit,
			Queues: map[string]int{
				string(kind): 1,
			},
			RetryDelayFunc: NewRetryDelayFunc(ex.cfg.BackoffBase(), ex.cfg.BackoffCap()),
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(TypeSceneTask, ex.handleSceneTask)

		log.Printf("Starting %s executor with concurrency %d...", kind, limit)
		go func(kind models.TaskKind) {
			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run %s server: %v", kind, err)
			}
		}(kind)
	}
}

// Enqueue 任务入队（编排器经由此口派发）
func (ex *Executor) Enqueue(t *models.Task) error {
	return EnqueueSceneTask(t)
}

// AbortPoll 打断某个任务的轮询。本进程里有轮询在跑时只负责打断，
// 对账和远端取消由被打断的 handler 完成；没有轮询（比如重启后任务
// 还躺在队列里）而任务已有外部任务号时，直接尽力撤外部任务。
func (ex *Executor) AbortPoll(taskID string) {
	if CancelPollTask(taskID) {
		return
	}
	t, err := ex.store.GetTask(taskID)
	if err != nil || t.ExternalRef == "" {
		return
	}
	if adapter, ok := ex.adapters[t.Kind]; ok {
		ex.cancelRemote(t, adapter)
	}
}

// PrerequisiteKind 某类生成要求的前置资产类型
func (ex *Executor) PrerequisiteKind(kind models.TaskKind) models.TaskKind {
	if a, ok := ex.adapters[kind]; ok {
		return a.Prerequisite()
	}
	return ""
}

// RecoverUnfinished 启动恢复扫描：所有非终态任务重新投递。
// 队列里已有同号任务会被跳过；已有外部任务号的会续轮询而不是重新提交。
func (ex *Executor) RecoverUnfinished() {
	tasks, err := ex.store.ListUnfinishedTasks()
	if err != nil {
		log.Printf("恢复扫描失败: %v", err)
		return
	}
	for _, t := range tasks {
		if err := ex.Enqueue(t); err != nil {
			log.Printf("恢复任务 %s 入队失败: %v", t.ID, err)
		}
	}
	if len(tasks) > 0 {
		log.Printf("恢复扫描完成，%d 个未完成任务重新入队", len(tasks))
	}
}

// handleSceneTask 队列回调：负责一个任务从提交到终态的全过程。
// 返回普通 error 触发按退避重投，返回 nil 或带 SkipRetry 的 error 则不再重试。
func (ex *Executor) handleSceneTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := ex.store.GetTask(payload.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("task not found: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("load task failed: %w", err)
	}

	// 终态任务直接丢弃（取消、重复投递、恢复扫描都可能走到这里）
	if task.Status.Terminal() {
		log.Printf("Task %s already %s, drop", task.ID, task.Status)
		return nil
	}

	adapter, ok := ex.adapters[task.Kind]
	if !ok {
		ex.failTask(task.ID, models.ErrorClassPermanent, fmt.Sprintf("no adapter for kind %s", task.Kind))
		return fmt.Errorf("no adapter for kind %s: %w", task.Kind, asynq.SkipRetry)
	}

	log.Printf("Processing Task: %s | Kind: %s | Attempt: %d", task.ID, task.Kind, task.Attempts+1)

	// 已有外部任务号说明是重投/重启后的恢复：跳过提交，直接续轮询
	if task.ExternalRef == "" {
		if err := ex.submit(ctx, task, adapter); err != nil {
			return err
		}
		if task.Status.Terminal() {
			return nil // 提交期间被并发取消
		}
	}

	// 为轮询建可取消的子上下文并注册，取消接口通过 CancelPollTask 打断它
	pollCtx, cancel := context.WithCancel(ctx)
	registerPollCancel(task.ID, cancel)
	defer unregisterPollCancel(task.ID)

	return ex.pollUntilDone(pollCtx, ctx, task, adapter)
}

// submit 提交阶段。成功时外部任务号与 submitted 状态在同一次写回中落库：
// 号一旦落库就不会再对同一任务发起第二次提交。
func (ex *Executor) submit(ctx context.Context, task *models.Task, adapter Adapter) error {
	sc, err := ex.sceneContext(task, adapter)
	if err != nil {
		// 上下文都凑不齐（项目/分镜丢失、前置缺失）按永久失败处理
		ex.failTask(task.ID, models.ErrorClassPermanent, err.Error())
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	externalRef, err := adapter.Submit(ctx, sc)
	if err != nil {
		if !IsTransient(err) {
			ex.failTask(task.ID, models.ErrorClassPermanent, err.Error())
			return fmt.Errorf("submit permanent failure: %v: %w", err, asynq.SkipRetry)
		}
		log.Printf("Worker 提交失败(瞬时): %v", err)
		return ex.retryOrFail(task, fmt.Sprintf("submit: %v", err), false)
	}

	updated, uerr := models.UpdateTaskWith(ex.store, task.ID, func(t *models.Task) error {
		if t.Status.Terminal() {
			return models.ErrSkipUpdate
		}
		if t.Status == models.TaskStatusQueued {
			if err := t.ApplyStatus(models.TaskStatusSubmitted, time.Now()); err != nil {
				return err
			}
		}
		t.ExternalRef = externalRef
		return nil
	})
	if uerr != nil {
		return fmt.Errorf("persist external ref failed: %w", uerr)
	}
	*task = *updated

	if task.Status.Terminal() {
		// 提交成功但任务已被取消：外部任务尽力撤掉
		ex.cancelRemote(task, adapter)
		return nil
	}

	log.Printf("任务已提交，Job ID: %s，开始轮询结果...", externalRef)
	ex.hub.Publish(bus.Event{
		Kind:      bus.EventTaskProgress,
		ProjectID: task.ProjectId,
		SceneID:   task.SceneId,
		TaskID:    task.ID,
		TaskKind:  string(task.Kind),
		Percent:   task.Progress,
		Status:    string(task.Status),
	})
	return nil
}

// pollUntilDone 轮询外部任务直到終态或被打断
func (ex *Executor) pollUntilDone(pollCtx, parent context.Context, task *models.Task, adapter Adapter) error {
	ticker := time.NewTicker(ex.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			return ex.handlePollInterrupt(parent, task, adapter)
		case <-ticker.C:
			res, err := adapter.Poll(pollCtx, task.ExternalRef)
			if err != nil {
				// ctx 取消导致的 err 会在上面的 <-pollCtx.Done() 捕获
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}
			switch res.Phase {
			case PhaseRunning:
				ex.noteProgress(task, res.Percent)
				if task.Status.Terminal() {
					return nil // 轮询期间被并发取消
				}
			case PhaseSucceeded:
				return ex.finishSuccess(parent, task, adapter, res)
			case PhaseFailed:
				if res.Transient {
					// 外部任务已死，重试要重新提交，任务号作废
					log.Printf("Worker 报告瞬时失败: %s", res.Reason)
					return ex.retryOrFail(task, res.Reason, false)
				}
				ex.failTask(task.ID, models.ErrorClassPermanent, res.Reason)
				return fmt.Errorf("worker reported permanent failure: %s: %w", res.Reason, asynq.SkipRetry)
			}
		}
	}
}

// handlePollInterrupt 轮询被打断的三种情形：预算超时、服务停机、用户取消
func (ex *Executor) handlePollInterrupt(parent context.Context, task *models.Task, adapter Adapter) error {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// 单次尝试预算用尽：按瞬时失败记账，但保留外部任务号，重试续轮询
			log.Printf("Task %s 本次尝试预算用尽，保留 Job ID 待续", task.ID)
			rerr := ex.retryOrFail(task, "attempt budget exceeded", true)
			if task.Status == models.TaskStatusFailed {
				ex.cancelRemote(task, adapter)
			}
			return rerr
		}
		// 停机：不记尝试次数，恢复后按外部任务号续轮询
		log.Printf("Task %s 轮询因停机中断", task.ID)
		return fmt.Errorf("polling interrupted: %w", err)
	}

	// 注册表取消：权威状态在存储里，先对账再动作
	fresh, err := ex.store.GetTask(task.ID)
	if err != nil {
		return fmt.Errorf("reload task after abort: %w", err)
	}
	if fresh.Status == models.TaskStatusCancelled {
		ex.cancelRemote(fresh, adapter)
		log.Printf("Task %s cancelled, polling stopped", task.ID)
		return nil
	}
	return fmt.Errorf("polling aborted while task %s is %s", fresh.ID, fresh.Status)
}

// noteProgress 记录进度：首次轮到 running 时迁移状态，百分比只升不降
func (ex *Executor) noteProgress(task *models.Task, percent int) {
	if task.Status == models.TaskStatusRunning && percent <= task.Progress {
		return
	}
	updated, err := models.UpdateTaskWith(ex.store, task.ID, func(t *models.Task) error {
		if t.Status.Terminal() {
			return models.ErrSkipUpdate
		}
		if t.Status == models.TaskStatusSubmitted {
			if err := t.ApplyStatus(models.TaskStatusRunning, time.Now()); err != nil {
				return err
			}
		}
		if percent > t.Progress {
			t.Progress = percent
		}
		return nil
	})
	if err != nil {
		log.Printf("更新任务进度失败: %v", err)
		return
	}
	*task = *updated
	if task.Status.Terminal() {
		return
	}
	ex.hub.Publish(bus.Event{
		Kind:      bus.EventTaskProgress,
		ProjectID: task.ProjectId,
		SceneID:   task.SceneId,
		TaskID:    task.ID,
		TaskKind:  string(task.Kind),
		Percent:   task.Progress,
		Status:    string(task.Status),
	})
}

// finishSuccess 成功收尾：核对状态、产物落盘、分镜引用、消耗入账、置终态。
// 落盘失败时生成虽成功任务也按失败收敛，资产目录不能出现半成品。
func (ex *Executor) finishSuccess(ctx context.Context, task *models.Task, adapter Adapter, res PollResult) error {
	fresh, err := ex.store.GetTask(task.ID)
	if err != nil {
		return fmt.Errorf("reload task failed: %w", err)
	}
	if fresh.Status.Terminal() {
		log.Printf("Task %s already %s before success landed, drop result", fresh.ID, fresh.Status)
		return nil
	}
	*task = *fresh

	scene, err := ex.store.GetScene(task.SceneId)
	if err != nil {
		return fmt.Errorf("load scene failed: %w", err)
	}

	ref, err := ex.organizer.Materialize(ctx, scene, task.Kind, res.OutputRef)
	if err != nil {
		log.Printf("[Error] 产物落盘失败: %v", err)
		ex.failTask(task.ID, models.ErrorClassPermanent, fmt.Sprintf("storage: %v", err))
		return fmt.Errorf("materialize failed: %v: %w", err, asynq.SkipRetry)
	}

	if _, err := models.UpdateSceneWith(ex.store, task.SceneId, func(sc *models.Scene) error {
		sc.SetAsset(task.Kind, ref)
		sc.ClearDegraded(task.Kind)
		return nil
	}); err != nil {
		return fmt.Errorf("update scene assets failed: %w", err)
	}

	if res.CostCredits > 0 {
		if err := ex.cost.Record(task.ProjectId, res.CostCredits); err != nil {
			log.Printf("消耗入账失败: %v", err)
		}
	}

	applied := false
	updated, err := models.UpdateTaskWith(ex.store, task.ID, func(t *models.Task) error {
		applied = false
		if t.Status.Terminal() {
			return models.ErrSkipUpdate
		}
		t.Progress = 100
		t.CostCredits = res.CostCredits
		t.Error = ""
		t.ErrorClass = ""
		if err := t.ApplyStatus(models.TaskStatusSucceeded, time.Now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark succeeded failed: %w", err)
	}
	*task = *updated
	if applied {
		ex.publishTerminal(task, models.TaskStatusSucceeded)
		log.Printf("Task %s completed successfully", task.ID)
	}
	return nil
}

// retryOrFail 瞬时失败的统一出口：记一次尝试，有额度就回 queued 等重投，
// 用尽则收敛为 failed。keepRef 为假时丢弃外部任务号（下次重新提交），
// 为真时保留（超时场景，外部任务可能还活着，重试续轮询同号）。
func (ex *Executor) retryOrFail(task *models.Task, reason string, keepRef bool) error {
	exhausted := false
	updated, err := models.UpdateTaskWith(ex.store, task.ID, func(t *models.Task) error {
		exhausted = false
		if t.Status.Terminal() {
			return models.ErrSkipUpdate
		}
		t.BumpAttempt()
		t.ErrorClass = models.ErrorClassTransient
		t.Error = reason
		if t.Attempts >= ex.maxAttempts {
			exhausted = true
			return t.ApplyStatus(models.TaskStatusFailed, time.Now())
		}
		if !keepRef {
			t.ExternalRef = ""
		}
		if t.Status != models.TaskStatusQueued {
			return t.ApplyStatus(models.TaskStatusQueued, time.Now())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record transient failure: %w", err)
	}
	*task = *updated

	if updated.Status.Terminal() {
		if exhausted {
			ex.publishTerminal(updated, updated.Status)
			return fmt.Errorf("attempts exhausted (%d): %s: %w", updated.Attempts, reason, asynq.SkipRetry)
		}
		return nil // 并发取消抢了先
	}
	log.Printf("Task %s transient failure (attempt %d/%d): %s", task.ID, updated.Attempts, ex.maxAttempts, reason)
	return fmt.Errorf("transient failure: %s", reason)
}

// failTask 置永久失败并广播终态事件（已是终态则不动）
func (ex *Executor) failTask(taskID, class, reason string) {
	applied := false
	updated, err := models.UpdateTaskWith(ex.store, taskID, func(t *models.Task) error {
		applied = false
		if t.Status.Terminal() {
			return models.ErrSkipUpdate
		}
		t.ErrorClass = class
		t.Error = reason
		if err := t.ApplyStatus(models.TaskStatusFailed, time.Now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		log.Printf("置任务失败态未成功: %v", err)
		return
	}
	if applied {
		ex.publishTerminal(updated, models.TaskStatusFailed)
	}
}

// cancelRemote 尽力撤掉外部任务，失败只记日志
func (ex *Executor) cancelRemote(task *models.Task, adapter Adapter) {
	if task.ExternalRef == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Cancel(cctx, task.ExternalRef); err != nil && !errors.Is(err, ErrCancelUnsupported) {
		log.Printf("取消外部任务 %s 失败: %v", task.ExternalRef, err)
	}
}

func (ex *Executor) publishTerminal(task *models.Task, status models.TaskStatus) {
	ex.hub.Publish(bus.Event{
		Kind:      bus.EventTaskTerminal,
		ProjectID: task.ProjectId,
		SceneID:   task.SceneId,
		TaskID:    task.ID,
		TaskKind:  string(task.Kind),
		Percent:   task.Progress,
		Status:    string(status),
	})
}

// sceneContext 组装提交上下文：分镜文本、项目风格、已有资产（前置依赖用）
func (ex *Executor) sceneContext(task *models.Task, adapter Adapter) (SceneContext, error) {
	scene, err := ex.store.GetScene(task.SceneId)
	if err != nil {
		return SceneContext{}, fmt.Errorf("scene not found: %v", err)
	}
	project, err := ex.store.GetProject(task.ProjectId)
	if err != nil {
		return SceneContext{}, fmt.Errorf("project not found: %v", err)
	}

	assets := make(map[models.TaskKind]string, len(scene.Assets))
	for kind, ref := range scene.Assets {
		if ref.URL != "" {
			assets[kind] = ref.URL
		} else {
			assets[kind] = filepath.Join(ex.organizer.Root(), filepath.FromSlash(ref.Path))
		}
	}
	if prereq := adapter.Prerequisite(); prereq != "" {
		if _, ok := assets[prereq]; !ok {
			return SceneContext{}, fmt.Errorf("missing prerequisite %s asset for scene %s", prereq, scene.ID)
		}
	}

	return SceneContext{
		ProjectID: project.ID,
		SceneID:   scene.ID,
		Position:  scene.Position,
		Text:      scene.Text,
		Style:     project.Style,
		Assets:    assets,
	}, nil
}
