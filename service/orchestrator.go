package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/pkg/bus"

	"github.com/google/uuid"
)

// Dispatcher 编排器看到的执行器侧面。只有派发、打断和前置声明三个口，
// 任务状态的推进编排器自己写存储，不借执行器的手（见 evaluate 的事件驱动约定）。
type Dispatcher interface {
	Enqueue(t *models.Task) error
	AbortPoll(taskID string)
	// PrerequisiteKind 某类生成声明的前置资产类型，空值表示无要求
	PrerequisiteKind(kind models.TaskKind) models.TaskKind
}

// 进行中阶段的兜底复查间隔。事件总线是尽力投递，丢了的终态通知靠这个补
const stageRecheckInterval = 15 * time.Second

// 合成导出的总时间预算
const assembleTimeout = 10 * time.Minute

// Orchestrator 阶段编排器：项目沿固定流水线推进，每个生成阶段先铺一轮任务，
// 全部收到终态后才放行到对应的 ready 阶段。它订阅任务终态事件驱动判定，
// 从不直接调执行器改任务；执行器也只通过事件回声联系编排器，二者不互相持有。
type Orchestrator struct {
	store      models.Store
	hub        *bus.Hub
	dispatcher Dispatcher
	organizer  *Organizer

	recheck time.Duration
}

func NewOrchestrator(store models.Store, hub *bus.Hub, dispatcher Dispatcher, organizer *Organizer) *Orchestrator {
	return &Orchestrator{
		store:      store,
		hub:        hub,
		dispatcher: dispatcher,
		organizer:  organizer,
		recheck:    stageRecheckInterval,
	}
}

// Run 事件循环：监听任务终态事件触发阶段判定，定时兜底复查所有进行中的项目。
// 应在单独的 goroutine 中运行，ctx 取消即退出。
func (o *Orchestrator) Run(ctx context.Context) {
	sub := o.hub.Subscribe(bus.TopicAll)
	defer sub.Cancel()

	ticker := time.NewTicker(o.recheck)
	defer ticker.Stop()

	// 启动先扫一遍：停机窗口里收尾的阶段不必等第一个 tick
	o.sweepInProgress()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if ev.Kind == bus.EventTaskTerminal && ev.ProjectID != "" {
				o.evaluateStage(ev.ProjectID)
			}
		case <-ticker.C:
			o.sweepInProgress()
		}
	}
}

// sweepInProgress 对所有进行中的项目补一次阶段判定
func (o *Orchestrator) sweepInProgress() {
	projects, err := o.store.ListProjects()
	if err != nil {
		log.Printf("兜底复查读项目列表失败: %v", err)
		return
	}
	for _, p := range projects {
		if p.Stage.InProgress() {
			o.evaluateStage(p.ID)
		}
	}
}

// Advance 把项目推进一步。三种形态：
//   - draft -> script_analyzed：校验分镜存在，同步完成
//   - 生成阶段：占住 in_progress（乐观写是唯一的并发闸口），每个分镜铺一个任务
//   - video_ready -> assembling：异步跑合成导出，完成后自动到 exported
//
// 项目已在进行中、已导出或 failed 时返回 ErrInvalidTransition，不会产生重复任务。
func (o *Orchestrator) Advance(projectID string) (*models.Project, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	plan, ok := models.NextPlan(project.Stage)
	if !ok {
		return nil, models.Invalidf("project %s stage %s cannot advance", projectID, project.Stage)
	}
	scenes, err := o.store.ListScenes(projectID)
	if err != nil {
		return nil, err
	}
	if len(scenes) == 0 {
		return nil, models.Validationf("project %s has no scenes", projectID)
	}

	// 无任务的同步步进（剧本解析确认）
	if plan.Kind == "" && plan.InProgress == plan.Ready {
		applied, err := o.transitionProject(projectID, project.Stage, plan.Ready,
			models.TransitionActorSystem, "script analyzed", nil)
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, models.Invalidf("project %s stage moved concurrently", projectID)
		}
		return o.store.GetProject(projectID)
	}

	// 合成导出：先停到 assembling，后台跑装配
	if plan.Kind == "" {
		applied, err := o.transitionProject(projectID, project.Stage, plan.InProgress,
			models.TransitionActorSystem, "assembly started", func(p *models.Project) { p.StageError = "" })
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, models.Invalidf("project %s stage moved concurrently", projectID)
		}
		go o.assemble(projectID)
		return o.store.GetProject(projectID)
	}

	// 生成阶段：先抢占 in_progress 并开新一轮，抢到的才有资格铺任务。
	// 两个并发 Advance 只会有一个通过版本检查，重复任务从根上杜绝。
	var round int64
	applied, err := o.transitionProject(projectID, project.Stage, plan.InProgress,
		models.TransitionActorSystem, fmt.Sprintf("%s stage started", plan.Kind), func(p *models.Project) {
			p.Round++
			p.StageError = ""
			round = p.Round
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, models.Invalidf("project %s stage moved concurrently", projectID)
	}

	o.spawnStageTasks(projectID, scenes, plan.Kind, round)
	return o.store.GetProject(projectID)
}

// spawnStageTasks 为一轮生成铺任务：每个分镜一个。缺前置资产的分镜不派
// 注定失败的任务，当场降级（决策见 DESIGN.md）；重新跑到的类型清掉旧降级标记。
func (o *Orchestrator) spawnStageTasks(projectID string, scenes []*models.Scene, kind models.TaskKind, round int64) {
	prereq := o.dispatcher.PrerequisiteKind(kind)
	for _, sc := range scenes {
		if prereq != "" {
			if _, ok := sc.AssetFor(prereq); !ok {
				log.Printf("Scene %s 缺少前置 %s 资产，%s 生成直接降级", sc.ID, prereq, kind)
				if _, err := models.UpdateSceneWith(o.store, sc.ID, func(s *models.Scene) error {
					s.MarkDegraded(kind)
					return nil
				}); err != nil {
					log.Printf("标记降级失败: %v", err)
				}
				continue
			}
		}
		if sc.Degraded.Has(kind) {
			if _, err := models.UpdateSceneWith(o.store, sc.ID, func(s *models.Scene) error {
				s.ClearDegraded(kind)
				return nil
			}); err != nil {
				log.Printf("清除降级标记失败: %v", err)
			}
		}

		task := &models.Task{
			ID:        uuid.NewString(),
			ProjectId: projectID,
			SceneId:   sc.ID,
			Kind:      kind,
			Status:    models.TaskStatusQueued,
			Round:     round,
			QueuedAt:  time.Now(),
		}
		if err := o.store.CreateTask(task); err != nil {
			log.Printf("创建任务失败 (scene-%d %s): %v", sc.Position, kind, err)
			continue
		}
		if err := o.dispatcher.Enqueue(task); err != nil {
			// 存储里已有任务记录，重启恢复扫描会补投
			log.Printf("任务 %s 入队失败: %v", task.ID, err)
		}
	}
}

// StageSummary 当前阶段一轮任务的聚合视图
type StageSummary struct {
	Stage     models.Stage    `json:"stage"`
	Kind      models.TaskKind `json:"kind,omitempty"`
	Round     int64           `json:"round"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Cancelled int             `json:"cancelled"`
	Pending   int             `json:"pending"`
	Degraded  int             `json:"degraded"`
	// Complete 所有分镜都有了结论（任务终态或已降级）
	Complete bool `json:"complete"`
	// Blocked 有了结论但存在非成功任务，阶段卡住等人工处置
	Blocked  bool     `json:"blocked"`
	Failures []string `json:"failures,omitempty"`
}

// Summary 项目当前阶段的聚合视图。不在生成阶段时只有 Stage/Round 有意义。
func (o *Orchestrator) Summary(projectID string) (*StageSummary, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	plan, ok := models.PlanForInProgress(project.Stage)
	if !ok || !project.Stage.InProgress() {
		return &StageSummary{Stage: project.Stage, Round: project.Round}, nil
	}
	return o.summarize(project, plan)
}

// summarize 按分镜归并当前轮任务：每个分镜要么降级，要么有一个本轮任务。
// 任务缺失（极端的崩溃窗口）计入 Pending，阶段保持进行中等人工 reset。
func (o *Orchestrator) summarize(project *models.Project, plan models.StagePlan) (*StageSummary, error) {
	scenes, err := o.store.ListScenes(project.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasksByKind(project.ID, plan.Kind, project.Round)
	if err != nil {
		return nil, err
	}
	byScene := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byScene[t.SceneId] = t
	}

	sum := &StageSummary{
		Stage: project.Stage,
		Kind:  plan.Kind,
		Round: project.Round,
		Total: len(scenes),
	}
	for _, sc := range scenes {
		if sc.Degraded.Has(plan.Kind) {
			sum.Degraded++
			continue
		}
		t, ok := byScene[sc.ID]
		if !ok {
			sum.Pending++
			continue
		}
		switch t.Status {
		case models.TaskStatusSucceeded:
			sum.Succeeded++
		case models.TaskStatusFailed:
			sum.Failed++
			sum.Failures = append(sum.Failures, fmt.Sprintf("scene-%d: %s", sc.Position, t.Error))
		case models.TaskStatusCancelled:
			sum.Cancelled++
			sum.Failures = append(sum.Failures, fmt.Sprintf("scene-%d: cancelled", sc.Position))
		default:
			sum.Pending++
		}
	}
	sum.Complete = sum.Pending == 0
	sum.Blocked = sum.Complete && len(sum.Failures) > 0
	return sum, nil
}

// evaluateStage 阶段完成判定。全部成功（或显式降级）才放行到 ready；
// 有失败就把聚合摘要挂到项目上，阶段原地卡住，等 forceAdvance 或 reset。
// 幂等：事件和兜底 tick 重复触发不会产生第二次迁移。
func (o *Orchestrator) evaluateStage(projectID string) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		log.Printf("阶段判定读项目失败: %v", err)
		return
	}
	if !project.Stage.InProgress() {
		return
	}
	plan, ok := models.PlanForInProgress(project.Stage)
	if !ok {
		return
	}
	sum, err := o.summarize(project, plan)
	if err != nil {
		log.Printf("阶段汇总失败: %v", err)
		return
	}
	if !sum.Complete {
		return
	}

	if !sum.Blocked {
		applied, err := o.transitionProject(projectID, plan.InProgress, plan.Ready,
			models.TransitionActorSystem, fmt.Sprintf("%s stage completed", plan.Kind),
			func(p *models.Project) { p.StageError = "" })
		if err != nil {
			log.Printf("阶段收尾迁移失败: %v", err)
			return
		}
		if applied {
			log.Printf("Project %s: %s -> %s (%d succeeded, %d degraded)",
				projectID, plan.InProgress, plan.Ready, sum.Succeeded, sum.Degraded)
		}
		return
	}

	summary := fmt.Sprintf("%d/%d %s tasks did not succeed: %s",
		len(sum.Failures), sum.Total, plan.Kind, strings.Join(sum.Failures, "; "))
	if _, err := models.UpdateProjectWith(o.store, projectID, func(p *models.Project) error {
		if p.Stage != plan.InProgress || p.StageError == summary {
			return models.ErrSkipUpdate
		}
		p.StageError = summary
		return nil
	}); err != nil {
		log.Printf("记录阶段失败摘要失败: %v", err)
	}
}

// ForceAdvance 人工放行一个被失败任务卡住的阶段：未成功的分镜标记降级
// （缺这一类资产），阶段照常到 ready。这是绕过全量成功闸口的唯一通道。
// 仍有任务在途时拒绝（ErrTasksInFlight），先等终态或先 Cancel。
func (o *Orchestrator) ForceAdvance(projectID string) (*models.Project, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if !project.Stage.InProgress() {
		return nil, models.Invalidf("project %s stage %s is not in progress", projectID, project.Stage)
	}
	plan, ok := models.PlanForInProgress(project.Stage)
	if !ok {
		return nil, models.Invalidf("project %s stage %s has no plan", projectID, project.Stage)
	}
	sum, err := o.summarize(project, plan)
	if err != nil {
		return nil, err
	}
	if !sum.Complete {
		return nil, fmt.Errorf("project %s still has %d pending %s tasks: %w",
			projectID, sum.Pending, plan.Kind, models.ErrTasksInFlight)
	}

	// 未成功的分镜逐个降级
	scenes, err := o.store.ListScenes(projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasksByKind(projectID, plan.Kind, project.Round)
	if err != nil {
		return nil, err
	}
	byScene := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byScene[t.SceneId] = t
	}
	for _, sc := range scenes {
		t, ok := byScene[sc.ID]
		if ok && t.Status == models.TaskStatusSucceeded {
			continue
		}
		if sc.Degraded.Has(plan.Kind) {
			continue
		}
		log.Printf("Scene %s 的 %s 生成未成功，随 forceAdvance 降级", sc.ID, plan.Kind)
		if _, err := models.UpdateSceneWith(o.store, sc.ID, func(s *models.Scene) error {
			s.MarkDegraded(plan.Kind)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("mark scene %s degraded: %w", sc.ID, err)
		}
	}

	applied, err := o.transitionProject(projectID, plan.InProgress, plan.Ready,
		models.TransitionActorOverride, "force advance", func(p *models.Project) { p.StageError = "" })
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, models.Invalidf("project %s stage moved concurrently", projectID)
	}
	return o.store.GetProject(projectID)
}

// Reset 管理性回退：目标必须是停靠阶段，且项目名下没有任何在途任务。
// failed 状态只能靠 reset 离开；正常状态只允许向后退（向前走该用 advance）。
func (o *Orchestrator) Reset(projectID string, toStage models.Stage) (*models.Project, error) {
	if !toStage.Checkpoint() {
		return nil, models.Invalidf("reset target %s is not a checkpoint stage", toStage)
	}
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Stage != models.StageFailed && !toStage.Before(project.Stage) {
		return nil, models.Invalidf("reset %s -> %s is not a rollback", project.Stage, toStage)
	}
	tasks, err := o.store.ListTasks(projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return nil, fmt.Errorf("task %s is %s: %w", t.ID, t.Status, models.ErrTasksInFlight)
		}
	}

	var from models.Stage
	applied := false
	if _, err := models.UpdateProjectWith(o.store, projectID, func(p *models.Project) error {
		applied = false
		if p.Stage == toStage {
			return models.ErrSkipUpdate
		}
		from = p.Stage
		p.Stage = toStage
		p.StageError = ""
		applied = true
		return nil
	}); err != nil {
		return nil, err
	}
	if applied {
		o.recordTransition(projectID, from, toStage, models.TransitionActorOverride, "reset")
	}
	return o.store.GetProject(projectID)
}

// CancelStage 取消当前阶段：本轮所有非终态任务置 cancelled 并打断轮询，
// 外部任务尽力撤掉。阶段留在 in_progress（卡住态），出路是 reset 或 forceAdvance。
func (o *Orchestrator) CancelStage(projectID string) (*models.Project, error) {
	project, err := o.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if !project.Stage.InProgress() {
		return nil, models.Invalidf("project %s stage %s is not in progress", projectID, project.Stage)
	}
	plan, ok := models.PlanForInProgress(project.Stage)
	if !ok {
		return nil, models.Invalidf("project %s stage %s has no plan", projectID, project.Stage)
	}
	tasks, err := o.store.ListTasksByKind(projectID, plan.Kind, project.Round)
	if err != nil {
		return nil, err
	}

	cancelled := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		applied := false
		updated, err := models.UpdateTaskWith(o.store, t.ID, func(task *models.Task) error {
			applied = false
			if task.Status.Terminal() {
				return models.ErrSkipUpdate
			}
			task.Error = "stage cancelled"
			if err := task.ApplyStatus(models.TaskStatusCancelled, time.Now()); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			log.Printf("取消任务 %s 失败: %v", t.ID, err)
			continue
		}
		if !applied {
			continue
		}
		cancelled++
		// 先落库再打断：被打断的轮询按存储对账，看到 cancelled 才撤外部任务
		o.dispatcher.AbortPoll(updated.ID)
		o.hub.Publish(bus.Event{
			Kind:      bus.EventTaskTerminal,
			ProjectID: updated.ProjectId,
			SceneID:   updated.SceneId,
			TaskID:    updated.ID,
			TaskKind:  string(updated.Kind),
			Percent:   updated.Progress,
			Status:    string(models.TaskStatusCancelled),
		})
	}
	log.Printf("Project %s: cancelled %d %s tasks", projectID, cancelled, plan.Kind)

	// 摘要立刻可见，不等下一次事件
	o.evaluateStage(projectID)
	return o.store.GetProject(projectID)
}

// assemble 合成导出的后台流程。成功到 exported，失败整项目置 failed（可 reset 重来）。
func (o *Orchestrator) assemble(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), assembleTimeout)
	defer cancel()

	project, err := o.store.GetProject(projectID)
	if err != nil {
		log.Printf("合成导出读项目失败: %v", err)
		return
	}
	scenes, err := o.store.ListScenes(projectID)
	if err != nil {
		log.Printf("合成导出读分镜失败: %v", err)
		return
	}

	exportPath, err := o.organizer.AssembleExport(ctx, project, scenes)
	if err != nil {
		log.Printf("[Error] Project %s 合成导出失败: %v", projectID, err)
		if _, terr := o.transitionProject(projectID, models.StageAssembling, models.StageFailed,
			models.TransitionActorSystem, fmt.Sprintf("assembly failed: %v", err),
			func(p *models.Project) { p.StageError = fmt.Sprintf("assembly failed: %v", err) }); terr != nil {
			log.Printf("置项目失败态未成功: %v", terr)
		}
		return
	}

	applied, err := o.transitionProject(projectID, models.StageAssembling, models.StageExported,
		models.TransitionActorSystem, "export assembled", func(p *models.Project) { p.StageError = "" })
	if err != nil {
		log.Printf("导出收尾迁移失败: %v", err)
		return
	}
	if applied {
		log.Printf("Project %s 导出完成: %s", projectID, exportPath)
	}
}

// transitionProject 带守卫的阶段迁移：项目仍停在 from 且迁移合法才落库，
// 落库成功后追加审计流水并广播事件。返回是否真的发生了迁移。
// 乐观重试由 UpdateProjectWith 兜底，两个并发调用至多一个 applied。
func (o *Orchestrator) transitionProject(projectID string, from, to models.Stage, actor, reason string, extra func(p *models.Project)) (bool, error) {
	applied := false
	if _, err := models.UpdateProjectWith(o.store, projectID, func(p *models.Project) error {
		applied = false
		if p.Stage != from {
			return models.ErrSkipUpdate
		}
		if err := models.ValidateStageTransition(from, to); err != nil {
			return err
		}
		p.Stage = to
		if extra != nil {
			extra(p)
		}
		applied = true
		return nil
	}); err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	o.recordTransition(projectID, from, to, actor, reason)
	return true, nil
}

// recordTransition 追加审计流水并广播阶段事件。流水写失败只记日志：
// 审计缺一条好过整个迁移回滚。
func (o *Orchestrator) recordTransition(projectID string, from, to models.Stage, actor, reason string) {
	rec := &models.StageTransitionRecord{
		ProjectId: projectID,
		FromStage: from,
		ToStage:   to,
		Actor:     actor,
		Reason:    reason,
	}
	if err := o.store.AppendTransition(rec); err != nil {
		log.Printf("追加阶段流水失败: %v", err)
	}
	o.hub.Publish(bus.Event{
		Kind:      bus.EventStageTransition,
		ProjectID: projectID,
		FromStage: string(from),
		ToStage:   string(to),
	})
}
