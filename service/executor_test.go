package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/pkg/bus"

	"github.com/hibiken/asynq"
)

// fakeAdapter 可编排的生成服务替身
type fakeAdapter struct {
	kind   models.TaskKind
	prereq models.TaskKind

	mu       sync.Mutex
	submits  int
	cancels  []string
	submitFn func(sc SceneContext) (string, error)
	pollFn   func(ref string) (PollResult, error)
}

func (f *fakeAdapter) Kind() models.TaskKind         { return f.kind }
func (f *fakeAdapter) Prerequisite() models.TaskKind { return f.prereq }

func (f *fakeAdapter) Submit(ctx context.Context, sc SceneContext) (string, error) {
	f.mu.Lock()
	f.submits++
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(sc)
	}
	return "job-1", nil
}

func (f *fakeAdapter) Poll(ctx context.Context, ref string) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}
	f.mu.Lock()
	fn := f.pollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ref)
	}
	return PollResult{Phase: PhaseRunning}, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, ref)
	return nil
}

func (f *fakeAdapter) setSubmit(fn func(sc SceneContext) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitFn = fn
}

func (f *fakeAdapter) setPoll(fn func(ref string) (PollResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollFn = fn
}

func (f *fakeAdapter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeAdapter) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

// pollScript 依次吐出给定结果，走到最后一个就停在那里
func pollScript(results ...PollResult) func(string) (PollResult, error) {
	var mu sync.Mutex
	i := 0
	return func(string) (PollResult, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[i]
		if i < len(results)-1 {
			i++
		}
		return r, nil
	}
}

// 任务号全局唯一：轮询取消注册表是包级的，并行测试不能撞号
var taskSeq int64

func nextTaskID() string {
	return fmt.Sprintf("task-%d", atomic.AddInt64(&taskSeq, 1))
}

type executorFixture struct {
	store   *models.MemoryStore
	hub     *bus.Hub
	org     *Organizer
	adapter *fakeAdapter
	ex      *Executor
}

func newExecutorFixture(t *testing.T, kind, prereq models.TaskKind) *executorFixture {
	t.Helper()
	store := models.NewMemoryStore()
	hub := bus.NewHub()
	go hub.Run()
	org := NewOrganizer(t.TempDir(), nil)
	fa := &fakeAdapter{kind: kind, prereq: prereq}
	cfg := config.ExecutorConfig{MaxAttempts: 3, PollIntervalSeconds: 1}
	ex := NewExecutor(store, hub, org, NewCostTracker(store), []Adapter{fa}, cfg)
	// 测试里把轮询间隔拧到毫秒级
	ex.pollInterval = 2 * time.Millisecond
	return &executorFixture{store: store, hub: hub, org: org, adapter: fa, ex: ex}
}

// seed 铺一个项目 + 分镜 + 排队中的任务，返回任务镜像
func (f *executorFixture) seed(t *testing.T, kind models.TaskKind, withImageAsset bool) *models.Task {
	t.Helper()
	if err := f.store.CreateProject(&models.Project{
		ID: "p1", Title: "demo", Style: "ink", Stage: models.StageStoryboardInProgress, Round: 1,
	}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	scene := &models.Scene{ID: "s1", ProjectId: "p1", Position: 0, Text: "雨夜的巷子"}
	if withImageAsset {
		scene.SetAsset(models.TaskKindImage, models.AssetRef{Path: "projects/p1/scene-0/images/keyframe.png"})
	}
	if err := f.store.CreateScenes([]*models.Scene{scene}); err != nil {
		t.Fatalf("CreateScenes: %v", err)
	}
	task := &models.Task{
		ID: nextTaskID(), ProjectId: "p1", SceneId: "s1",
		Kind: kind, Status: models.TaskStatusQueued, Round: 1,
	}
	if err := f.store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// run 模拟队列回调一次
func (f *executorFixture) run(t *testing.T, ctx context.Context, taskID string) error {
	t.Helper()
	payload, err := json.Marshal(TaskPayload{TaskID: taskID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return f.ex.handleSceneTask(ctx, asynq.NewTask(TypeSceneTask, payload))
}

// outputFile 造一个生成服务"产物"
func outputFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	return path
}

func waitTaskStatus(t *testing.T, store models.Store, id string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(id)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func waitTerminalEvent(t *testing.T, sub *bus.Subscription, want models.TaskStatus) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind != bus.EventTaskTerminal {
				continue
			}
			if ev.Status != string(want) {
				t.Fatalf("terminal event status %s, expected %s", ev.Status, want)
			}
			return ev
		case <-timeout:
			t.Fatalf("no terminal event within deadline")
		}
	}
}

func TestExecutorRunsTaskToSuccess(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	out := outputFile(t, "rendered")
	f.adapter.setPoll(pollScript(
		PollResult{Phase: PhaseRunning, Percent: 25},
		PollResult{Phase: PhaseRunning, Percent: 60},
		PollResult{Phase: PhaseSucceeded, Percent: 100, OutputRef: out, CostCredits: 7},
	))

	sub := f.hub.Subscribe(bus.TaskTopic(task.ID))
	defer sub.Cancel()

	if err := f.run(t, context.Background(), task.ID); err != nil {
		t.Fatalf("handleSceneTask: %v", err)
	}

	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", got.Status, got.Error)
	}
	if got.Progress != 100 || got.ExternalRef != "job-1" || got.CostCredits != 7 {
		t.Fatalf("task fields after success: %+v", got)
	}
	if got.Attempts != 0 {
		t.Fatalf("clean run should not consume attempts, got %d", got.Attempts)
	}

	// 产物落到分镜目录，分镜记下资产引用
	scene, _ := f.store.GetScene("s1")
	ref, ok := scene.AssetFor(models.TaskKindImage)
	if !ok || ref.Path != "projects/p1/scene-0/images/keyframe.png" {
		t.Fatalf("scene asset ref missing or wrong: %+v", scene.Assets)
	}
	data, err := os.ReadFile(filepath.Join(f.org.Root(), filepath.FromSlash(ref.Path)))
	if err != nil || string(data) != "rendered" {
		t.Fatalf("materialized content mismatch: %q (%v)", data, err)
	}

	// 消耗入账到项目
	project, _ := f.store.GetProject("p1")
	if project.CostCredits != 7 {
		t.Fatalf("expected project cost 7, got %d", project.CostCredits)
	}

	waitTerminalEvent(t, sub, models.TaskStatusSucceeded)
}

func TestExecutorResumesByExternalRef(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	// 模拟重启前已提交过：任务号已经在库里
	if _, err := models.UpdateTaskWith(f.store, task.ID, func(tk *models.Task) error {
		if err := tk.ApplyStatus(models.TaskStatusSubmitted, time.Now()); err != nil {
			return err
		}
		tk.ExternalRef = "job-9"
		return nil
	}); err != nil {
		t.Fatalf("seed external ref: %v", err)
	}
	out := outputFile(t, "x")
	f.adapter.setPoll(pollScript(PollResult{Phase: PhaseSucceeded, OutputRef: out}))

	if err := f.run(t, context.Background(), task.ID); err != nil {
		t.Fatalf("handleSceneTask: %v", err)
	}
	if n := f.adapter.submitCount(); n != 0 {
		t.Fatalf("resume must not resubmit, got %d submits", n)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusSucceeded || got.ExternalRef != "job-9" {
		t.Fatalf("expected succeeded via job-9, got %s/%s", got.Status, got.ExternalRef)
	}
}

func TestExecutorSubmitPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	f.adapter.setSubmit(func(sc SceneContext) (string, error) {
		return "", PermanentError(errors.New("prompt rejected"))
	})
	sub := f.hub.Subscribe(bus.TaskTopic(task.ID))
	defer sub.Cancel()

	err := f.run(t, context.Background(), task.ID)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("permanent failure must not requeue, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.ErrorClass != models.ErrorClassPermanent {
		t.Fatalf("expected failed/permanent, got %s/%s", got.Status, got.ErrorClass)
	}
	if !strings.Contains(got.Error, "prompt rejected") {
		t.Fatalf("expected reason in task error, got %q", got.Error)
	}
	waitTerminalEvent(t, sub, models.TaskStatusFailed)
}

func TestExecutorSubmitTransientUntilExhausted(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	f.adapter.setSubmit(func(sc SceneContext) (string, error) {
		return "", TransientError(errors.New("worker busy"))
	})
	sub := f.hub.Subscribe(bus.TaskTopic(task.ID))
	defer sub.Cancel()

	// 前两次：记尝试、回到 queued、报错请求重投
	for i := 1; i <= 2; i++ {
		err := f.run(t, context.Background(), task.ID)
		if err == nil || errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("attempt %d: expected retryable error, got %v", i, err)
		}
		got, _ := f.store.GetTask(task.ID)
		if got.Status != models.TaskStatusQueued || got.Attempts != i {
			t.Fatalf("attempt %d: expected queued with %d attempts, got %s/%d", i, i, got.Status, got.Attempts)
		}
	}

	// 第三次用尽额度，收敛为 failed
	err := f.run(t, context.Background(), task.ID)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("exhausted attempts must stop retrying, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %s/%d", got.Status, got.Attempts)
	}
	if got.ErrorClass != models.ErrorClassTransient {
		t.Fatalf("exhaustion keeps transient class, got %s", got.ErrorClass)
	}
	if n := f.adapter.submitCount(); n != 3 {
		t.Fatalf("expected 3 submit calls, got %d", n)
	}
	waitTerminalEvent(t, sub, models.TaskStatusFailed)
}

func TestExecutorPollTransientFailureResubmits(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	out := outputFile(t, "x")
	f.adapter.setPoll(pollScript(
		PollResult{Phase: PhaseFailed, Reason: "gpu oom", Transient: true},
		PollResult{Phase: PhaseSucceeded, OutputRef: out},
	))

	err := f.run(t, context.Background(), task.ID)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("transient worker failure should requeue, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusQueued || got.Attempts != 1 {
		t.Fatalf("expected queued/1, got %s/%d", got.Status, got.Attempts)
	}
	// 外部任务已死：任务号必须作废，下一次重新提交
	if got.ExternalRef != "" {
		t.Fatalf("external ref should be dropped, got %q", got.ExternalRef)
	}

	if err := f.run(t, context.Background(), task.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := f.adapter.submitCount(); n != 2 {
		t.Fatalf("expected fresh submit on retry, got %d submits", n)
	}
	got, _ = f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestExecutorPollPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	f.adapter.setPoll(pollScript(PollResult{Phase: PhaseFailed, Reason: "nsfw content"}))

	err := f.run(t, context.Background(), task.ID)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("permanent worker failure must not retry, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.ErrorClass != models.ErrorClassPermanent {
		t.Fatalf("expected failed/permanent, got %s/%s", got.Status, got.ErrorClass)
	}
	if got.Error != "nsfw content" {
		t.Fatalf("expected worker reason, got %q", got.Error)
	}
}

func TestExecutorAttemptTimeoutKeepsExternalRef(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	// 默认 pollFn 恒为 running，直到单次尝试预算被 ctx 打断

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	err := f.run(t, ctx, task.ID)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("budget timeout should requeue, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusQueued || got.Attempts != 1 {
		t.Fatalf("expected queued/1 after timeout, got %s/%d", got.Status, got.Attempts)
	}
	// 外部任务可能还活着：保留任务号，重试续轮询
	if got.ExternalRef != "job-1" {
		t.Fatalf("external ref must survive timeout, got %q", got.ExternalRef)
	}

	out := outputFile(t, "late but done")
	f.adapter.setPoll(pollScript(PollResult{Phase: PhaseSucceeded, OutputRef: out}))
	if err := f.run(t, context.Background(), task.ID); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if n := f.adapter.submitCount(); n != 1 {
		t.Fatalf("resume after timeout must not resubmit, got %d submits", n)
	}
	got, _ = f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestExecutorCancelDuringPolling(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	// 默认 pollFn 恒为 running

	done := make(chan error, 1)
	go func() { done <- f.run(t, context.Background(), task.ID) }()

	waitTaskStatus(t, f.store, task.ID, models.TaskStatusRunning)

	// 编排器的取消协议：先把终态写进存储，再打断轮询
	if _, err := models.UpdateTaskWith(f.store, task.ID, func(tk *models.Task) error {
		tk.Error = "stage cancelled"
		return tk.ApplyStatus(models.TaskStatusCancelled, time.Now())
	}); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	if !CancelPollTask(task.ID) {
		t.Fatalf("expected an active poll to interrupt")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled poll should exit clean, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not exit after cancel")
	}

	// 对账后外部任务要被尽力撤掉
	cancels := f.adapter.cancelled()
	if len(cancels) != 1 || cancels[0] != "job-1" {
		t.Fatalf("expected remote cancel of job-1, got %v", cancels)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestExecutorDropsTerminalTask(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	if _, err := models.UpdateTaskWith(f.store, task.ID, func(tk *models.Task) error {
		return tk.ApplyStatus(models.TaskStatusCancelled, time.Now())
	}); err != nil {
		t.Fatalf("seed cancelled: %v", err)
	}

	if err := f.run(t, context.Background(), task.ID); err != nil {
		t.Fatalf("terminal task should be dropped silently, got %v", err)
	}
	if n := f.adapter.submitCount(); n != 0 {
		t.Fatalf("terminal task must not be submitted, got %d", n)
	}
}

func TestExecutorStorageFailureFailsTask(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	// 产物地址指向不存在的文件：落盘重试耗尽后任务按失败收敛
	f.adapter.setPoll(pollScript(PollResult{
		Phase:     PhaseSucceeded,
		OutputRef: filepath.Join(t.TempDir(), "missing.bin"),
	}))

	err := f.run(t, context.Background(), task.ID)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("storage failure should not requeue, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || got.ErrorClass != models.ErrorClassPermanent {
		t.Fatalf("expected failed/permanent, got %s/%s", got.Status, got.ErrorClass)
	}
	if !strings.Contains(got.Error, "storage") {
		t.Fatalf("expected storage reason, got %q", got.Error)
	}
}

func TestExecutorMissingPrerequisiteFails(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindVideo, models.TaskKindImage)
	task := f.seed(t, models.TaskKindVideo, false) // 分镜没有关键帧资产

	err := f.run(t, context.Background(), task.ID)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("missing prerequisite must not retry, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed || !strings.Contains(got.Error, "prerequisite") {
		t.Fatalf("expected failed with prerequisite reason, got %s %q", got.Status, got.Error)
	}
	if n := f.adapter.submitCount(); n != 0 {
		t.Fatalf("must not submit without prerequisite, got %d", n)
	}
}

func TestExecutorSubmitCarriesPrerequisiteAsset(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindVideo, models.TaskKindImage)
	task := f.seed(t, models.TaskKindVideo, true)
	var gotAssets map[models.TaskKind]string
	f.adapter.setSubmit(func(sc SceneContext) (string, error) {
		gotAssets = sc.Assets
		return "job-1", nil
	})
	out := outputFile(t, "v")
	f.adapter.setPoll(pollScript(PollResult{Phase: PhaseSucceeded, OutputRef: out}))

	if err := f.run(t, context.Background(), task.ID); err != nil {
		t.Fatalf("handleSceneTask: %v", err)
	}
	want := filepath.Join(f.org.Root(), "projects", "p1", "scene-0", "images", "keyframe.png")
	if gotAssets[models.TaskKindImage] != want {
		t.Fatalf("prerequisite asset path %q, expected %q", gotAssets[models.TaskKindImage], want)
	}
}

func TestExecutorBadInputs(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")

	// 载荷坏掉：不值得重投
	err := f.ex.handleSceneTask(context.Background(), asynq.NewTask(TypeSceneTask, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("broken payload should skip retry, got %v", err)
	}

	// 任务记录不存在：同样放弃
	if err := f.run(t, context.Background(), "ghost"); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("unknown task should skip retry, got %v", err)
	}
}

func TestExecutorNoAdapterForKind(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindVoice, false) // 只配了 image 适配器

	err := f.run(t, context.Background(), task.ID)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("missing adapter should skip retry, got %v", err)
	}
	got, _ := f.store.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestAbortPollCancelsRemoteWhenIdle(t *testing.T) {
	t.Parallel()

	f := newExecutorFixture(t, models.TaskKindImage, "")
	task := f.seed(t, models.TaskKindImage, false)
	if _, err := models.UpdateTaskWith(f.store, task.ID, func(tk *models.Task) error {
		if err := tk.ApplyStatus(models.TaskStatusSubmitted, time.Now()); err != nil {
			return err
		}
		tk.ExternalRef = "job-7"
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// 本进程没有轮询在跑（重启后任务还躺在队列里的情形）
	f.ex.AbortPoll(task.ID)
	cancels := f.adapter.cancelled()
	if len(cancels) != 1 || cancels[0] != "job-7" {
		t.Fatalf("expected remote cancel of job-7, got %v", cancels)
	}
}
