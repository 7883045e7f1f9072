package models

// 项目阶段（编排器状态机，除 failed 外沿固定流水线前进）
type Stage string

const (
	StageDraft                Stage = "draft"
	StageScriptAnalyzed       Stage = "script_analyzed"
	StageStoryboardInProgress Stage = "storyboard_in_progress"
	StageStoryboardReady      Stage = "storyboard_ready"
	StageVoiceInProgress      Stage = "voice_in_progress"
	StageVoiceReady           Stage = "voice_ready"
	StageVideoInProgress      Stage = "video_in_progress"
	StageVideoReady           Stage = "video_ready"
	StageAssembling           Stage = "assembling"
	StageExported             Stage = "exported"
	StageFailed               Stage = "failed"
)

// StagePlan 从某个停靠阶段向前推进一步的计划：
// 先切到 InProgress，该轮任务全部完成后再切到 Ready。
// Kind 为空表示这一步不派发分镜任务（剧本解析同步完成，合成导出走单独流程）。
type StagePlan struct {
	InProgress Stage
	Ready      Stage
	Kind       TaskKind
}

// advancePlans 各停靠阶段的推进计划表
var advancePlans = map[Stage]StagePlan{
	StageDraft:           {InProgress: StageScriptAnalyzed, Ready: StageScriptAnalyzed},
	StageScriptAnalyzed:  {InProgress: StageStoryboardInProgress, Ready: StageStoryboardReady, Kind: TaskKindImage},
	StageStoryboardReady: {InProgress: StageVoiceInProgress, Ready: StageVoiceReady, Kind: TaskKindVoice},
	StageVoiceReady:      {InProgress: StageVideoInProgress, Ready: StageVideoReady, Kind: TaskKindVideo},
	StageVideoReady:      {InProgress: StageAssembling, Ready: StageExported},
}

// stageTransitions 阶段状态机允许的迁移表（reset 走单独校验，不在此表内）。
// failed 可从任意进行中阶段进入，出口只有 reset。
var stageTransitions = map[Stage]map[Stage]struct{}{
	StageDraft:                {StageScriptAnalyzed: {}},
	StageScriptAnalyzed:       {StageStoryboardInProgress: {}},
	StageStoryboardInProgress: {StageStoryboardReady: {}, StageFailed: {}},
	StageStoryboardReady:      {StageVoiceInProgress: {}},
	StageVoiceInProgress:      {StageVoiceReady: {}, StageFailed: {}},
	StageVideoInProgress:      {StageVideoReady: {}, StageFailed: {}},
	StageVoiceReady:           {StageVideoInProgress: {}},
	StageVideoReady:           {StageAssembling: {}},
	StageAssembling:           {StageExported: {}, StageFailed: {}},
	StageExported:             {},
	StageFailed:               {},
}

// stageOrder 流水线内各阶段的先后序（failed 不参与排序）
var stageOrder = map[Stage]int{
	StageDraft:                0,
	StageScriptAnalyzed:       1,
	StageStoryboardInProgress: 2,
	StageStoryboardReady:      3,
	StageVoiceInProgress:      4,
	StageVoiceReady:           5,
	StageVideoInProgress:      6,
	StageVideoReady:           7,
	StageAssembling:           8,
	StageExported:             9,
}

// NextPlan 查询从 from 阶段向前推进的计划；停靠阶段之外返回 false
func NextPlan(from Stage) (StagePlan, bool) {
	plan, ok := advancePlans[from]
	return plan, ok
}

// PlanForInProgress 从 in_progress 阶段反查其完成计划（用于阶段完成判定）
func PlanForInProgress(stage Stage) (StagePlan, bool) {
	for _, plan := range advancePlans {
		if plan.InProgress == stage && plan.InProgress != plan.Ready {
			return plan, true
		}
	}
	return StagePlan{}, false
}

// ValidateStageTransition 校验阶段迁移是否合法
func ValidateStageTransition(from, to Stage) error {
	next, ok := stageTransitions[from]
	if !ok {
		return Invalidf("unknown stage %q", from)
	}
	if _, ok := next[to]; !ok {
		return Invalidf("stage %s -> %s", from, to)
	}
	return nil
}

// InProgress 是否是"等待本轮任务完成"的阶段
func (s Stage) InProgress() bool {
	switch s {
	case StageStoryboardInProgress, StageVoiceInProgress, StageVideoInProgress:
		return true
	default:
		return false
	}
}

// Checkpoint 是否是可以作为 reset 目标的停靠阶段
func (s Stage) Checkpoint() bool {
	switch s {
	case StageDraft, StageScriptAnalyzed, StageStoryboardReady, StageVoiceReady, StageVideoReady:
		return true
	default:
		return false
	}
}

// Before 在流水线上是否先于 other；failed 不参与排序，一律返回 false
func (s Stage) Before(other Stage) bool {
	a, ok1 := stageOrder[s]
	b, ok2 := stageOrder[other]
	if !ok1 || !ok2 {
		return false
	}
	return a < b
}
