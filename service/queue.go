package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"StoryFlow-server/config"
	"StoryFlow-server/models"

	"github.com/hibiken/asynq"
)

const (
	// TypeSceneTask 分镜生成任务，image/voice/video 共用同一处理函数，按队列区分类型
	TypeSceneTask = "scene:generate"
)

type TaskPayload struct {
	TaskID string `json:"task_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueSceneTask 生成任务入队。队列名取任务类型，任务 ID 作队列侧唯一键：
// 同号重复入队返回冲突，这里直接按"已在队列中"处理，调用方可以放心重复调用。
func EnqueueSceneTask(t *models.Task) error {
	payload, err := json.Marshal(TaskPayload{TaskID: t.ID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	e := config.AppConfig.Executor
	task := asynq.NewTask(TypeSceneTask, payload,
		asynq.Queue(string(t.Kind)),
		asynq.TaskID(t.ID),
		asynq.MaxRetry(2*e.MaxAttempts),         // 队列侧兜底，真正的次数判定看任务记录
		asynq.Timeout(e.Budget(string(t.Kind))), // 单次尝试的时间预算
		asynq.Retention(e.Retention()),          // 终态任务在 Redis 保留，期间同号不会重复入队
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf("[Queue] Task already enqueued: %s", t.ID)
			return nil
		}
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Task Enqueued: ID=%s, Queue=%s", t.ID, info.Queue)
	return nil
}
