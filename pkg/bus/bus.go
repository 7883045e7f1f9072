package bus

import (
	"sync"
	"time"
)

// 事件类型
const (
	// EventTaskProgress 任务进度变化（进入 running、百分比推进）
	EventTaskProgress = "task_progress"
	// EventTaskTerminal 任务进入终态（succeeded / failed / cancelled）
	EventTaskTerminal = "task_terminal"
	// EventStageTransition 项目阶段发生迁移
	EventStageTransition = "stage_transition"
)

// TopicAll 全量事件主题，编排器用它监听所有任务终态
const TopicAll = "all"

// ProjectTopic 某个项目的事件主题
func ProjectTopic(projectID string) string {
	return "project:" + projectID
}

// TaskTopic 某个任务的事件主题
func TaskTopic(taskID string) string {
	return "task:" + taskID
}

// Event 进度事件。字段按事件类型部分填充：
// task_* 事件带 TaskID/TaskKind/Percent/Status，
// stage_transition 事件带 FromStage/ToStage。
type Event struct {
	Kind      string    `json:"kind"`
	ProjectID string    `json:"projectId"`
	SceneID   string    `json:"sceneId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	TaskKind  string    `json:"taskKind,omitempty"`
	Percent   int       `json:"percent,omitempty"`
	Status    string    `json:"status,omitempty"`
	FromStage string    `json:"fromStage,omitempty"`
	ToStage   string    `json:"toStage,omitempty"`
	At        time.Time `json:"at"`
}

type subscription struct {
	ch    chan Event
	topic string
}

type topicEvent struct {
	topic string
	ev    Event
}

// Hub 管理基于 topic 的进度事件订阅。
//
// 说明：
//   - 每个 topic 对应一组订阅者通道，发布到该 topic 的事件会广播给所有订阅者。
//   - subscribe/unsubscribe/publish 三个控制通道由 Run 在单个 goroutine 中串行
//     消费，topics 数据结构只在该 goroutine 内被访问，不需要额外加锁。
//   - 投递是尽力而为：订阅者通道写不进去就丢弃该条事件，发布方永不阻塞。
//     事件只携带状态变化通知，权威状态以存储为准，丢了可以从存储补读。
type Hub struct {
	topics map[string]map[chan Event]bool

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicEvent
}

// NewHub 创建 Hub。publish 通道带缓冲（256）以吸收短时突发的发布。
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan Event]bool),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicEvent, 256),
	}
}

// Run 启动事件循环，应在单独的 goroutine 中运行：
//
//	hub := bus.NewHub()
//	go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan Event]bool)
				h.topics[s.topic] = subs
			}
			subs[s.ch] = true
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case te := <-h.publish:
			if subs, ok := h.topics[te.topic]; ok {
				for ch := range subs {
					select {
					case ch <- te.ev:
					default:
						// 订阅方没在读，丢弃
					}
				}
			}
		}
	}
}

// Publish 发布一条事件。事件会同时投递到全量主题、所属项目主题，
// 以及（若带 TaskID）对应任务主题。publish 缓冲满时整条丢弃，绝不阻塞调用方。
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	topics := []string{TopicAll}
	if ev.ProjectID != "" {
		topics = append(topics, ProjectTopic(ev.ProjectID))
	}
	if ev.TaskID != "" {
		topics = append(topics, TaskTopic(ev.TaskID))
	}
	for _, topic := range topics {
		select {
		case h.publish <- topicEvent{topic: topic, ev: ev}:
		default:
		}
	}
}

// Subscription 一次订阅。C 上接收事件，用完必须调用 Cancel。
// Hub 不会关闭 C，通道归订阅方所有。
type Subscription struct {
	C chan Event

	hub   *Hub
	topic string
	once  sync.Once
}

// Subscribe 订阅某个 topic，返回带缓冲（16）接收通道的订阅句柄
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Event, 16)
	h.subscribe <- subscription{ch: ch, topic: topic}
	return &Subscription{C: ch, hub: h, topic: topic}
}

// Cancel 取消订阅（幂等）。之后 C 上不会再收到新事件。
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.unsubscribe <- subscription{ch: s.C, topic: s.topic}
	})
}
