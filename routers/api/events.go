package api

import (
	"net/http"

	"StoryFlow-server/pkg/bus"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProjectEventsWebSocket 项目事件流：先推一帧存储快照，之后转发总线事件
// （任务进度、任务终态、阶段迁移）。投递是尽力而为，断线没有回放，
// 重连方靠快照重新对齐——权威状态始终在存储。
func ProjectEventsWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := deps.Store.GetProject(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	tasks, err := deps.Store.ListTasks(projectID)
	if err != nil {
		zap.L().Error("snapshot tasks failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if err := conn.WriteJSON(gin.H{"snapshot": true, "project": project, "tasks": tasks}); err != nil {
		return
	}

	sub := deps.Hub.Subscribe(bus.ProjectTopic(projectID))
	defer sub.Cancel()

	// 读循环只为感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.C:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// TaskEventsWebSocket 单任务事件流：快照先行，终态事件推完即收线
func TaskEventsWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	task, err := deps.Store.GetTask(taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(gin.H{"snapshot": true, "task": task}); err != nil {
		return
	}
	if task.Status.Terminal() {
		return
	}

	sub := deps.Hub.Subscribe(bus.TaskTopic(taskID))
	defer sub.Cancel()

	// 订阅建立前任务可能已经收尾，补读一次存储兜底（事件不回放）
	if fresh, err := deps.Store.GetTask(taskID); err == nil && fresh.Status.Terminal() {
		_ = conn.WriteJSON(gin.H{"snapshot": true, "task": fresh})
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.C:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Kind == bus.EventTaskTerminal {
				return
			}
		case <-done:
			return
		}
	}
}
