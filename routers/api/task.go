package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetTask 任务详情：状态、尝试次数、外部任务号、错误分类等
func GetTask(c *gin.Context) {
	t, err := deps.Store.GetTask(c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// ListProjectTasks 项目名下全部任务（含历史轮次，按创建先后）
func ListProjectTasks(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := deps.Store.GetProject(projectID); err != nil {
		respondError(c, err)
		return
	}
	tasks, err := deps.Store.ListTasks(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"tasks":      tasks,
		"total":      len(tasks),
	})
}
