package api

import (
	"net/http"

	"StoryFlow-server/models"

	"github.com/gin-gonic/gin"
)

// GetScenes 分镜列表（按 position 排序）
func GetScenes(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := deps.Store.GetProject(projectID); err != nil {
		respondError(c, err)
		return
	}
	scenes, err := deps.Store.ListScenes(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":   projectID,
		"scenes":       scenes,
		"total_scenes": len(scenes),
	})
}

// GetSceneDetail 单个分镜详情，连同它名下的全部生成任务（含历史轮次）
func GetSceneDetail(c *gin.Context) {
	sceneID := c.Param("scene_id")
	scene, err := deps.Store.GetScene(sceneID)
	if err != nil {
		respondError(c, err)
		return
	}
	tasks, err := deps.Store.ListTasks(scene.ProjectId)
	if err != nil {
		respondError(c, err)
		return
	}
	sceneTasks := make([]*models.Task, 0, 4)
	for _, t := range tasks {
		if t.SceneId == sceneID {
			sceneTasks = append(sceneTasks, t)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"scene": scene,
		"tasks": sceneTasks,
	})
}
