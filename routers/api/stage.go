package api

import (
	"net/http"
	"path/filepath"

	"StoryFlow-server/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdvanceStage 推进项目到下一阶段。项目已在进行中/已导出/failed 时返回 409，
// 不会产生重复任务。
func AdvanceStage(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := deps.Orchestrator.Advance(projectID)
	if err != nil {
		zap.L().Error("advance failed", zap.String("project_id", projectID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"stage":      project.Stage,
		"round":      project.Round,
	})
}

// ForceAdvanceStage 人工放行被失败任务卡住的阶段：未成功的分镜降级处理
func ForceAdvanceStage(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := deps.Orchestrator.ForceAdvance(projectID)
	if err != nil {
		zap.L().Error("force advance failed", zap.String("project_id", projectID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"stage":      project.Stage,
	})
}

// ResetStage 管理性回退到某个停靠阶段。还有任务在途时返回 409。
func ResetStage(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		ToStage string `json:"to_stage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := deps.Orchestrator.Reset(projectID, models.Stage(req.ToStage))
	if err != nil {
		zap.L().Error("reset failed", zap.String("project_id", projectID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"stage":      project.Stage,
	})
}

// CancelStage 取消当前阶段的在途任务。阶段留在原地，之后走 reset 或 force-advance。
func CancelStage(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := deps.Orchestrator.CancelStage(projectID)
	if err != nil {
		zap.L().Error("cancel stage failed", zap.String("project_id", projectID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"stage":      project.Stage,
	})
}

// GetExport 取导出清单（export.json 原文）。项目没走到 exported 时返回 409。
func GetExport(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := deps.Store.GetProject(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	if project.Stage != models.StageExported {
		c.JSON(http.StatusConflict, gin.H{
			"error": "项目尚未完成导出",
			"stage": project.Stage,
		})
		return
	}
	c.File(filepath.Join(deps.Organizer.ProjectDir(projectID), "export.json"))
}
