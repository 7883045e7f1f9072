package api

import (
	"net/http"

	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateProject 剧本注入：按空行拆出分镜，建项目、分镜记录和目录骨架。
// 项目停在 draft，后续推进都走 advance 接口。
func CreateProject(c *gin.Context) {
	var req struct {
		Title      string `json:"title" binding:"required"`
		ScriptText string `json:"script_text" binding:"required"`
		Style      string `json:"style"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		zap.L().Error("create project with invalid param", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	paragraphs := service.SplitScript(req.ScriptText)
	if len(paragraphs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "剧本没有拆出任何分镜"})
		return
	}

	project := &models.Project{
		ID:         uuid.NewString(),
		Title:      req.Title,
		ScriptText: req.ScriptText,
		Style:      req.Style,
		Stage:      models.StageDraft,
		SceneCount: len(paragraphs),
	}
	if err := deps.Store.CreateProject(project); err != nil {
		zap.L().Error("create project failed", zap.Error(err))
		respondError(c, err)
		return
	}

	scenes := make([]*models.Scene, 0, len(paragraphs))
	for i, text := range paragraphs {
		folder, err := deps.Organizer.EnsureSceneTree(project.ID, i)
		if err != nil {
			zap.L().Error("prepare scene tree failed", zap.Error(err))
			respondError(c, err)
			return
		}
		scenes = append(scenes, &models.Scene{
			ID:         uuid.NewString(),
			ProjectId:  project.ID,
			Position:   i,
			Text:       text,
			FolderPath: folder,
		})
	}
	if err := deps.Store.CreateScenes(scenes); err != nil {
		zap.L().Error("create scenes failed", zap.Error(err))
		respondError(c, err)
		return
	}

	zap.L().Info("project created",
		zap.String("project_id", project.ID), zap.Int("scenes", len(scenes)))
	c.JSON(http.StatusOK, gin.H{
		"project": project,
		"scenes":  scenes,
	})
}

// ListProjects 项目列表（新建在前）
func ListProjects(c *gin.Context) {
	projects, err := deps.Store.ListProjects()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projects": projects,
		"total":    len(projects),
	})
}

// GetProject 项目详情：项目、分镜列表和当前阶段聚合视图。
// 阶段被失败任务卡住时，失败摘要在 project.stageError 和 stage_summary 里都能看到。
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := deps.Store.GetProject(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	scenes, err := deps.Store.ListScenes(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	summary, err := deps.Orchestrator.Summary(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project":       project,
		"scenes":        scenes,
		"stage_summary": summary,
	})
}

// ListTransitions 阶段迁移审计流水（只追加，按发生先后）
func ListTransitions(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := deps.Store.GetProject(projectID); err != nil {
		respondError(c, err)
		return
	}
	recs, err := deps.Store.ListTransitions(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id":  projectID,
		"transitions": recs,
	})
}
