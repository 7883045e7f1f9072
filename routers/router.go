package routers

import (
	"StoryFlow-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(deps *api.Deps) *gin.Engine {
	api.Init(deps)
	r := gin.Default()
	// 本地资产仓库直接暴露为静态目录，清单里的 path 可以原样取用
	r.Static("/assets", deps.Organizer.Root())
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.GET("/projects/:project_id/transitions", api.ListTransitions)
		v1.GET("/projects/:project_id/scenes", api.GetScenes)
		v1.GET("/scenes/:scene_id", api.GetSceneDetail)
		v1.GET("/projects/:project_id/tasks", api.ListProjectTasks)
		v1.GET("/tasks/:task_id", api.GetTask)

		v1.POST("/projects/:project_id/advance", api.AdvanceStage)
		v1.POST("/projects/:project_id/force-advance", api.ForceAdvanceStage)
		v1.POST("/projects/:project_id/reset", api.ResetStage)
		v1.POST("/projects/:project_id/cancel", api.CancelStage)
		v1.GET("/projects/:project_id/export", api.GetExport)

		v1.GET("/projects/:project_id/events", api.ProjectEventsWebSocket)
		v1.GET("/tasks/:task_id/events", api.TaskEventsWebSocket)
	}
	return r
}
