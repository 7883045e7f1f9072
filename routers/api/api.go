package api

import (
	"errors"
	"net/http"

	"StoryFlow-server/models"
	"StoryFlow-server/pkg/bus"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
)

// Deps API 层用到的服务集合，进程启动时注入一次
type Deps struct {
	Store        models.Store
	Orchestrator *service.Orchestrator
	Organizer    *service.Organizer
	Hub          *bus.Hub
}

var deps *Deps

// Init 注入依赖，必须在注册路由前调用
func Init(d *Deps) {
	deps = d
}

// respondError 按错误分类映射 HTTP 状态码。
// 结构性错误（参数、非法迁移）同步回给调用方，其余一律 500。
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrTasksInFlight):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
