package main

import (
	"context"
	"log"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/pkg/bus"
	"StoryFlow-server/routers"
	"StoryFlow-server/routers/api"
	"StoryFlow-server/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env 仅本地联调用，线上走环境注入
	_ = godotenv.Load()
	config.InitConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	models.InitDB()
	service.InitQueue()

	hub := bus.NewHub()
	go hub.Run()

	var uploader service.ObjectUploader
	if config.AppConfig.MinIO.Endpoint != "" {
		uploader = service.NewOSS()
	}
	organizer := service.NewOrganizer(config.AppConfig.Storage.Root, uploader)

	store := models.NewDBStore(models.GormDB)
	cost := service.NewCostTracker(store)

	adapters := make([]service.Adapter, 0, len(models.AllTaskKinds))
	for _, kind := range models.AllTaskKinds {
		w := config.AppConfig.WorkerFor(string(kind))
		adapters = append(adapters, service.NewWorkerAdapter(kind, w.Addr, models.TaskKind(w.Prerequisite)))
	}

	executor := service.NewExecutor(store, hub, organizer, cost, adapters, config.AppConfig.Executor)
	executor.Start()

	orchestrator := service.NewOrchestrator(store, hub, executor, organizer)
	go orchestrator.Run(context.Background())

	// 停机窗口里的未完成任务重新入队；有外部任务号的续轮询，不会二次提交
	executor.RecoverUnfinished()

	r := routers.InitRouter(&api.Deps{
		Store:        store,
		Orchestrator: orchestrator,
		Organizer:    organizer,
		Hub:          hub,
	})
	log.Printf("Server starting on %s", config.AppConfig.Server.Port)
	if err := r.Run(config.AppConfig.Server.Port); err != nil {
		log.Fatalf("服务启动失败: %v", err)
	}
}
