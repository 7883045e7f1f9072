package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// WorkerConfig 一类生成服务的接入配置
type WorkerConfig struct {
	Addr string `yaml:"addr"`
	// Prerequisite 该服务要求的前置资产类型（image/voice/video，可为空）。
	// 由部署方按服务商策略填写，例如视频服务通常要求先有关键帧图。
	Prerequisite string `yaml:"prerequisite"`
}

// KindLimits 按生成类型划分的整数配额
type KindLimits struct {
	Image int `yaml:"image"`
	Voice int `yaml:"voice"`
	Video int `yaml:"video"`
}

// For 按类型名取值
func (k KindLimits) For(kind string) int {
	switch kind {
	case "image":
		return k.Image
	case "voice":
		return k.Voice
	case "video":
		return k.Video
	default:
		return 0
	}
}

// ExecutorConfig 执行器相关旋钮
type ExecutorConfig struct {
	// MaxAttempts 单任务最大尝试次数（含首次提交）
	MaxAttempts int `yaml:"max_attempts"`
	// PollIntervalSeconds 轮询生成服务的间隔
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// BackoffBaseSeconds / BackoffCapSeconds 重试退避：base * 2^(n-1)，封顶 cap，带随机抖动
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	// RetentionHours 终态任务在队列侧保留多久供查询
	RetentionHours int `yaml:"retention_hours"`
	// Limits 各类型并发上限（同类任务同时在途的数量）
	Limits KindLimits `yaml:"limits"`
	// BudgetMinutes 各类型单次尝试的时间预算，超时按瞬时失败处理
	BudgetMinutes KindLimits `yaml:"budget_minutes"`
}

func (e ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

func (e ExecutorConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseSeconds) * time.Second
}

func (e ExecutorConfig) BackoffCap() time.Duration {
	return time.Duration(e.BackoffCapSeconds) * time.Second
}

func (e ExecutorConfig) Retention() time.Duration {
	return time.Duration(e.RetentionHours) * time.Hour
}

func (e ExecutorConfig) Budget(kind string) time.Duration {
	return time.Duration(e.BudgetMinutes.For(kind)) * time.Minute
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Workers struct {
		Image WorkerConfig `yaml:"image"`
		Voice WorkerConfig `yaml:"voice"`
		Video WorkerConfig `yaml:"video"`
	} `yaml:"workers"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Storage struct {
		// Root 资产仓库根目录，项目目录树建在 {root}/projects 之下
		Root string `yaml:"root"`
	} `yaml:"storage"`
	Executor ExecutorConfig `yaml:"executor"`
}

// WorkerFor 按类型名取生成服务配置
func (c *Config) WorkerFor(kind string) WorkerConfig {
	switch kind {
	case "image":
		return c.Workers.Image
	case "voice":
		return c.Workers.Voice
	case "video":
		return c.Workers.Video
	default:
		return WorkerConfig{}
	}
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("配置文件解析失败: %v", err)
	}
	applyEnvOverrides(AppConfig)
	applyDefaults(AppConfig)
}

// applyEnvOverrides 环境变量覆盖（敏感项不进 yaml，走 .env / 环境注入）
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
}

// applyDefaults 未配置项的兜底值
func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	e := &c.Executor
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = 3
	}
	if e.PollIntervalSeconds <= 0 {
		e.PollIntervalSeconds = 3
	}
	if e.BackoffBaseSeconds <= 0 {
		e.BackoffBaseSeconds = 1
	}
	if e.BackoffCapSeconds <= 0 {
		e.BackoffCapSeconds = 60
	}
	if e.RetentionHours <= 0 {
		e.RetentionHours = 24
	}
	if e.Limits.Image <= 0 {
		e.Limits.Image = 4
	}
	if e.Limits.Voice <= 0 {
		e.Limits.Voice = 2
	}
	if e.Limits.Video <= 0 {
		e.Limits.Video = 2
	}
	if e.BudgetMinutes.Image <= 0 {
		e.BudgetMinutes.Image = 10
	}
	if e.BudgetMinutes.Voice <= 0 {
		e.BudgetMinutes.Voice = 10
	}
	if e.BudgetMinutes.Video <= 0 {
		e.BudgetMinutes.Video = 30
	}
}
