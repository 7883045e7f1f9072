package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"StoryFlow-server/models"
)

// SceneContext 提交给生成服务的分镜上下文
type SceneContext struct {
	ProjectID string
	SceneID   string
	Position  int
	Text      string
	Style     string
	// Assets 分镜已有的资产定位（优先外链，其次本地路径），视频生成从中取关键帧
	Assets map[models.TaskKind]string
}

// 轮询到的外部任务相位
const (
	PhaseRunning   = "running"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// PollResult 一次轮询的结果
type PollResult struct {
	Phase   string
	Percent int
	// OutputRef 成功时的产物定位（HTTP 地址或本地路径）
	OutputRef string
	// CostCredits 服务上报的本次消耗额度
	CostCredits int64
	// Reason / Transient 失败原因与是否可重试，由适配器判定
	Reason    string
	Transient bool
}

// Adapter 一类生成服务的适配器。实现必须把所有失败预先分成
// 瞬时（可重试）与永久（不可重试）两类，执行器不做二次推断。
type Adapter interface {
	Kind() models.TaskKind
	// Prerequisite 该服务要求的前置资产类型，空值表示无要求
	Prerequisite() models.TaskKind
	// Submit 提交生成请求，返回外部任务号
	Submit(ctx context.Context, sc SceneContext) (string, error)
	// Poll 查询外部任务状态。返回 error 表示这次没问到（网络抖动等），
	// 调用方应继续轮询，不代表任务失败。
	Poll(ctx context.Context, externalRef string) (PollResult, error)
	// Cancel 尽力取消外部任务；服务不支持时返回 ErrCancelUnsupported
	Cancel(ctx context.Context, externalRef string) error
}

// ErrCancelUnsupported 生成服务不支持取消
var ErrCancelUnsupported = errors.New("cancel unsupported")

// ClassifiedError 适配器预分类的错误
type ClassifiedError struct {
	Err       error
	Transient bool
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// TransientError 标记为瞬时失败（可重试）
func TransientError(err error) error {
	return &ClassifiedError{Err: err, Transient: true}
}

// PermanentError 标记为永久失败（不可重试）
func PermanentError(err error) error {
	return &ClassifiedError{Err: err, Transient: false}
}

// IsTransient 提交错误是否可重试。未分类的错误按瞬时处理：
// 网络类的未知错误值得再试，永久失败必须显式声明。
func IsTransient(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return true
}

// WorkerAdapter 通过 HTTP 对接一个生成服务：
// POST /v1/generate 提交，GET /v1/jobs/{id} 查询，DELETE /v1/jobs/{id} 取消
type WorkerAdapter struct {
	kind     models.TaskKind
	endpoint string
	prereq   models.TaskKind
	client   *http.Client
}

func NewWorkerAdapter(kind models.TaskKind, endpoint string, prereq models.TaskKind) *WorkerAdapter {
	return &WorkerAdapter{
		kind:     kind,
		endpoint: endpoint,
		prereq:   prereq,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *WorkerAdapter) Kind() models.TaskKind { return a.kind }

func (a *WorkerAdapter) Prerequisite() models.TaskKind { return a.prereq }

// Submit 发送 POST 请求提交生成，返回外部任务号
func (a *WorkerAdapter) Submit(ctx context.Context, sc SceneContext) (string, error) {
	reqBody := map[string]interface{}{
		"kind":       string(a.kind),
		"project_id": sc.ProjectID,
		"scene_id":   sc.SceneID,
		"position":   sc.Position,
		"text":       sc.Text,
		"style":      sc.Style,
	}
	if a.prereq != "" {
		reqBody["input_ref"] = sc.Assets[a.prereq]
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", PermanentError(fmt.Errorf("marshal request failed: %v", err))
	}

	fullURL := a.endpoint + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", PermanentError(fmt.Errorf("create request failed: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", TransientError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", TransientError(fmt.Errorf("decode response failed: %v", err))
	}
	// 优先取根节点的 id，兼容 job_id
	if id, ok := respData["id"].(string); ok && id != "" {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok && jobID != "" {
		return jobID, nil
	}
	return "", PermanentError(fmt.Errorf("response missing 'id'"))
}

// classifyStatus 提交响应码分类：429/5xx 瞬时，其余 4xx 永久
func classifyStatus(code int) error {
	if code == http.StatusOK || code == http.StatusCreated || code == http.StatusAccepted {
		return nil
	}
	err := fmt.Errorf("worker status code: %d", code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return TransientError(err)
	}
	return PermanentError(err)
}

// Poll 查询 GET /v1/jobs/{id} 一次
func (a *WorkerAdapter) Poll(ctx context.Context, externalRef string) (PollResult, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", a.endpoint, externalRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("create poll request failed: %v", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return PollResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return PollResult{}, fmt.Errorf("poll status: %d, body: %s", resp.StatusCode, body)
	}

	var raw struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Result   struct {
			ResourceUrl string `json:"resource_url"`
		} `json:"result"`
		Cost      int64  `json:"cost"`
		Error     string `json:"error"`
		Retryable *bool  `json:"retryable"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return PollResult{}, fmt.Errorf("decode poll response failed: %v", err)
	}

	switch raw.Status {
	case "finished", "success", "completed", "succeeded":
		return PollResult{
			Phase:       PhaseSucceeded,
			Percent:     100,
			OutputRef:   raw.Result.ResourceUrl,
			CostCredits: raw.Cost,
		}, nil
	case "failed", "error":
		transient := false
		if raw.Retryable != nil {
			transient = *raw.Retryable
		}
		return PollResult{Phase: PhaseFailed, Reason: raw.Error, Transient: transient}, nil
	default:
		// pending / processing 等其他状态一律视为进行中
		return PollResult{Phase: PhaseRunning, Percent: raw.Progress}, nil
	}
}

// Cancel DELETE /v1/jobs/{id}，尽力而为
func (a *WorkerAdapter) Cancel(ctx context.Context, externalRef string) error {
	if externalRef == "" {
		return fmt.Errorf("empty job id")
	}
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", a.endpoint, externalRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, jobURL, nil)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusMethodNotAllowed {
		return ErrCancelUnsupported
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		var respData map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&respData)
		return fmt.Errorf("worker delete status: %d, body: %+v", resp.StatusCode, respData)
	}
	return nil
}
