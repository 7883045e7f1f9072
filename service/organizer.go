package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"StoryFlow-server/models"
)

// 分镜目录下的固定子目录
var sceneSubdirs = []string{"images", "audio", "videos", "metadata", "exports"}

// 各类型产物的固定落盘位置（相对分镜目录）
var assetFileFor = map[models.TaskKind]string{
	models.TaskKindImage: filepath.Join("images", "keyframe.png"),
	models.TaskKindVoice: filepath.Join("audio", "narration.mp3"),
	models.TaskKindVideo: filepath.Join("videos", "motion.mp4"),
}

// 落盘失败的有限重试次数
const storageRetryLimit = 3

// Organizer 资产整理器：负责项目目录树、产物原子落盘与分镜清单维护。
// 写入协议：同目录临时文件写完再 rename，目录里永远不会出现半截文件。
type Organizer struct {
	root     string
	uploader ObjectUploader // 可为 nil：不做对象存储镜像
	client   *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex // sceneID -> 清单写锁
}

func NewOrganizer(root string, uploader ObjectUploader) *Organizer {
	return &Organizer{
		root:     root,
		uploader: uploader,
		client:   &http.Client{Timeout: 5 * time.Minute},
		locks:    make(map[string]*sync.Mutex),
	}
}

// Root 资产仓库根目录
func (o *Organizer) Root() string {
	return o.root
}

// ProjectDir 项目根目录 {root}/projects/{projectId}
func (o *Organizer) ProjectDir(projectID string) string {
	return filepath.Join(o.root, "projects", projectID)
}

// SceneDir 分镜目录 {root}/projects/{projectId}/scene-{index}
func (o *Organizer) SceneDir(projectID string, position int) string {
	return filepath.Join(o.ProjectDir(projectID), fmt.Sprintf("scene-%d", position))
}

// EnsureSceneTree 建出分镜的完整目录骨架，返回相对 root 的分镜目录路径
func (o *Organizer) EnsureSceneTree(projectID string, position int) (string, error) {
	dir := o.SceneDir(projectID, position)
	for _, sub := range sceneSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("创建分镜目录失败: %w", err)
		}
	}
	return filepath.Rel(o.root, dir)
}

// SceneManifest metadata/scene.json 的内容，按资产类型合并更新
type SceneManifest struct {
	SceneID   string                   `json:"sceneId"`
	ProjectID string                   `json:"projectId"`
	Position  int                      `json:"position"`
	Assets    map[string]ManifestAsset `json:"assets"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// ManifestAsset 清单里一条资产记录
type ManifestAsset struct {
	Path      string    `json:"path"`
	URL       string    `json:"url,omitempty"`
	Bytes     int64     `json:"bytes"`
	WrittenAt time.Time `json:"writtenAt"`
}

// Materialize 把生成服务的产物落到分镜目录：
//  1. 下载/拷贝到同目录 .tmp，再 rename 到固定文件名（有限次重试）
//  2. 合并更新 metadata/scene.json
//  3. 可选镜像到对象存储（失败只记日志，不影响任务结果）
//
// 重试耗尽返回 models.ErrStorage 包装的错误。
func (o *Organizer) Materialize(ctx context.Context, scene *models.Scene, kind models.TaskKind, outputRef string) (models.AssetRef, error) {
	relFile, ok := assetFileFor[kind]
	if !ok {
		return models.AssetRef{}, models.Validationf("unknown asset kind %s", kind)
	}
	if outputRef == "" {
		return models.AssetRef{}, models.Validationf("empty output ref for task kind %s", kind)
	}

	sceneDir := o.SceneDir(scene.ProjectId, scene.Position)
	destPath := filepath.Join(sceneDir, relFile)
	tmpPath := destPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return models.AssetRef{}, fmt.Errorf("创建资产目录失败: %v: %w", err, models.ErrStorage)
	}

	var lastErr error
	done := false
	for attempt := 1; attempt <= storageRetryLimit; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * 500 * time.Millisecond)
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if err := o.fetchToFile(ctx, outputRef, tmpPath); err != nil {
			lastErr = err
			log.Printf("拉取产物失败 (attempt %d/%d): %v", attempt, storageRetryLimit, err)
			continue
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			lastErr = err
			os.Remove(tmpPath)
			continue
		}
		done = true
		break
	}
	if !done {
		os.Remove(tmpPath)
		return models.AssetRef{}, fmt.Errorf("落盘 %s 失败: %v: %w", relFile, lastErr, models.ErrStorage)
	}

	var size int64
	if fi, err := os.Stat(destPath); err == nil {
		size = fi.Size()
	}

	relPath := filepath.ToSlash(filepath.Join("projects", scene.ProjectId, fmt.Sprintf("scene-%d", scene.Position), relFile))

	// 镜像到对象存储（可选）
	mirrorURL := ""
	if o.uploader != nil {
		u, err := o.uploader.UploadFile(destPath, relPath)
		if err != nil {
			log.Printf("资产镜像上传失败（忽略）: %v", err)
		} else {
			mirrorURL = u
		}
	}

	asset := ManifestAsset{Path: relPath, URL: mirrorURL, Bytes: size, WrittenAt: time.Now()}
	if err := o.updateManifest(scene, kind, asset); err != nil {
		return models.AssetRef{}, fmt.Errorf("更新分镜清单失败: %v: %w", err, models.ErrStorage)
	}

	return models.AssetRef{Path: relPath, URL: mirrorURL}, nil
}

// fetchToFile 把 outputRef 指向的内容写到 path。
// http(s) 地址走下载，其余按本地路径拷贝。
func (o *Organizer) fetchToFile(ctx context.Context, outputRef, path string) error {
	if strings.HasPrefix(outputRef, "http://") || strings.HasPrefix(outputRef, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputRef, nil)
		if err != nil {
			return fmt.Errorf("create download request failed: %v", err)
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("download failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download status: %d", resp.StatusCode)
		}
		return writeStream(path, resp.Body)
	}

	src, err := os.Open(outputRef)
	if err != nil {
		return fmt.Errorf("open source failed: %v", err)
	}
	defer src.Close()
	return writeStream(path, src)
}

func writeStream(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// sceneLock 每个分镜一把清单写锁，避免并发任务交叉改写 scene.json
func (o *Organizer) sceneLock(sceneID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[sceneID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[sceneID] = l
	}
	return l
}

// updateManifest 合并写 metadata/scene.json：只补充/覆盖本类型条目，其余保留
func (o *Organizer) updateManifest(scene *models.Scene, kind models.TaskKind, asset ManifestAsset) error {
	lock := o.sceneLock(scene.ID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(o.SceneDir(scene.ProjectId, scene.Position), "metadata", "scene.json")
	var mf SceneManifest
	if b, err := os.ReadFile(path); err == nil {
		// 解析失败按空清单处理，条目会被重新合并建立
		_ = json.Unmarshal(b, &mf)
	}
	mf.SceneID = scene.ID
	mf.ProjectID = scene.ProjectId
	mf.Position = scene.Position
	if mf.Assets == nil {
		mf.Assets = make(map[string]ManifestAsset)
	}
	mf.Assets[string(kind)] = asset
	mf.UpdatedAt = time.Now()
	return writeJSONAtomic(path, &mf)
}

// writeJSONAtomic 同目录临时文件 + rename 的原子 JSON 写
func writeJSONAtomic(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
