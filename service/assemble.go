package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"StoryFlow-server/models"
)

// exportScene 成片清单里的一个分镜条目
type exportScene struct {
	SceneID  string `json:"sceneId"`
	Position int    `json:"position"`
	Video    string `json:"video,omitempty"`
	Audio    string `json:"audio,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// exportManifest 项目根目录 export.json 的内容
type exportManifest struct {
	ProjectID  string        `json:"projectId"`
	Title      string        `json:"title"`
	SceneCount int           `json:"sceneCount"`
	Scenes     []exportScene `json:"scenes"`
	ConcatList string        `json:"concatList"`
	ExportedAt time.Time     `json:"exportedAt"`
}

// AssembleExport 汇总各分镜产物生成成片工程：
//   - 每个分镜的视频/旁白拷贝到自己的 exports/ 目录
//   - 项目根写 export.json（分镜顺序与资产清单）和 concat_list.txt（ffmpeg concat 格式）
//
// 降级跳过的分镜不进拼接列表。一个可拼接的分镜都没有时报错。
// 返回 export.json 的路径。
func (o *Organizer) AssembleExport(ctx context.Context, project *models.Project, scenes []*models.Scene) (string, error) {
	projectDir := o.ProjectDir(project.ID)
	mf := exportManifest{
		ProjectID:  project.ID,
		Title:      project.Title,
		SceneCount: len(scenes),
		ExportedAt: time.Now(),
	}

	var concat []string
	playable := 0
	for _, sc := range scenes {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		entry := exportScene{SceneID: sc.ID, Position: sc.Position}
		videoRef, hasVideo := sc.AssetFor(models.TaskKindVideo)
		if !hasVideo {
			entry.Skipped = true
			mf.Scenes = append(mf.Scenes, entry)
			log.Printf("Scene %s 无视频产物，不参与拼接", sc.ID)
			continue
		}

		sceneDir := o.SceneDir(project.ID, sc.Position)
		exportVideo := filepath.Join(sceneDir, "exports", "scene.mp4")
		if err := copyFileAtomic(filepath.Join(o.root, filepath.FromSlash(videoRef.Path)), exportVideo); err != nil {
			return "", fmt.Errorf("导出分镜视频失败 (scene-%d): %v: %w", sc.Position, err, models.ErrStorage)
		}
		relVideo, err := filepath.Rel(projectDir, exportVideo)
		if err != nil {
			return "", err
		}
		entry.Video = filepath.ToSlash(relVideo)

		if audioRef, ok := sc.AssetFor(models.TaskKindVoice); ok {
			exportAudio := filepath.Join(sceneDir, "exports", "narration.mp3")
			if err := copyFileAtomic(filepath.Join(o.root, filepath.FromSlash(audioRef.Path)), exportAudio); err != nil {
				return "", fmt.Errorf("导出分镜旁白失败 (scene-%d): %v: %w", sc.Position, err, models.ErrStorage)
			}
			relAudio, rerr := filepath.Rel(projectDir, exportAudio)
			if rerr != nil {
				return "", rerr
			}
			entry.Audio = filepath.ToSlash(relAudio)
		}

		mf.Scenes = append(mf.Scenes, entry)
		concat = append(concat, fmt.Sprintf("file '%s'", entry.Video))
		playable++
	}

	if playable == 0 {
		return "", models.Validationf("project %s has no playable scenes", project.ID)
	}

	concatPath := filepath.Join(projectDir, "concat_list.txt")
	if err := writeTextAtomic(concatPath, strings.Join(concat, "\n")+"\n"); err != nil {
		return "", fmt.Errorf("写拼接列表失败: %v: %w", err, models.ErrStorage)
	}
	mf.ConcatList = "concat_list.txt"

	exportPath := filepath.Join(projectDir, "export.json")
	if err := writeJSONAtomic(exportPath, &mf); err != nil {
		return "", fmt.Errorf("写导出清单失败: %v: %w", err, models.ErrStorage)
	}

	// 成片工程也镜像一份（可选）
	if o.uploader != nil {
		objectName := filepath.ToSlash(filepath.Join("projects", project.ID, "export.json"))
		if _, err := o.uploader.UploadFile(exportPath, objectName); err != nil {
			log.Printf("导出清单镜像上传失败（忽略）: %v", err)
		}
	}

	log.Printf("Project %s 导出完成: %d/%d 个分镜参与拼接", project.ID, playable, len(scenes))
	return exportPath, nil
}

// copyFileAtomic 同目录临时文件 + rename 拷贝
func copyFileAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// writeTextAtomic 同目录临时文件 + rename 的文本写
func writeTextAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
