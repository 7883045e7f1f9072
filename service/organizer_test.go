package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"StoryFlow-server/models"
)

func testScene(position int) *models.Scene {
	return &models.Scene{
		ID:        fmt.Sprintf("scene-id-%d", position),
		ProjectId: "p1",
		Position:  position,
		Text:      "some text",
	}
}

func TestEnsureSceneTree(t *testing.T) {
	t.Parallel()

	o := NewOrganizer(t.TempDir(), nil)
	rel, err := o.EnsureSceneTree("p1", 0)
	if err != nil {
		t.Fatalf("EnsureSceneTree: %v", err)
	}
	if filepath.ToSlash(rel) != "projects/p1/scene-0" {
		t.Fatalf("unexpected scene dir %q", rel)
	}
	for _, sub := range []string{"images", "audio", "videos", "metadata", "exports"} {
		fi, err := os.Stat(filepath.Join(o.Root(), rel, sub))
		if err != nil || !fi.IsDir() {
			t.Fatalf("expected subdir %s: %v", sub, err)
		}
	}
	// 幂等
	if _, err := o.EnsureSceneTree("p1", 0); err != nil {
		t.Fatalf("EnsureSceneTree repeat: %v", err)
	}
}

func TestMaterializeLocalFile(t *testing.T) {
	t.Parallel()

	o := NewOrganizer(t.TempDir(), nil)
	scene := testScene(0)
	if _, err := o.EnsureSceneTree(scene.ProjectId, scene.Position); err != nil {
		t.Fatalf("EnsureSceneTree: %v", err)
	}

	src := filepath.Join(t.TempDir(), "out.png")
	if err := os.WriteFile(src, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	ref, err := o.Materialize(context.Background(), scene, models.TaskKindImage, src)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if ref.Path != "projects/p1/scene-0/images/keyframe.png" {
		t.Fatalf("unexpected asset path %q", ref.Path)
	}
	data, err := os.ReadFile(filepath.Join(o.Root(), filepath.FromSlash(ref.Path)))
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("content mismatch: %q", data)
	}

	// 清单要有对应条目
	mf := readManifest(t, o, scene)
	entry, ok := mf.Assets["image"]
	if !ok {
		t.Fatalf("manifest missing image entry: %+v", mf)
	}
	if entry.Path != ref.Path || entry.Bytes != int64(len("png-bytes")) {
		t.Fatalf("manifest entry mismatch: %+v", entry)
	}

	// 目录里不许留半截临时文件
	assertNoTmpFiles(t, o.Root())
}

func TestMaterializeHTTPDownload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "mp3-bytes")
	}))
	defer srv.Close()

	o := NewOrganizer(t.TempDir(), nil)
	scene := testScene(1)
	if _, err := o.EnsureSceneTree(scene.ProjectId, scene.Position); err != nil {
		t.Fatalf("EnsureSceneTree: %v", err)
	}

	ref, err := o.Materialize(context.Background(), scene, models.TaskKindVoice, srv.URL+"/files/narration.mp3")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if ref.Path != "projects/p1/scene-1/audio/narration.mp3" {
		t.Fatalf("unexpected asset path %q", ref.Path)
	}
	data, _ := os.ReadFile(filepath.Join(o.Root(), filepath.FromSlash(ref.Path)))
	if string(data) != "mp3-bytes" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestMaterializeValidation(t *testing.T) {
	t.Parallel()

	o := NewOrganizer(t.TempDir(), nil)
	scene := testScene(0)

	if _, err := o.Materialize(context.Background(), scene, models.TaskKind("subtitle"), "x"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown kind: expected ErrValidation, got %v", err)
	}
	if _, err := o.Materialize(context.Background(), scene, models.TaskKindImage, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty ref: expected ErrValidation, got %v", err)
	}
}

func TestMaterializeRetriesThenStorageError(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewOrganizer(t.TempDir(), nil)
	scene := testScene(0)
	if _, err := o.EnsureSceneTree(scene.ProjectId, scene.Position); err != nil {
		t.Fatalf("EnsureSceneTree: %v", err)
	}

	_, err := o.Materialize(context.Background(), scene, models.TaskKindImage, srv.URL)
	if !errors.Is(err, models.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if attempts != storageRetryLimit {
		t.Fatalf("expected %d fetch attempts, got %d", storageRetryLimit, attempts)
	}
	assertNoTmpFiles(t, o.Root())
}

func TestMaterializeRecoversOnRetry(t *testing.T) {
	t.Parallel()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "eventually")
	}))
	defer srv.Close()

	o := NewOrganizer(t.TempDir(), nil)
	scene := testScene(0)
	if _, err := o.EnsureSceneTree(scene.ProjectId, scene.Position); err != nil {
		t.Fatalf("EnsureSceneTree: %v", err)
	}

	ref, err := o.Materialize(context.Background(), scene, models.TaskKindImage, srv.URL)
	if err != nil {
		t.Fatalf("Materialize after retry: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(o.Root(), filepath.FromSlash(ref.Path)))
	if string(data) != "eventually" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestManifestMergeConcurrentKinds(t *testing.T) {
	t.Parallel()

	o := NewOrganizer(t.TempDir(), nil)
	scene := testScene(0)
	if _, err := o.EnsureSceneTree(scene.ProjectId, scene.Position); err != nil {
		t.Fatalf("EnsureSceneTree: %v", err)
	}

	srcDir := t.TempDir()
	kinds := []models.TaskKind{models.TaskKindImage, models.TaskKindVoice, models.TaskKindVideo}
	var wg sync.WaitGroup
	for _, kind := range kinds {
		src := filepath.Join(srcDir, string(kind)+".bin")
		if err := os.WriteFile(src, []byte(string(kind)+"-data"), 0o644); err != nil {
			t.Fatalf("write source: %v", err)
		}
		wg.Add(1)
		go func(kind models.TaskKind, src string) {
			defer wg.Done()
			if _, err := o.Materialize(context.Background(), scene.Clone(), kind, src); err != nil {
				t.Errorf("Materialize %s: %v", kind, err)
			}
		}(kind, src)
	}
	wg.Wait()

	// 并发写同一个清单：三类条目一个都不能少
	mf := readManifest(t, o, scene)
	for _, kind := range kinds {
		if _, ok := mf.Assets[string(kind)]; !ok {
			t.Fatalf("manifest lost %s entry under concurrency: %+v", kind, mf.Assets)
		}
	}
	if mf.SceneID != scene.ID || mf.Position != scene.Position {
		t.Fatalf("manifest header mismatch: %+v", mf)
	}
}

func readManifest(t *testing.T, o *Organizer, scene *models.Scene) SceneManifest {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(o.SceneDir(scene.ProjectId, scene.Position), "metadata", "scene.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var mf SceneManifest
	if err := json.Unmarshal(b, &mf); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return mf
}

func assertNoTmpFiles(t *testing.T, root string) {
	t.Helper()
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".tmp") {
			t.Fatalf("leftover tmp file %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}
