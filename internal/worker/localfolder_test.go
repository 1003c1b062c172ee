package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/worker"
)

func copyExpectation(t *testing.T, sourceDir, targetDir, name string) expectation.Expectation {
	t.Helper()
	return expectation.Expectation{
		ID:   expectation.ID("exp-" + name),
		Type: expectation.TypeMediaFile,
		StartRequirement: expectation.Requirement{
			Containers: []expectation.ContainerRef{{
				ContainerID: "source",
				Accessors: map[container.AccessorID]container.Accessor{
					"local": {Type: container.AccessorLocalFolder, AllowRead: true, FolderPath: sourceDir},
				},
			}},
			Content: expectation.Content{FilePath: name},
		},
		EndRequirement: expectation.Requirement{
			Containers: []expectation.ContainerRef{{
				ContainerID: "target",
				Accessors: map[container.AccessorID]container.Accessor{
					"local": {Type: container.AccessorLocalFolder, AllowWrite: true, FolderPath: targetDir},
				},
			}},
			Content: expectation.Content{FilePath: name},
		},
	}
}

func TestLocalFolderCopyRoundTrip(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	payload := []byte("pretend this is a media file")
	if err := os.WriteFile(filepath.Join(sourceDir, "a.mp4"), payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	executor := worker.NewLocalFolderExecutor(nil)
	exp := copyExpectation(t, sourceDir, targetDir, "a.mp4")
	ctx := context.Background()

	if ok, reason := executor.Supports(exp); !ok {
		t.Fatalf("expected support, got %+v", reason)
	}

	ready, err := executor.IsReady(ctx, exp)
	if err != nil {
		t.Fatalf("IsReady failed: %v", err)
	}
	if !ready.Ready || !ready.SourceExists {
		t.Fatalf("expected ready, got %+v", ready)
	}

	fulfilled, err := executor.IsFulfilled(ctx, exp, false)
	if err != nil {
		t.Fatalf("IsFulfilled failed: %v", err)
	}
	if fulfilled.Fulfilled {
		t.Fatal("expected unfulfilled before copy")
	}

	var progressCalls int
	hash, err := executor.Work(ctx, exp, func(float64) { progressCalls++ })
	if err != nil {
		t.Fatalf("Work failed: %v", err)
	}
	if progressCalls == 0 {
		t.Fatal("expected progress callbacks")
	}

	copied, err := os.ReadFile(filepath.Join(targetDir, "a.mp4"))
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(copied) != string(payload) {
		t.Fatal("target content differs from source")
	}

	fulfilled, err = executor.IsFulfilled(ctx, exp, false)
	if err != nil {
		t.Fatalf("IsFulfilled failed: %v", err)
	}
	if !fulfilled.Fulfilled {
		t.Fatalf("expected fulfilled after copy, got %+v", fulfilled)
	}
	if fulfilled.ActualVersionHash != hash {
		t.Fatalf("verify hash %s differs from work hash %s", fulfilled.ActualVersionHash, hash)
	}

	if err := executor.Remove(ctx, exp); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "a.mp4")); !os.IsNotExist(err) {
		t.Fatal("expected target removed")
	}
	// Removing an already-missing target is fine.
	if err := executor.Remove(ctx, exp); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
}

func TestLocalFolderRejectsUnsupportedAccessors(t *testing.T) {
	executor := worker.NewLocalFolderExecutor(nil)
	exp := copyExpectation(t, t.TempDir(), t.TempDir(), "a.mp4")
	exp.StartRequirement.Containers[0].Accessors = map[container.AccessorID]container.Accessor{
		"http": {Type: container.AccessorHTTP, AllowRead: true, BaseURL: "http://example.test/media"},
	}
	if ok, _ := executor.Supports(exp); ok {
		t.Fatal("expected http-only source to be unsupported")
	}
}

func TestLocalFolderHonorsAllowedRoots(t *testing.T) {
	allowedRoot := t.TempDir()
	forbiddenDir := t.TempDir()
	executor := worker.NewLocalFolderExecutor([]string{allowedRoot})

	exp := copyExpectation(t, forbiddenDir, filepath.Join(allowedRoot, "out"), "a.mp4")
	if ok, _ := executor.Supports(exp); ok {
		t.Fatal("expected source outside allowed roots to be rejected")
	}
}

func TestCleanupContainerSweepsOldFiles(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "old.bin")
	newFile := filepath.Join(dir, "new.bin")
	if err := os.WriteFile(oldFile, []byte("old"), 0o644); err != nil {
		t.Fatalf("write old: %v", err)
	}
	if err := os.WriteFile(newFile, []byte("new"), 0o644); err != nil {
		t.Fatalf("write new: %v", err)
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, past, past); err != nil {
		t.Fatalf("age old file: %v", err)
	}

	executor := worker.NewLocalFolderExecutor(nil)
	cont := container.Container{
		ID: "c1",
		Accessors: map[container.AccessorID]container.Accessor{
			"local": {Type: container.AccessorLocalFolder, AllowWrite: true, FolderPath: dir},
		},
		Cron: container.CronSettings{RetentionTime: time.Hour},
	}
	if err := executor.CleanupContainer(context.Background(), cont); err != nil {
		t.Fatalf("CleanupContainer failed: %v", err)
	}

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatal("expected old file swept")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatal("expected new file kept")
	}
}
