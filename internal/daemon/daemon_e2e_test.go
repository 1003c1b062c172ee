package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parcel/internal/config"
	"parcel/internal/container"
	"parcel/internal/daemon"
	"parcel/internal/expectation"
	"parcel/internal/testsupport"
)

// TestMediaCopyEndToEnd runs all three roles in one process and drives a
// media-file copy expectation from NEW to FULFILLED through the real
// websocket plumbing.
func TestMediaCopyEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test skipped in short mode")
	}

	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	payload := []byte("broadcast media payload")
	if err := os.WriteFile(filepath.Join(sourceDir, "a.mp4"), payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	workforceAddr := testsupport.FreePort(t)
	cfg := testsupport.NewConfig(t,
		testsupport.WithWorkforceAddr(workforceAddr),
		func(cfg *config.Config) {
			cfg.Journal.Enabled = true
		},
	)

	d := daemon.New(cfg, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(d.Stop)

	exp := expectation.Expectation{
		ID:           "exp1",
		Priority:     1,
		Type:         expectation.TypeMediaFile,
		StatusReport: expectation.StatusReport{SendReport: true, Label: "copy a.mp4"},
		StartRequirement: expectation.Requirement{
			Containers: []expectation.ContainerRef{{
				ContainerID: "source",
				Accessors: map[container.AccessorID]container.Accessor{
					"local": {Type: container.AccessorLocalFolder, AllowRead: true, FolderPath: sourceDir},
				},
			}},
			Content: expectation.Content{FilePath: "a.mp4"},
		},
		EndRequirement: expectation.Requirement{
			Containers: []expectation.ContainerRef{{
				ContainerID: "target",
				Accessors: map[container.AccessorID]container.Accessor{
					"local": {Type: container.AccessorLocalFolder, AllowWrite: true, FolderPath: targetDir},
				},
			}},
			Content: expectation.Content{FilePath: "a.mp4"},
		},
	}

	if err := d.Apply(context.Background(), []expectation.Expectation{exp}, nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	deadline := time.After(30 * time.Second)
	for {
		view, ok := d.GetExpectation("exp1")
		if ok && view.State == expectation.StateFulfilled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never fulfilled; currently %s (%s)", view.State, view.Reason.User)
		case <-time.After(50 * time.Millisecond):
		}
	}

	copied, err := os.ReadFile(filepath.Join(targetDir, "a.mp4"))
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(copied) != string(payload) {
		t.Fatal("copied content differs from source")
	}

	// The journal recorded the lifecycle; give the publisher a moment to
	// flush its final window.
	deadline = time.After(10 * time.Second)
	for {
		entries, err := d.JournalTail(context.Background(), "exp1", 100)
		if err != nil {
			t.Fatalf("JournalTail failed: %v", err)
		}
		if n := len(entries); n > 0 && entries[n-1].State == string(expectation.StateFulfilled) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("journal never recorded the FULFILLED transition")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
