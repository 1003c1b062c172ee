package worker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/wsrpc"
)

// copyChunkSize balances progress granularity against syscall overhead.
const copyChunkSize = 1 << 20

// LocalFolderExecutor copies, verifies, and removes file packages reachable
// through local-folder (and mounted file-share) accessors.
type LocalFolderExecutor struct {
	// AllowedRoots, when non-empty, restricts which filesystem roots
	// accessors may point at.
	AllowedRoots []string
}

// NewLocalFolderExecutor constructs the executor with an optional root
// allowlist.
func NewLocalFolderExecutor(allowedRoots []string) *LocalFolderExecutor {
	return &LocalFolderExecutor{AllowedRoots: allowedRoots}
}

// Supports implements Executor.
func (e *LocalFolderExecutor) Supports(exp expectation.Expectation) (bool, expectation.Reason) {
	switch exp.Type {
	case expectation.TypeMediaFile, expectation.TypeJSONData:
	default:
		return false, expectation.NewReason(
			"Unsupported package type",
			fmt.Sprintf("local folder executor cannot handle %s", exp.Type))
	}
	if _, err := e.sourcePath(exp); err != nil {
		return false, expectation.NewReason("No usable source accessor", err.Error())
	}
	if _, err := e.targetPath(exp); err != nil {
		return false, expectation.NewReason("No usable target accessor", err.Error())
	}
	return true, expectation.Reason{}
}

// IsReady implements Executor: ready when the source package is present at
// the declared version.
func (e *LocalFolderExecutor) IsReady(ctx context.Context, exp expectation.Expectation) (wsrpc.IsReadyResult, error) {
	sourcePath, err := e.sourcePath(exp)
	if err != nil {
		return wsrpc.IsReadyResult{Reason: expectation.NewReason("No usable source accessor", err.Error())}, nil
	}
	info, statErr := os.Stat(sourcePath)
	if statErr != nil {
		return wsrpc.IsReadyResult{
			SourceExists: false,
			Reason:       expectation.NewReason("Source file does not exist", statErr.Error()),
		}, nil
	}
	if want := exp.StartRequirement.Version.FileSize; want > 0 && info.Size() != want {
		return wsrpc.IsReadyResult{
			SourceExists: true,
			Reason: expectation.NewReason(
				"Source file has the wrong version",
				fmt.Sprintf("size %d, expected %d", info.Size(), want)),
		}, nil
	}
	return wsrpc.IsReadyResult{Ready: true, SourceExists: true}, nil
}

// IsFulfilled implements Executor: fulfilled when the target exists and
// matches the source (or the declared version when the source is gone).
func (e *LocalFolderExecutor) IsFulfilled(ctx context.Context, exp expectation.Expectation, wasFulfilled bool) (wsrpc.IsFulfilledResult, error) {
	targetPath, err := e.targetPath(exp)
	if err != nil {
		return wsrpc.IsFulfilledResult{Reason: expectation.NewReason("No usable target accessor", err.Error())}, nil
	}
	targetInfo, statErr := os.Stat(targetPath)
	if statErr != nil {
		return wsrpc.IsFulfilledResult{
			Reason: expectation.NewReason("Target file does not exist", statErr.Error()),
		}, nil
	}

	if sourcePath, srcErr := e.sourcePath(exp); srcErr == nil {
		if sourceInfo, err := os.Stat(sourcePath); err == nil && sourceInfo.Size() != targetInfo.Size() {
			return wsrpc.IsFulfilledResult{
				Reason: expectation.NewReason(
					"Target differs from source",
					fmt.Sprintf("target size %d, source size %d", targetInfo.Size(), sourceInfo.Size())),
			}, nil
		}
	}

	actualHash, err := FileContentHash(targetPath)
	if err != nil {
		return wsrpc.IsFulfilledResult{}, fmt.Errorf("hash target: %w", err)
	}
	return wsrpc.IsFulfilledResult{Fulfilled: true, ActualVersionHash: actualHash}, nil
}

// Work implements Executor: chunked copy with progress, returning the
// content hash of the produced target.
func (e *LocalFolderExecutor) Work(ctx context.Context, exp expectation.Expectation, progress func(float64)) (string, error) {
	sourcePath, err := e.sourcePath(exp)
	if err != nil {
		return "", err
	}
	targetPath, err := e.targetPath(exp)
	if err != nil {
		return "", err
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	totalBytes := info.Size()

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return "", fmt.Errorf("create target directory: %w", err)
	}

	// Write to a temp file in the target folder so a partial copy is never
	// visible under the final name.
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".parcel-*")
	if err != nil {
		return "", fmt.Errorf("create temp target: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	hasher := xxhash.New()
	buf := make([]byte, copyChunkSize)
	var copied int64
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n, readErr := source.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := tmp.Write(chunk); err != nil {
				return "", fmt.Errorf("write target: %w", err)
			}
			_, _ = hasher.Write(chunk)
			copied += int64(n)
			if progress != nil && totalBytes > 0 {
				progress(float64(copied) / float64(totalBytes))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read source: %w", readErr)
		}
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close target: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return "", fmt.Errorf("finalize target: %w", err)
	}
	return hashDigest(hasher.Sum(nil)), nil
}

// Remove implements Executor; a missing target counts as removed.
func (e *LocalFolderExecutor) Remove(ctx context.Context, exp expectation.Expectation) error {
	targetPath, err := e.targetPath(exp)
	if err != nil {
		return err
	}
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove target: %w", err)
	}
	return nil
}

// CleanupContainer implements ContainerCleaner: sweeps files past the
// container's retention time out of its writable folders.
func (e *LocalFolderExecutor) CleanupContainer(ctx context.Context, cont container.Container) error {
	retention := cont.Cron.RetentionTime
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention)

	for _, accessorID := range cont.WritableAccessors() {
		accessor := cont.Accessors[accessorID]
		if accessor.Type != container.AccessorLocalFolder && accessor.Type != container.AccessorFileShare {
			continue
		}
		if err := e.checkRoot(accessor.FolderPath); err != nil {
			return err
		}
		entries, err := os.ReadDir(accessor.FolderPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read container folder: %w", err)
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(accessor.FolderPath, entry.Name()))
			}
		}
	}
	return nil
}

func (e *LocalFolderExecutor) sourcePath(exp expectation.Expectation) (string, error) {
	return e.resolvePath(exp.StartRequirement, exp.Type, func(a container.Accessor) bool { return a.AllowRead })
}

func (e *LocalFolderExecutor) targetPath(exp expectation.Expectation) (string, error) {
	return e.resolvePath(exp.EndRequirement, exp.Type, func(a container.Accessor) bool { return a.AllowWrite })
}

func (e *LocalFolderExecutor) resolvePath(req expectation.Requirement, packageType expectation.PackageType, allowed func(container.Accessor) bool) (string, error) {
	relative := contentPath(packageType, req.Content)
	if relative == "" {
		return "", errors.New("requirement names no file path")
	}
	for _, ref := range req.Containers {
		for _, accessor := range ref.Accessors {
			if accessor.Type != container.AccessorLocalFolder && accessor.Type != container.AccessorFileShare {
				continue
			}
			if !allowed(accessor) {
				continue
			}
			if err := e.checkRoot(accessor.FolderPath); err != nil {
				return "", err
			}
			return filepath.Join(accessor.FolderPath, filepath.FromSlash(relative)), nil
		}
	}
	return "", errors.New("no folder accessor with suitable permissions")
}

func (e *LocalFolderExecutor) checkRoot(folderPath string) error {
	if len(e.AllowedRoots) == 0 {
		return nil
	}
	cleaned := filepath.Clean(folderPath)
	for _, root := range e.AllowedRoots {
		rootClean := filepath.Clean(root)
		if cleaned == rootClean || strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("folder %s is outside the allowed roots", folderPath)
}

func contentPath(packageType expectation.PackageType, content expectation.Content) string {
	switch packageType {
	case expectation.TypeJSONData:
		if content.Path != "" {
			return content.Path
		}
		return content.FilePath
	default:
		if content.FilePath != "" {
			return content.FilePath
		}
		return content.Path
	}
}

// FileContentHash returns the content hash used as a file package's actual
// version.
func FileContentHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hashDigest(hasher.Sum(nil)), nil
}

func hashDigest(sum []byte) string {
	return "xxh64:" + hex.EncodeToString(sum)
}
