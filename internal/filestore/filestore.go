// Package filestore implements NOMAD's atomic file-management layer:
// per-ticket decomposition artifact copy (temp+rename), checksum-based
// change detection across a code tree, and timestamped backup/cleanup.
package filestore

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ddcodepl/nomad/internal/models"
	"github.com/ddcodepl/nomad/internal/store"
	"gorm.io/gorm"
)

// Service is the file-management layer, bound to a project root and the
// tasks directory tree, recording every copy to the history store.
type Service struct {
	ProjectRoot string
	TasksDir    string
	db          *gorm.DB
}

// New constructs a Service rooted at projectRoot/tasksDir, recording
// operations to db (may be nil to disable history recording).
func New(projectRoot, tasksDir string, db *gorm.DB) *Service {
	return &Service{ProjectRoot: projectRoot, TasksDir: tasksDir, db: db}
}

// ChangeKind enumerates the kind of change detect_changes reports for a path.
type ChangeKind string

const (
	Created  ChangeKind = "Created"
	Modified ChangeKind = "Modified"
	Deleted  ChangeKind = "Deleted"
)

// FileChange is one path's before/after status in DetectChanges.
type FileChange struct {
	Path string
	Kind ChangeKind
}

func within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// md5File computes the MD5 checksum of the file at path.
func md5File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// freeBytes reports the free space, in bytes, on the volume containing dir.
func freeBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CopyResult is what CopyArtifact reports; it is also persisted as a
// models.CopyOperation.
type CopyResult struct {
	SourcePath  string
	DestPath    string
	MD5         string
	BackupPath  string
	BytesCopied int64
}

// CopyArtifact copies the per-ticket decomposition file at
// <TasksDir>/tasks/<ticketID>.json (or source, if given) over the
// decomposer's canonical file at <ProjectRoot>/.taskmaster/tasks/tasks.json,
// pipeline: resolve+validate paths, require source exists,
// check free space, back up an existing destination, merge (source
// replaces destination), write
// to a temp file and atomically rename, restoring from backup on failure
// after the backup step.
func (s *Service) CopyArtifact(ticketID, source string) (CopyResult, error) {
	if source == "" {
		source = filepath.Join(s.TasksDir, "tasks", ticketID+".json")
	}
	dest := filepath.Join(s.ProjectRoot, ".taskmaster", "tasks", "tasks.json")

	if strings.Contains(source, "..") || strings.Contains(dest, "..") {
		return CopyResult{}, fmt.Errorf("filestore: path containing '..' is rejected")
	}
	if !within(s.TasksDir, source) {
		return CopyResult{}, fmt.Errorf("filestore: source %s is outside tasks dir", source)
	}
	if !within(s.ProjectRoot, dest) {
		return CopyResult{}, fmt.Errorf("filestore: destination %s is outside project root", dest)
	}

	result := CopyResult{SourcePath: source, DestPath: dest}

	if _, err := os.Stat(source); err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: source %s does not exist: %w", source, err)
	}

	checksum, size, err := md5File(source)
	if err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: checksum source: %w", err)
	}
	result.MD5 = checksum
	result.BytesCopied = size

	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: create dest dir: %w", err)
	}

	requiredFree := uint64((size * 11) / 10)
	if size%10 != 0 {
		requiredFree++ // ceil(size * 1.1)
	}
	if free, ferr := freeBytes(destDir); ferr == nil && free < requiredFree {
		err := fmt.Errorf("filestore: insufficient free space: need %d, have %d", requiredFree, free)
		s.record(ticketID, result, err)
		return CopyResult{}, err
	}

	var backupPath string
	if _, statErr := os.Stat(dest); statErr == nil {
		backupPath, err = s.backup(dest, ticketID)
		if err != nil {
			s.record(ticketID, result, err)
			return CopyResult{}, fmt.Errorf("filestore: backup existing destination: %w", err)
		}
		result.BackupPath = backupPath
	}

	merged, err := s.mergeContent(source, dest)
	if err != nil {
		s.restore(backupPath, dest)
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: merge content: %w", err)
	}

	if err := s.atomicWrite(destDir, dest, ticketID, merged); err != nil {
		s.restore(backupPath, dest)
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: atomic write: %w", err)
	}

	s.record(ticketID, result, nil)
	return result, nil
}

// SavePerTicket copies the decomposer's canonical output file to the
// per-ticket location <TasksDir>/tasks/<ticketID>.json, the reverse
// direction of CopyArtifact. The canonical content must parse as JSON; the
// write is temp+rename like every other write in this package.
func (s *Service) SavePerTicket(ticketID string) (CopyResult, error) {
	source := filepath.Join(s.ProjectRoot, ".taskmaster", "tasks", "tasks.json")
	dest := filepath.Join(s.TasksDir, "tasks", ticketID+".json")

	if strings.Contains(ticketID, "..") {
		return CopyResult{}, fmt.Errorf("filestore: ticket id containing '..' is rejected")
	}
	if !within(s.TasksDir, dest) {
		return CopyResult{}, fmt.Errorf("filestore: destination %s is outside tasks dir", dest)
	}

	result := CopyResult{SourcePath: source, DestPath: dest}

	raw, err := os.ReadFile(source)
	if err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: read canonical file: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: canonical file is not valid JSON: %w", err)
	}

	checksum, size, err := md5File(source)
	if err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: checksum canonical file: %w", err)
	}
	result.MD5 = checksum
	result.BytesCopied = size

	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: create per-ticket dir: %w", err)
	}

	if err := s.atomicWrite(destDir, dest, ticketID, raw); err != nil {
		s.record(ticketID, result, err)
		return CopyResult{}, fmt.Errorf("filestore: atomic write: %w", err)
	}

	s.record(ticketID, result, nil)
	return result, nil
}

// mergeContent loads source as JSON (required to parse) and, if present,
// dest as JSON. The merge is "source replaces destination" — a documented
// extension point, not a deep per-tag merge.
func (s *Service) mergeContent(source, dest string) ([]byte, error) {
	raw, err := os.ReadFile(source)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("source is not valid JSON: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		destRaw, err := os.ReadFile(dest)
		if err == nil {
			var destDoc interface{}
			if err := json.Unmarshal(destRaw, &destDoc); err != nil {
				return nil, fmt.Errorf("existing destination is not valid JSON: %w", err)
			}
		}
	}
	return raw, nil
}

// atomicWrite writes content to a temp file in dir and renames it over
// dest.
func (s *Service) atomicWrite(dir, dest, ticketID string, content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("merged content is empty")
	}
	tmp := filepath.Join(dir, fmt.Sprintf("tasks_temp_%s_%04d.json", ticketID, rand.IntN(10000)))
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Chmod(dest, 0o644)
}

// backup copies dest to <destDir>/backups/tasks_<YYYYMMDD_HHMMSS>_<ticketID>.json.bak,
// preserving the source's modification time.
func (s *Service) backup(dest, ticketID string) (string, error) {
	backupDir := filepath.Join(filepath.Dir(dest), "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return "", err
	}
	backupPath := filepath.Join(backupDir, fmt.Sprintf("tasks_%s_%s.json.bak", time.Now().Format("20060102_150405"), ticketID))
	data, err := os.ReadFile(dest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(backupPath, data, info.Mode()); err != nil {
		return "", err
	}
	os.Chtimes(backupPath, info.ModTime(), info.ModTime())
	return backupPath, nil
}

// restore copies backupPath back over dest when a copy fails after the
// backup was taken.
func (s *Service) restore(backupPath, dest string) {
	if backupPath == "" {
		return
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return
	}
	_ = os.WriteFile(dest, data, 0o644)
}

func (s *Service) record(taskID string, result CopyResult, err error) {
	if s.db == nil {
		return
	}
	op := &models.CopyOperation{
		TaskID:      taskID,
		SourcePath:  result.SourcePath,
		DestPath:    result.DestPath,
		MD5:         result.MD5,
		BackupPath:  result.BackupPath,
		BytesCopied: result.BytesCopied,
		Succeeded:   err == nil,
	}
	if err != nil {
		op.Error = err.Error()
	}
	_ = store.RecordCopy(s.db, op)
}

// ValidateArtifact reports every reason path is not usable as a decomposition
// artifact: must exist, must parse as a JSON object, and (when strict) must
// contain at least one tag-keyed object with a non-empty "tasks" array.
// Errors accumulate: every failed check is reported, not just the first.
func ValidateArtifact(path string, strict bool) []error {
	var errs []error
	data, err := os.ReadFile(path)
	if err != nil {
		return append(errs, fmt.Errorf("filestore: read %s: %w", path, err))
	}
	if len(data) < 2 {
		errs = append(errs, fmt.Errorf("filestore: %s is too small to be valid JSON", path))
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		errs = append(errs, fmt.Errorf("filestore: %s is not a JSON object: %w", path, err))
		return errs
	}
	if !strict {
		return errs
	}
	found := false
	for _, v := range doc {
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if tasks, ok := obj["tasks"].([]interface{}); ok && len(tasks) > 0 {
			found = true
			break
		}
	}
	if !found {
		errs = append(errs, fmt.Errorf("filestore: %s has no tag with a non-empty tasks array", path))
	}
	return errs
}

// DetectChanges compares two checksum snapshots (see SnapshotTree) and
// reports every created, modified, or deleted path.
func DetectChanges(before, after map[string]string) []FileChange {
	var changes []FileChange
	for path, sum := range after {
		if prior, ok := before[path]; !ok {
			changes = append(changes, FileChange{Path: path, Kind: Created})
		} else if prior != sum {
			changes = append(changes, FileChange{Path: path, Kind: Modified})
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changes = append(changes, FileChange{Path: path, Kind: Deleted})
		}
	}
	return changes
}

// SnapshotTree walks root and returns an MD5 checksum per file whose name
// matches ext (e.g. ".py"), keyed by path relative to root.
func SnapshotTree(root, ext string) (map[string]string, error) {
	snapshot := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if ext != "" && filepath.Ext(path) != ext {
			return nil
		}
		sum, _, err := md5File(path)
		if err != nil {
			return nil // unreadable file: skip rather than fail the whole walk
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		snapshot[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: snapshot tree %s: %w", root, err)
	}
	return snapshot, nil
}

// CleanupBackups removes *.bak files directly inside backupDir whose
// modification time is older than maxAge.
func CleanupBackups(backupDir string, maxAge time.Duration) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filestore: read backups dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bak") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(backupDir, e.Name()))
		}
	}
	return nil
}
