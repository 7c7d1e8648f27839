// Package models defines the gorm-tagged record types NOMAD keeps in its
// in-process, per-run history store. The board is the external system of
// record for task state; these tables exist only to answer "what did this
// run do" while the process is alive and are never persisted across runs.
package models

import "time"

// CopyOperation records one artifact copy performed by the file service.
type CopyOperation struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	TaskID      string `gorm:"size:64;index"`
	SourcePath  string `gorm:"type:text"`
	DestPath    string `gorm:"type:text"`
	MD5         string `gorm:"size:32"`
	BackupPath  string `gorm:"type:text"`
	BytesCopied int64
	Succeeded   bool
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
}

// CommitOperation records one git commit attempt made by the vcs service.
type CommitOperation struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TaskID     string `gorm:"size:64;index"`
	Branch     string `gorm:"size:255"`
	CommitHash string `gorm:"size:40"`
	Message    string `gorm:"type:text"`
	FilesCount int
	Succeeded  bool
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
}

// BranchOperation records one branch-creation attempt.
type BranchOperation struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	TaskID        string `gorm:"size:64;index"`
	RequestedName string `gorm:"size:255"`
	SanitizedName string `gorm:"size:255"`
	BaseBranch    string `gorm:"size:255"`
	Succeeded     bool
	Error         string `gorm:"type:text"`
	CreatedAt     time.Time
}

// EngineInvocation records one code-generation engine run, including
// timing and outcome, for the engine invoker's audit trail.
type EngineInvocation struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	InvocationID string `gorm:"size:64;uniqueIndex"`
	TaskID       string `gorm:"size:64;index"`
	Command      string `gorm:"type:text"`
	PID          int
	Attempt      int
	StartedAt    time.Time
	FinishedAt   *time.Time
	ExitCode     *int
	TimedOut     bool
	Cancelled    bool
	Stdout       string `gorm:"type:text"`
	Stderr       string `gorm:"type:text"`
	Error        string `gorm:"type:text"`
}

// FeedbackEntry records one chunk appended to a task's feedback channel.
type FeedbackEntry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TaskID     string `gorm:"size:64;index"`
	ChunkIndex int
	ChunkTotal int
	Content    string `gorm:"type:text"`
	CreatedAt  time.Time
}

// StatusTransition records one status-change request and its resolution,
// including cases where the request was a no-op because the board had
// already moved past the requested target.
type StatusTransition struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	TaskID         string `gorm:"size:64;index"`
	FromStatus     string `gorm:"size:32"`
	ToStatus       string `gorm:"size:32"`
	ObservedStatus string `gorm:"size:32"`
	Accepted       bool
	RolledBack     bool
	Error          string `gorm:"type:text"`
	CreatedAt      time.Time
}
