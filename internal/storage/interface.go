// Package storage defines the remote transfer abstraction for backup
// generations and its providers.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Errors shared by all providers. Provider errors wrap one of these when the
// cause is recognized.
var (
	ErrUnreachable = errors.New("remote unreachable")
	ErrAuthFailed  = errors.New("remote authentication failed")
	ErrNotFound    = errors.New("not found on remote")
)

// ProgressFunc receives the cumulative number of bytes transferred.
type ProgressFunc func(bytes int64, elapsed time.Duration)

// Storage moves whole generations to and from a remote.
type Storage interface {
	// Name identifies the remote in logs and results.
	Name() string

	// Upload stores the directory req.LocalPath as generation req.GenerationID.
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)

	// List returns the generations present on the remote in ascending ID order.
	List(ctx context.Context) ([]GenerationInfo, error)

	// Delete removes a generation. It fails with ErrNotFound when absent.
	Delete(ctx context.Context, generationID string) (*DeleteResult, error)

	// Download fetches a generation into dest.
	Download(ctx context.Context, generationID, dest string) error
}

// UploadRequest describes one generation upload.
type UploadRequest struct {
	LocalPath    string
	GenerationID string
	// Include filters slash-separated relative paths; nil includes everything.
	Include  func(rel string) bool
	Progress ProgressFunc
}

// UploadResult summarizes a completed upload.
type UploadResult struct {
	Remote       string
	GenerationID string
	Files        int
	Bytes        int64
	Duration     time.Duration
}

// DeleteResult summarizes a generation deletion.
type DeleteResult struct {
	GenerationID string
	Objects      int
	FreedBytes   int64
}

// GenerationInfo describes a generation as seen on a remote.
type GenerationInfo struct {
	ID        string
	SizeBytes int64
	CreatedAt time.Time
	// References lists generations this one was hardlinked against.
	References []string
	Encrypted  bool
	// Complete is false when the generation's manifest is missing, which
	// means an upload was interrupted, or when the manifest was left by a
	// cancelled or failed run.
	Complete bool
}

// ObjectStore is a flat key/value object store such as a bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Close() error
}

// ObjectInfo contains information about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// LastGenerationTime returns the creation time of the newest complete
// generation on a remote, or the zero time when there is none.
func LastGenerationTime(ctx context.Context, s Storage) (time.Time, error) {
	gens, err := s.List(ctx)
	if err != nil {
		return time.Time{}, err
	}

	var last time.Time
	for _, g := range gens {
		if g.Complete && g.CreatedAt.After(last) {
			last = g.CreatedAt
		}
	}
	return last, nil
}

// TotalSize sums the sizes of generations.
func TotalSize(gens []GenerationInfo) int64 {
	var total int64
	for _, g := range gens {
		total += g.SizeBytes
	}
	return total
}
