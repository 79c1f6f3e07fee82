// Package backend defines the storage backend abstraction the sync engine
// writes profiles to. Each implementation maps the uniform operations onto
// its native protocol; atomicity of UploadBatch differs per backend and is
// documented on each implementation.
package backend

import "context"

// Encoding describes how a ChangeSetEntry's content must be transferred.
type Encoding string

const (
	EncodingRaw    Encoding = "utf-8"
	EncodingBase64 Encoding = "base64"
)

// ChangeSetEntry identifies one file to write remotely. Created by the
// orchestrator during backup preparation, consumed exactly once by
// UploadBatch, never mutated after creation.
type ChangeSetEntry struct {
	RemotePath string
	Content    []byte
	Encoding   Encoding
	Mode       string // optional permission string, e.g. "100644"
}

// FileType classifies a directory listing entry.
type FileType string

const (
	FileTypeFile FileType = "file"
	FileTypeDir  FileType = "dir"
)

// FileEntry is one entry of a remote directory listing. Locator is the
// backend-native address of the entry (download URL, href, file ID).
type FileEntry struct {
	Name    string
	Type    FileType
	Locator string
}

// DownloadResult is a structured download outcome. A normal 404 is
// reported via OK=false + Status, not an error.
type DownloadResult struct {
	OK      bool
	Status  int
	Content []byte
}

// NotFound reports whether the download failed because the remote file
// does not exist.
func (r *DownloadResult) NotFound() bool {
	return !r.OK && r.Status == 404
}

// ListResult is a structured directory listing outcome.
type ListResult struct {
	OK     bool
	Status int
	Files  []FileEntry
}

// Backend is the uniform storage contract.
//
// UploadBatch writes all entries to the remote target. Atomicity differs
// per backend: the GitHub backend commits all entries in one atomic ref
// update; WebDAV, Drive and S3 upload sequentially and continue past
// single-file failures (best-effort batch).
//
// PollForChanges uses the cheapest backend-native conditional primitive
// and must never coalesce "error talking to server" into "no changes".
type Backend interface {
	// Name returns the short provider name ("github", "webdav", ...).
	Name() string

	UploadBatch(ctx context.Context, entries []ChangeSetEntry) error

	// DownloadFile fetches a text file; 404 is a structured result.
	DownloadFile(ctx context.Context, path string) (*DownloadResult, error)

	// DownloadBinaryFile fetches raw bytes and returns an error on any
	// failure. Callers wanting binary integrity validate the content
	// themselves (magic bytes, length).
	DownloadBinaryFile(ctx context.Context, path string) ([]byte, error)

	ListDirectory(ctx context.Context, path string) (*ListResult, error)

	// PollForChanges reports whether the remote changed since the last
	// poll, per the backend's change-token semantics.
	PollForChanges(ctx context.Context) (bool, error)

	// HasValidCredentials reports whether every required credential
	// field is present.
	HasValidCredentials() bool

	// ClearChangeCache drops any cached change tokens so the next poll
	// re-establishes a baseline.
	ClearChangeCache()

	// Cleanup releases backend resources.
	Cleanup()
}
