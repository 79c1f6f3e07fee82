// Package webdav implements the storage backend over plain WebDAV
// (Nextcloud-style). WebDAV has no multi-file transaction: UploadBatch
// writes files sequentially and continues past single-file failures, so a
// partial failure can leave some files updated. Change polling is a
// conditional HEAD on the profile snapshot; some servers answer the
// conditional check with 412 instead of 304, which is handled as
// "changed", not as an error.
package webdav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

const tokenKeyProfile = "webdav-profile-etag"

// Credentials is the WebDAV-specific credential bundle. Password must
// never be logged.
type Credentials struct {
	// BaseURL is the DAV root, e.g. https://cloud.example.org/remote.php/dav/files/alice
	BaseURL  string
	Username string
	Password string
	// RemoteDir is the directory under BaseURL holding the profile.
	RemoteDir string
	// PollPath is the file whose ETag is checked by PollForChanges,
	// relative to RemoteDir.
	PollPath string
}

func (c *Credentials) Valid() bool {
	return c != nil && c.BaseURL != "" && c.Username != "" && c.Password != "" && c.RemoteDir != ""
}

type Backend struct {
	creds  *Credentials
	client *req.Client
	tokens *tokencache.Cache

	// directories confirmed to exist this session
	knownDirs map[string]struct{}
}

var _ backend.Backend = (*Backend)(nil)

func New(creds *Credentials, tokens *tokencache.Cache) *Backend {
	client := backend.NewHTTPClient().
		SetBaseURL(strings.TrimSuffix(creds.BaseURL, "/")).
		SetCommonBasicAuth(creds.Username, creds.Password)

	return &Backend{
		creds:     creds,
		client:    client,
		tokens:    tokens,
		knownDirs: make(map[string]struct{}),
	}
}

func (b *Backend) Name() string { return "webdav" }

func (b *Backend) HasValidCredentials() bool { return b.creds.Valid() }

func (b *Backend) remotePath(rel string) string {
	return "/" + path.Join(b.creds.RemoteDir, rel)
}

// basePath is the URL path component of the DAV root, e.g.
// "/remote.php/dav/files/alice".
func (b *Backend) basePath() string {
	u, err := url.Parse(b.creds.BaseURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

// UploadBatch uploads entries sequentially. Directories are created
// parent-first before any file write into them. Individual file failures
// are logged and skipped; the call fails only when the remote directory
// itself cannot be prepared.
func (b *Backend) UploadBatch(ctx context.Context, entries []backend.ChangeSetEntry) error {
	if !b.creds.Valid() {
		return backend.ErrInvalidCredentials
	}
	if len(entries) == 0 {
		return nil
	}

	tstart := time.Now()
	uploaded, failed := 0, 0

	for i, entry := range entries {
		target := b.remotePath(entry.RemotePath)

		if err := b.ensureParentDirs(ctx, target); err != nil {
			if i == 0 {
				// first entry failing to prepare the root dir means the
				// server is unreachable or refusing us, abort the batch
				return fmt.Errorf("prepare remote dir: %w", err)
			}
			slog.Warn("webdav mkcol failed, skipping file", "path", entry.RemotePath, "error", err)
			failed++
			continue
		}

		resp, err := b.client.R().
			SetContext(ctx).
			SetBodyBytes(entry.Content).
			Put(target)
		if err := backend.HandleAPIError(resp, err, "put "+entry.RemotePath); err != nil {
			slog.Warn("webdav upload failed, continuing batch", "path", entry.RemotePath, "error", err)
			failed++
			continue
		}
		uploaded++
	}

	// our own write changed the snapshot's ETag; the next poll must not
	// read it back as a remote change
	b.tokens.Clear(tokenKeyProfile)

	slog.Info("webdav upload batch", "uploaded", uploaded, "failed", failed, "took", time.Since(tstart))
	return nil
}

// ensureParentDirs creates every missing collection above target,
// parent-first. MKCOL on an existing collection answers 405, which is
// success here, not an error.
func (b *Backend) ensureParentDirs(ctx context.Context, target string) error {
	dir := path.Dir(target)
	if dir == "/" || dir == "." {
		return nil
	}

	var prefix string
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		prefix = prefix + "/" + seg
		if _, ok := b.knownDirs[prefix]; ok {
			continue
		}

		resp, err := b.client.R().SetContext(ctx).Send("MKCOL", prefix)
		if err != nil {
			return fmt.Errorf("mkcol %q: %w", prefix, err)
		}
		status := resp.GetStatusCode()
		// 201 created, 405 already exists
		if status != http.StatusCreated && status != http.StatusMethodNotAllowed {
			return fmt.Errorf("mkcol %q: %w", prefix, backend.NewAPIError(status, resp.String()))
		}
		b.knownDirs[prefix] = struct{}{}
	}
	return nil
}

func (b *Backend) DownloadFile(ctx context.Context, rel string) (*backend.DownloadResult, error) {
	resp, err := b.client.R().SetContext(ctx).Get(b.remotePath(rel))
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", rel, err)
	}

	status := resp.GetStatusCode()
	if status == http.StatusNotFound {
		return &backend.DownloadResult{OK: false, Status: status}, nil
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("download %q: %w", rel, backend.NewAPIError(status, resp.String()))
	}

	return &backend.DownloadResult{OK: true, Status: status, Content: resp.Bytes()}, nil
}

func (b *Backend) DownloadBinaryFile(ctx context.Context, rel string) ([]byte, error) {
	resp, err := b.client.R().SetContext(ctx).Get(b.remotePath(rel))
	if err := backend.HandleAPIError(resp, err, fmt.Sprintf("download binary %q", rel)); err != nil {
		return nil, err
	}

	data := resp.Bytes()
	slog.Debug("webdav binary download", "path", rel, "size", humanize.Bytes(uint64(len(data))))
	return data, nil
}

// ListDirectory issues a depth-1 PROPFIND and parses the multistatus
// response, skipping the entry that represents the queried directory
// itself.
func (b *Backend) ListDirectory(ctx context.Context, rel string) (*backend.ListResult, error) {
	target := b.remotePath(rel)

	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Depth", "1").
		SetHeader("Content-Type", "application/xml").
		SetBody(propfindBody).
		Send("PROPFIND", target)
	if err != nil {
		return nil, fmt.Errorf("propfind %q: %w", rel, err)
	}

	status := resp.GetStatusCode()
	if status == http.StatusNotFound {
		return &backend.ListResult{OK: false, Status: status}, nil
	}
	if status != http.StatusMultiStatus {
		return nil, fmt.Errorf("propfind %q: %w", rel, backend.NewAPIError(status, resp.String()))
	}

	ms, err := parseMultistatus(resp.Bytes())
	if err != nil {
		return nil, err
	}

	// server hrefs carry the full DAV path (base URL path + target);
	// only the href equal to the queried collection itself is skipped,
	// never a child that happens to share its name
	self := strings.TrimSuffix(target, "/")
	selfHref := b.basePath() + self
	files := make([]backend.FileEntry, 0, len(ms.Responses))
	for i := range ms.Responses {
		r := &ms.Responses[i]

		href := strings.TrimSuffix(r.Href, "/")
		if u, err := url.Parse(href); err == nil && u.Path != "" {
			href = strings.TrimSuffix(u.Path, "/")
		}
		if href == self || href == selfHref {
			continue
		}

		ftype := backend.FileTypeFile
		if r.isCollection() {
			ftype = backend.FileTypeDir
		}
		files = append(files, backend.FileEntry{
			Name:    r.name(),
			Type:    ftype,
			Locator: r.Href,
		})
	}

	return &backend.ListResult{OK: true, Status: status, Files: files}, nil
}

// PollForChanges issues a conditional HEAD against the profile snapshot.
// A 304 means no change. Some servers answer the conditional check with
// 412 Precondition Failed instead; that is treated as "changed" and the
// token is re-fetched unconditionally.
func (b *Backend) PollForChanges(ctx context.Context) (bool, error) {
	if !b.creds.Valid() {
		return false, backend.ErrInvalidCredentials
	}

	pollPath := b.creds.PollPath
	if pollPath == "" {
		pollPath = "profile.json"
	}
	target := b.remotePath(pollPath)

	cached, hadToken := b.tokens.Get(tokenKeyProfile)

	r := b.client.R().SetContext(ctx)
	if hadToken {
		r.SetHeader("If-None-Match", cached)
	}

	resp, err := r.Head(target)
	if err != nil {
		return false, fmt.Errorf("poll head: %w", err)
	}

	switch status := resp.GetStatusCode(); {
	case status == http.StatusNotModified:
		return false, nil

	case status == http.StatusPreconditionFailed:
		// server quirk: conditional HEAD rejected instead of 304; the
		// state is unknown, so re-fetch the token and report changed
		slog.Debug("webdav poll: 412 on conditional head, refetching token")
		return true, b.refreshToken(ctx, target)

	case status == http.StatusNotFound:
		// no remote backup yet
		return false, nil

	case resp.IsSuccessState():
		etag := resp.Header.Get("ETag")
		if etag != "" {
			b.tokens.Set(tokenKeyProfile, etag)
		}
		if !hadToken {
			// first poll establishes the baseline
			return false, nil
		}
		return etag != "" && etag != cached, nil

	default:
		return false, fmt.Errorf("poll head: %w", backend.NewAPIError(status, resp.String()))
	}
}

// refreshToken re-reads the snapshot's ETag without a conditional header.
func (b *Backend) refreshToken(ctx context.Context, target string) error {
	resp, err := b.client.R().SetContext(ctx).Head(target)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if resp.IsSuccessState() {
		if etag := resp.Header.Get("ETag"); etag != "" {
			b.tokens.Set(tokenKeyProfile, etag)
		}
	}
	return nil
}

func (b *Backend) ClearChangeCache() {
	b.tokens.Clear(tokenKeyProfile)
}

func (b *Backend) Cleanup() {
	b.knownDirs = make(map[string]struct{})
	b.client.GetClient().CloseIdleConnections()
}
