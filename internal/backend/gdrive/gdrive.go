// Package gdrive implements the storage backend over the Google Drive v3
// API. Drive addresses objects by opaque ID, not path, so the backend
// keeps an LRU path→ID resolution cache populated by walking path
// segments; missing intermediate folders are created only when the caller
// allows it, and a 404 on a cached ID evicts that entry instead of being
// treated as a permanent failure. Drive has no multi-file transaction:
// UploadBatch writes files sequentially and continues past single-file
// failures. Change polling compares the profile file's modifiedTime; with
// no baseline the first poll reports changed to force one reconciliation
// pass, since Drive offers no reliable "nothing happened yet" distinction.
package gdrive

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/imroc/req/v3"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
)

const (
	DefaultAPIURL   = "https://www.googleapis.com"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	tokenKeyModTime = "gdrive-profile-modtime"

	// logical root of the Drive hierarchy
	rootID = "root"

	pathCacheSize = 256
)

// Credentials is the Drive-specific credential bundle. Tokens and the
// client secret must never be logged.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	// Folder is the top-level Drive folder holding the profile.
	Folder string
	// PollPath is the file whose modifiedTime is checked by
	// PollForChanges, relative to Folder.
	PollPath string
	APIURL   string
	TokenURL string
}

func (c *Credentials) Valid() bool {
	return c != nil && c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != "" && c.Folder != ""
}

type Backend struct {
	creds  *Credentials
	client *req.Client
	tokens *tokencache.Cache

	// virtual path -> Drive file ID
	pathIDs *lru.Cache[string, string]

	muToken     sync.Mutex
	accessToken string
	tokenURL    string
}

var _ backend.Backend = (*Backend)(nil)

func New(creds *Credentials, tokens *tokencache.Cache) *Backend {
	apiURL := creds.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	pathIDs, _ := lru.New[string, string](pathCacheSize)

	return &Backend{
		creds:       creds,
		client:      backend.NewHTTPClient().SetBaseURL(apiURL),
		tokens:      tokens,
		pathIDs:     pathIDs,
		accessToken: creds.AccessToken,
		tokenURL:    tokenURL,
	}
}

func (b *Backend) Name() string { return "gdrive" }

func (b *Backend) HasValidCredentials() bool { return b.creds.Valid() }

// doAuth runs one request with the current access token. On an
// auth-rejected response it refreshes the token once and retries that
// single request exactly once; a second rejection is a hard credential
// error.
func (b *Backend) doAuth(ctx context.Context, send func(r *req.Request) (*req.Response, error)) (*req.Response, error) {
	resp, err := send(b.client.R().SetContext(ctx).SetBearerAuthToken(b.currentToken()))
	if err != nil {
		return nil, err
	}
	if resp.GetStatusCode() != http.StatusUnauthorized {
		return resp, nil
	}

	if err := b.refreshAccessToken(ctx); err != nil {
		return nil, err
	}

	resp, err = send(b.client.R().SetContext(ctx).SetBearerAuthToken(b.currentToken()))
	if err != nil {
		return nil, err
	}
	if resp.GetStatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("request rejected after token refresh: %w", backend.ErrAuthRejected)
	}
	return resp, nil
}

func (b *Backend) currentToken() string {
	b.muToken.Lock()
	defer b.muToken.Unlock()
	return b.accessToken
}

func (b *Backend) refreshAccessToken(ctx context.Context) error {
	b.muToken.Lock()
	defer b.muToken.Unlock()

	slog.Debug("gdrive refreshing access token", "client_id", utils.MaskSecret(b.creds.ClientID))

	var token tokenResponse
	resp, err := req.C().
		SetTimeout(30 * time.Second).
		SetJsonUnmarshal(utils.JSONUnmarshal).
		R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     b.creds.ClientID,
			"client_secret": b.creds.ClientSecret,
			"refresh_token": b.creds.RefreshToken,
			"grant_type":    "refresh_token",
		}).
		SetSuccessResult(&token).
		Post(b.tokenURL)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	if resp.IsErrorState() || token.AccessToken == "" {
		return fmt.Errorf("token refresh failed (status %d): %w", resp.GetStatusCode(), backend.ErrAuthRejected)
	}

	b.accessToken = token.AccessToken
	return nil
}

// virtualPath joins the configured folder with a profile-relative path.
func (b *Backend) virtualPath(rel string) string {
	return path.Join(b.creds.Folder, rel)
}

// resolve walks the virtual path segment by segment, consulting and
// populating the path→ID cache. Missing intermediate folders are created
// only when create is true; the leaf is created too when it is a folder
// (wantFolder). A missing leaf file resolves to "" without error.
func (b *Backend) resolve(ctx context.Context, vpath string, create, wantFolder bool) (string, error) {
	vpath = strings.Trim(path.Clean(vpath), "/")
	if vpath == "" || vpath == "." {
		return rootID, nil
	}
	if id, ok := b.pathIDs.Get(vpath); ok {
		return id, nil
	}

	parentID := rootID
	segments := strings.Split(vpath, "/")
	var walked string

	for i, seg := range segments {
		if walked == "" {
			walked = seg
		} else {
			walked = walked + "/" + seg
		}

		if id, ok := b.pathIDs.Get(walked); ok {
			parentID = id
			continue
		}

		id, err := b.findChild(ctx, parentID, seg)
		if err != nil {
			return "", err
		}

		if id == "" {
			isLeaf := i == len(segments)-1
			// a missing leaf file is the caller's to create; folders are
			// created here when allowed
			if !create || (isLeaf && !wantFolder) {
				return "", nil
			}
			id, err = b.createFolder(ctx, parentID, seg)
			if err != nil {
				return "", err
			}
		}

		b.pathIDs.Add(walked, id)
		parentID = id
	}

	return parentID, nil
}

// resolvePath resolves a virtual file path to its Drive ID ("" if absent).
func (b *Backend) resolvePath(ctx context.Context, vpath string, create bool) (string, error) {
	return b.resolve(ctx, vpath, create, false)
}

// resolveParent resolves (creating if allowed) the folder that should
// contain the given virtual path, returning its ID.
func (b *Backend) resolveParent(ctx context.Context, vpath string, create bool) (string, error) {
	dir := path.Dir(vpath)
	if dir == "." || dir == "/" {
		return rootID, nil
	}
	id, err := b.resolve(ctx, dir, create, true)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("resolve parent %q: folder missing", dir)
	}
	return id, nil
}

func (b *Backend) findChild(ctx context.Context, parentID, name string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false",
		strings.ReplaceAll(name, "'", `\'`), parentID)

	var list driveFileList
	resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetQueryParam("q", query).
			SetQueryParam("fields", "files(id,name,mimeType,modifiedTime)").
			SetSuccessResult(&list).
			Get("/drive/v3/files")
	})
	if err := backend.HandleAPIError(resp, err, "find "+name); err != nil {
		return "", err
	}

	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].ID, nil
}

func (b *Backend) createFolder(ctx context.Context, parentID, name string) (string, error) {
	var created driveFile
	resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetBody(&createFolderRequest{
				Name:     name,
				MimeType: folderMimeType,
				Parents:  []string{parentID},
			}).
			SetSuccessResult(&created).
			Post("/drive/v3/files")
	})
	if err := backend.HandleAPIError(resp, err, "create folder "+name); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UploadBatch uploads entries sequentially, creating missing folders on
// the way. Individual file failures are logged and skipped.
func (b *Backend) UploadBatch(ctx context.Context, entries []backend.ChangeSetEntry) error {
	if !b.creds.Valid() {
		return backend.ErrInvalidCredentials
	}
	if len(entries) == 0 {
		return nil
	}

	tstart := time.Now()
	uploaded, failed := 0, 0

	for _, entry := range entries {
		if err := b.uploadOne(ctx, entry); err != nil {
			slog.Warn("gdrive upload failed, continuing batch", "path", entry.RemotePath, "error", err)
			failed++
			continue
		}
		uploaded++
	}

	// our own write moved the snapshot's modifiedTime
	b.tokens.Clear(tokenKeyModTime)

	slog.Info("gdrive upload batch", "uploaded", uploaded, "failed", failed, "took", time.Since(tstart))
	return nil
}

func (b *Backend) uploadOne(ctx context.Context, entry backend.ChangeSetEntry) error {
	vpath := b.virtualPath(entry.RemotePath)

	existingID, err := b.resolvePath(ctx, vpath, true)
	if err != nil {
		return err
	}

	if existingID != "" {
		// update in place, content only
		resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
			return r.
				SetQueryParam("uploadType", "media").
				SetContentType("application/octet-stream").
				SetBodyBytes(entry.Content).
				Patch("/upload/drive/v3/files/" + existingID)
		})
		if err := backend.HandleAPIError(resp, err, "update "+entry.RemotePath); err != nil {
			// the cached ID may be stale (moved/trashed remotely)
			if apiStatus(resp) == http.StatusNotFound {
				b.pathIDs.Remove(vpath)
			}
			return err
		}
		return nil
	}

	parentID, err := b.resolveParent(ctx, vpath, true)
	if err != nil {
		return err
	}

	meta, err := utils.JSONMarshal(&uploadMetadata{
		Name:    path.Base(vpath),
		Parents: []string{parentID},
	})
	if err != nil {
		return err
	}

	var created driveFile
	resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetQueryParam("uploadType", "multipart").
			SetContentType(`multipart/related; boundary="` + multipartBoundary + `"`).
			SetBodyBytes(multipartRelated(meta, entry.Content)).
			SetSuccessResult(&created).
			Post("/upload/drive/v3/files")
	})
	if err := backend.HandleAPIError(resp, err, "create "+entry.RemotePath); err != nil {
		return err
	}

	if created.ID != "" {
		b.pathIDs.Add(vpath, created.ID)
	}
	return nil
}

const multipartBoundary = "gnoming_profile_boundary"

// multipartRelated builds the two-part multipart/related body Drive's
// multipart upload expects: JSON metadata, then raw media.
func multipartRelated(meta, content []byte) []byte {
	var sb strings.Builder
	sb.WriteString("--" + multipartBoundary + "\r\n")
	sb.WriteString("Content-Type: application/json; charset=UTF-8\r\n\r\n")
	sb.Write(meta)
	sb.WriteString("\r\n--" + multipartBoundary + "\r\n")
	sb.WriteString("Content-Type: application/octet-stream\r\n\r\n")
	sb.Write(content)
	sb.WriteString("\r\n--" + multipartBoundary + "--\r\n")
	return []byte(sb.String())
}

func apiStatus(resp *req.Response) int {
	if resp == nil {
		return 0
	}
	return resp.GetStatusCode()
}

// downloadByPath fetches content by virtual path. A 404 on a cached ID
// invalidates the cache entry and re-resolves once before giving up.
func (b *Backend) downloadByPath(ctx context.Context, rel string) (*backend.DownloadResult, error) {
	vpath := b.virtualPath(rel)
	_, cached := b.pathIDs.Get(vpath)

	id, err := b.resolvePath(ctx, vpath, false)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &backend.DownloadResult{OK: false, Status: http.StatusNotFound}, nil
	}

	resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetQueryParam("alt", "media").
			Get("/drive/v3/files/" + id)
	})
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", rel, err)
	}

	if resp.GetStatusCode() == http.StatusNotFound {
		// stale cached ID: the object may have been moved or trashed
		b.pathIDs.Remove(vpath)
		if cached {
			return b.downloadByPath(ctx, rel)
		}
		return &backend.DownloadResult{OK: false, Status: http.StatusNotFound}, nil
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("download %q: %w", rel, backend.NewAPIError(resp.GetStatusCode(), resp.String()))
	}

	return &backend.DownloadResult{OK: true, Status: resp.GetStatusCode(), Content: resp.Bytes()}, nil
}

func (b *Backend) DownloadFile(ctx context.Context, rel string) (*backend.DownloadResult, error) {
	return b.downloadByPath(ctx, rel)
}

func (b *Backend) DownloadBinaryFile(ctx context.Context, rel string) ([]byte, error) {
	res, err := b.downloadByPath(ctx, rel)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("download binary %q: %w", rel, backend.ErrNotFound)
	}
	return res.Content, nil
}

func (b *Backend) ListDirectory(ctx context.Context, rel string) (*backend.ListResult, error) {
	vpath := b.virtualPath(rel)
	id, err := b.resolve(ctx, vpath, false, true)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return &backend.ListResult{OK: false, Status: http.StatusNotFound}, nil
	}

	var list driveFileList
	resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetQueryParam("q", fmt.Sprintf("'%s' in parents and trashed=false", id)).
			SetQueryParam("fields", "files(id,name,mimeType,modifiedTime)").
			SetSuccessResult(&list).
			Get("/drive/v3/files")
	})
	if err := backend.HandleAPIError(resp, err, "list "+rel); err != nil {
		return nil, err
	}

	files := make([]backend.FileEntry, 0, len(list.Files))
	for _, f := range list.Files {
		ftype := backend.FileTypeFile
		if f.MimeType == folderMimeType {
			ftype = backend.FileTypeDir
		}
		files = append(files, backend.FileEntry{
			Name:    f.Name,
			Type:    ftype,
			Locator: f.ID,
		})
	}
	return &backend.ListResult{OK: true, Status: resp.GetStatusCode(), Files: files}, nil
}

// PollForChanges compares the profile file's modifiedTime against the
// cached token. With no baseline the poll reports changed to force one
// reconciliation pass.
func (b *Backend) PollForChanges(ctx context.Context) (bool, error) {
	if !b.creds.Valid() {
		return false, backend.ErrInvalidCredentials
	}

	pollPath := b.creds.PollPath
	if pollPath == "" {
		pollPath = "profile.json"
	}
	vpath := b.virtualPath(pollPath)

	id, err := b.resolvePath(ctx, vpath, false)
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	if id == "" {
		// no remote backup yet
		return false, nil
	}

	var file driveFile
	resp, err := b.doAuth(ctx, func(r *req.Request) (*req.Response, error) {
		return r.
			SetQueryParam("fields", "id,modifiedTime").
			SetSuccessResult(&file).
			Get("/drive/v3/files/" + id)
	})
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	if resp.GetStatusCode() == http.StatusNotFound {
		b.pathIDs.Remove(vpath)
		return false, nil
	}
	if resp.IsErrorState() {
		return false, fmt.Errorf("poll: %w", backend.NewAPIError(resp.GetStatusCode(), resp.String()))
	}

	cached, hadToken := b.tokens.Get(tokenKeyModTime)
	b.tokens.Set(tokenKeyModTime, file.ModifiedTime)

	if !hadToken {
		// Drive has no reliable "nothing happened yet" signal: with no
		// baseline the state is unknown and must be resolved
		return true, nil
	}
	return file.ModifiedTime != cached, nil
}

func (b *Backend) ClearChangeCache() {
	b.tokens.Clear(tokenKeyModTime)
}

func (b *Backend) Cleanup() {
	b.pathIDs.Purge()
	b.client.GetClient().CloseIdleConnections()
}
