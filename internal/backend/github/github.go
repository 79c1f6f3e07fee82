// Package github implements the storage backend over the GitHub Git Data
// API. UploadBatch builds one tree and one commit from all entries and
// atomically updates the branch ref, so the batch is all-or-nothing at the
// commit boundary. Change polling is a conditional GET on the commits
// listing with a cached ETag; the first poll establishes a baseline and
// reports no change.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/imroc/req/v3"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/dispatch"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

const (
	DefaultAPIURL = "https://api.github.com"

	// logical resource key for the change-token cache
	tokenKeyCommits = "commits"

	acceptJSON = "application/vnd.github+json"
	acceptRaw  = "application/vnd.github.raw"
)

// Credentials is the GitHub-specific credential bundle. Token must never
// be logged.
type Credentials struct {
	Owner  string
	Repo   string
	Branch string
	Token  string
	APIURL string
}

// Valid reports whether every required field is present.
func (c *Credentials) Valid() bool {
	return c != nil && c.Owner != "" && c.Repo != "" && c.Branch != "" && c.Token != ""
}

type Backend struct {
	creds      *Credentials
	client     *req.Client
	dispatcher *dispatch.Dispatcher
	tokens     *tokencache.Cache
	commitMsg  func() string
}

var _ backend.Backend = (*Backend)(nil)

// New builds a GitHub backend. The dispatcher bounds blob-creation
// concurrency; commitMsg produces the message for each sync commit.
func New(creds *Credentials, dispatcher *dispatch.Dispatcher, tokens *tokencache.Cache, commitMsg func() string) *Backend {
	apiURL := creds.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	client := backend.NewHTTPClient().
		SetBaseURL(apiURL).
		SetCommonBearerAuthToken(creds.Token).
		SetCommonHeader("Accept", acceptJSON).
		SetCommonHeader("X-GitHub-Api-Version", "2022-11-28")

	if commitMsg == nil {
		commitMsg = func() string {
			return fmt.Sprintf("Profile sync at %s", time.Now().UTC().Format(time.RFC3339))
		}
	}

	return &Backend{
		creds:      creds,
		client:     client,
		dispatcher: dispatcher,
		tokens:     tokens,
		commitMsg:  commitMsg,
	}
}

func (b *Backend) Name() string { return "github" }

func (b *Backend) HasValidCredentials() bool { return b.creds.Valid() }

func (b *Backend) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s%s", b.creds.Owner, b.creds.Repo, suffix)
}

// UploadBatch runs the five-step commit pipeline: resolve branch head,
// resolve its tree, create blobs (parallel, bounded by the shared
// dispatcher), create one tree, create one commit and update the ref.
// Any failure before the ref update leaves the remote untouched.
func (b *Backend) UploadBatch(ctx context.Context, entries []backend.ChangeSetEntry) error {
	if !b.creds.Valid() {
		return backend.ErrInvalidCredentials
	}
	if len(entries) == 0 {
		return nil
	}

	tstart := time.Now()

	parentSHA, err := b.resolveHead(ctx)
	if err != nil {
		return err
	}

	var baseTree string
	if parentSHA != "" {
		baseTree, err = b.resolveTree(ctx, parentSHA)
		if err != nil {
			return err
		}
	}

	blobSHAs, err := b.createBlobs(ctx, entries)
	if err != nil {
		return err
	}

	treeSHA, err := b.createTree(ctx, baseTree, entries, blobSHAs)
	if err != nil {
		return err
	}

	commitSHA, err := b.createCommit(ctx, treeSHA, parentSHA)
	if err != nil {
		return err
	}

	if err := b.updateRef(ctx, commitSHA, parentSHA == ""); err != nil {
		return err
	}

	// our own commit must not be mistaken for a remote change on the
	// next poll
	b.tokens.Clear(tokenKeyCommits)

	slog.Info("github upload batch", "files", len(entries), "commit", commitSHA, "took", time.Since(tstart))
	return nil
}

// resolveHead returns the branch's current commit SHA, or "" on an empty
// repository (no parent commit, not an error).
func (b *Backend) resolveHead(ctx context.Context) (string, error) {
	var ref gitRef
	resp, err := b.client.R().
		SetContext(ctx).
		SetSuccessResult(&ref).
		Get(b.repoPath("/git/ref/heads/" + b.creds.Branch))
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}

	// 404 means the branch doesn't exist yet; 409 is GitHub's answer on
	// a repository with no commits at all
	status := resp.GetStatusCode()
	if status == http.StatusNotFound || status == http.StatusConflict {
		return "", nil
	}
	if resp.IsErrorState() {
		return "", fmt.Errorf("resolve head: %w", backend.NewAPIError(status, resp.String()))
	}

	return ref.Object.SHA, nil
}

func (b *Backend) resolveTree(ctx context.Context, commitSHA string) (string, error) {
	var commit gitCommit
	resp, err := b.client.R().
		SetContext(ctx).
		SetSuccessResult(&commit).
		Get(b.repoPath("/git/commits/" + commitSHA))
	if err := backend.HandleAPIError(resp, err, "resolve tree"); err != nil {
		return "", err
	}
	return commit.Tree.SHA, nil
}

// createBlobs creates one content blob per entry through the shared
// dispatcher. Results keep entry order.
func (b *Backend) createBlobs(ctx context.Context, entries []backend.ChangeSetEntry) ([]string, error) {
	shas := make([]string, len(entries))
	results := make([]<-chan error, len(entries))

	for i, entry := range entries {
		i, entry := i, entry
		results[i] = b.dispatcher.Submit("github-blob:"+entry.RemotePath, func() error {
			sha, err := b.createBlob(ctx, entry)
			if err != nil {
				return err
			}
			shas[i] = sha
			return nil
		})
	}

	for i, ch := range results {
		if err := <-ch; err != nil {
			return nil, fmt.Errorf("create blob %q: %w", entries[i].RemotePath, err)
		}
	}
	return shas, nil
}

func (b *Backend) createBlob(ctx context.Context, entry backend.ChangeSetEntry) (string, error) {
	body := &createBlobRequest{Encoding: string(entry.Encoding)}
	if entry.Encoding == backend.EncodingBase64 {
		body.Content = base64.StdEncoding.EncodeToString(entry.Content)
	} else {
		body.Content = string(entry.Content)
	}

	var blob createBlobResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&blob).
		Post(b.repoPath("/git/blobs"))
	if err := backend.HandleAPIError(resp, err, "create blob"); err != nil {
		return "", err
	}
	return blob.SHA, nil
}

func (b *Backend) createTree(ctx context.Context, baseTree string, entries []backend.ChangeSetEntry, blobSHAs []string) (string, error) {
	treeEntries := make([]treeEntry, len(entries))
	for i, entry := range entries {
		mode := entry.Mode
		if mode == "" {
			mode = "100644"
		}
		treeEntries[i] = treeEntry{
			Path: entry.RemotePath,
			Mode: mode,
			Type: "blob",
			SHA:  blobSHAs[i],
		}
	}

	var tree createTreeResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(&createTreeRequest{BaseTree: baseTree, Tree: treeEntries}).
		SetSuccessResult(&tree).
		Post(b.repoPath("/git/trees"))
	if err := backend.HandleAPIError(resp, err, "create tree"); err != nil {
		return "", err
	}
	return tree.SHA, nil
}

func (b *Backend) createCommit(ctx context.Context, treeSHA, parentSHA string) (string, error) {
	parents := []string{}
	if parentSHA != "" {
		parents = append(parents, parentSHA)
	}

	var commit createCommitResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(&createCommitRequest{
			Message: b.commitMsg(),
			Tree:    treeSHA,
			Parents: parents,
		}).
		SetSuccessResult(&commit).
		Post(b.repoPath("/git/commits"))
	if err := backend.HandleAPIError(resp, err, "create commit"); err != nil {
		return "", err
	}
	return commit.SHA, nil
}

// updateRef points the branch at the new commit. This single reference
// update is the atomic boundary of the whole batch.
func (b *Backend) updateRef(ctx context.Context, commitSHA string, createBranch bool) error {
	if createBranch {
		resp, err := b.client.R().
			SetContext(ctx).
			SetBody(&createRefRequest{
				Ref: "refs/heads/" + b.creds.Branch,
				SHA: commitSHA,
			}).
			Post(b.repoPath("/git/refs"))
		return backend.HandleAPIError(resp, err, "create ref")
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(&updateRefRequest{SHA: commitSHA}).
		Patch(b.repoPath("/git/refs/heads/" + b.creds.Branch))
	return backend.HandleAPIError(resp, err, "update ref")
}

// DownloadFile fetches a file's raw content at the configured branch.
// A 404 is reported as a structured not-found result.
func (b *Backend) DownloadFile(ctx context.Context, path string) (*backend.DownloadResult, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Accept", acceptRaw).
		SetQueryParam("ref", b.creds.Branch).
		Get(b.repoPath("/contents/" + path))
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", path, err)
	}

	status := resp.GetStatusCode()
	if status == http.StatusNotFound {
		return &backend.DownloadResult{OK: false, Status: status}, nil
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("download %q: %w", path, backend.NewAPIError(status, resp.String()))
	}

	return &backend.DownloadResult{OK: true, Status: status, Content: resp.Bytes()}, nil
}

// DownloadBinaryFile fetches raw bytes over the dedicated raw-content
// path, distinct from the JSON path, so bytes are never reinterpreted as
// strings. Any failure is an error.
func (b *Backend) DownloadBinaryFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Accept", acceptRaw).
		SetQueryParam("ref", b.creds.Branch).
		Get(b.repoPath("/contents/" + path))
	if err := backend.HandleAPIError(resp, err, fmt.Sprintf("download binary %q", path)); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

func (b *Backend) ListDirectory(ctx context.Context, path string) (*backend.ListResult, error) {
	var entries []contentEntry
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("ref", b.creds.Branch).
		SetSuccessResult(&entries).
		Get(b.repoPath("/contents/" + path))
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", path, err)
	}

	status := resp.GetStatusCode()
	if status == http.StatusNotFound {
		return &backend.ListResult{OK: false, Status: status}, nil
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("list %q: %w", path, backend.NewAPIError(status, resp.String()))
	}

	files := make([]backend.FileEntry, 0, len(entries))
	for _, e := range entries {
		ftype := backend.FileTypeFile
		if e.Type == "dir" {
			ftype = backend.FileTypeDir
		}
		files = append(files, backend.FileEntry{
			Name:    e.Name,
			Type:    ftype,
			Locator: e.DownloadURL,
		})
	}
	return &backend.ListResult{OK: true, Status: status, Files: files}, nil
}

// PollForChanges issues a conditional GET on the commits listing. A 304
// leaves the cached ETag untouched and reports no change. On the first
// poll the fetched ETag becomes the baseline and no change is reported.
func (b *Backend) PollForChanges(ctx context.Context) (bool, error) {
	if !b.creds.Valid() {
		return false, backend.ErrInvalidCredentials
	}

	r := b.client.R().
		SetContext(ctx).
		SetQueryParam("sha", b.creds.Branch).
		SetQueryParam("per_page", "1")

	cached, hadToken := b.tokens.Get(tokenKeyCommits)
	if hadToken {
		r.SetHeader("If-None-Match", cached)
	}

	resp, err := r.Get(b.repoPath("/commits"))
	if err != nil {
		return false, fmt.Errorf("poll commits: %w", err)
	}

	switch status := resp.GetStatusCode(); {
	case status == http.StatusNotModified:
		return false, nil

	case status == http.StatusNotFound || status == http.StatusConflict:
		// branch or repository absent: nothing to pull, not an error
		slog.Debug("github poll: no commits yet", "status", status)
		return false, nil

	case resp.IsSuccessState():
		etag := resp.Header.Get("ETag")
		if etag != "" {
			b.tokens.Set(tokenKeyCommits, etag)
		}
		// no baseline yet: record one and report no change
		if !hadToken {
			return false, nil
		}
		return etag != "" && etag != cached, nil

	default:
		return false, fmt.Errorf("poll commits: %w", backend.NewAPIError(status, resp.String()))
	}
}

func (b *Backend) ClearChangeCache() {
	b.tokens.Clear(tokenKeyCommits)
}

func (b *Backend) Cleanup() {
	b.client.GetClient().CloseIdleConnections()
}
