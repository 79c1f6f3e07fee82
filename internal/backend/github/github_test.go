package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/dispatch"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

// fakeGitHub is a minimal Git Data API server recording the pipeline calls.
type fakeGitHub struct {
	mu         sync.Mutex
	headSHA    string // "" = empty repository
	commits    []createCommitRequest
	trees      []createTreeRequest
	blobs      []createBlobRequest
	refUpdates []updateRefRequest
	refCreates []createRefRequest
	etag       string
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /repos/alice/dotfiles/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.headSHA == "" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"ref": "refs/heads/main", "object": map[string]any{"sha": f.headSHA, "type": "commit"}})
	})

	mux.HandleFunc("GET /repos/alice/dotfiles/git/commits/{sha}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"sha": r.PathValue("sha"), "tree": map[string]any{"sha": "tree-base"}})
	})

	mux.HandleFunc("POST /repos/alice/dotfiles/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		var req createBlobRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.blobs = append(f.blobs, req)
		n := len(f.blobs)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"sha": "blob-" + string(rune('0'+n))})
	})

	mux.HandleFunc("POST /repos/alice/dotfiles/git/trees", func(w http.ResponseWriter, r *http.Request) {
		var req createTreeRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.trees = append(f.trees, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"sha": "tree-new"})
	})

	mux.HandleFunc("POST /repos/alice/dotfiles/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var req createCommitRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.commits = append(f.commits, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"sha": "commit-new"})
	})

	mux.HandleFunc("PATCH /repos/alice/dotfiles/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		var req updateRefRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.refUpdates = append(f.refUpdates, req)
		f.headSHA = req.SHA
		f.mu.Unlock()
		writeJSON(w, map[string]any{"ref": "refs/heads/main"})
	})

	mux.HandleFunc("POST /repos/alice/dotfiles/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var req createRefRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.refCreates = append(f.refCreates, req)
		f.headSHA = req.SHA
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"ref": req.Ref})
	})

	mux.HandleFunc("GET /repos/alice/dotfiles/commits", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		etag := f.etag
		f.mu.Unlock()
		if r.Header.Get("If-None-Match") == etag && etag != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		writeJSON(w, []map[string]any{{"sha": "head"}})
	})

	mux.HandleFunc("GET /repos/alice/dotfiles/contents/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/alice/dotfiles/contents/profile.json" {
			w.Write([]byte(`{"hello":"world"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestBackend(t *testing.T, f *fakeGitHub) *Backend {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	creds := &Credentials{
		Owner:  "alice",
		Repo:   "dotfiles",
		Branch: "main",
		Token:  "ghp_test",
		APIURL: srv.URL,
	}
	d := dispatch.New(3)
	t.Cleanup(d.Shutdown)
	return New(creds, d, tokencache.New(), func() string { return "test commit" })
}

func TestUploadBatch_EmptyRepoCommitsWithoutParent(t *testing.T) {
	f := &fakeGitHub{}
	b := newTestBackend(t, f)

	err := b.UploadBatch(context.Background(), []backend.ChangeSetEntry{
		{RemotePath: "profile.json", Content: []byte(`{}`), Encoding: backend.EncodingRaw},
	})
	require.NoError(t, err)

	require.Len(t, f.commits, 1)
	assert.Empty(t, f.commits[0].Parents)
	// tree built with no base on an empty repository
	require.Len(t, f.trees, 1)
	assert.Empty(t, f.trees[0].BaseTree)
	// the branch ref was created, not patched
	assert.Len(t, f.refCreates, 1)
	assert.Empty(t, f.refUpdates)
}

func TestUploadBatch_ExistingCommitBecomesSingleParent(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha"}
	b := newTestBackend(t, f)

	err := b.UploadBatch(context.Background(), []backend.ChangeSetEntry{
		{RemotePath: "profile.json", Content: []byte(`{}`), Encoding: backend.EncodingRaw},
		{RemotePath: "images/avatar.png", Content: []byte{0x89, 'P', 'N', 'G'}, Encoding: backend.EncodingBase64},
	})
	require.NoError(t, err)

	require.Len(t, f.commits, 1)
	assert.Equal(t, []string{"prior-sha"}, f.commits[0].Parents)
	require.Len(t, f.trees, 1)
	assert.Equal(t, "tree-base", f.trees[0].BaseTree)
	assert.Len(t, f.blobs, 2)
	require.Len(t, f.refUpdates, 1)
	assert.Equal(t, "commit-new", f.refUpdates[0].SHA)
}

func TestUploadBatch_Base64EncodesBinaryEntries(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha"}
	b := newTestBackend(t, f)

	err := b.UploadBatch(context.Background(), []backend.ChangeSetEntry{
		{RemotePath: "avatar.png", Content: []byte{0x89, 0x50}, Encoding: backend.EncodingBase64},
	})
	require.NoError(t, err)
	require.Len(t, f.blobs, 1)
	assert.Equal(t, "base64", f.blobs[0].Encoding)
	assert.Equal(t, "iVA=", f.blobs[0].Content)
}

func TestUploadBatch_InvalidatesChangeToken(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha", etag: `W/"e1"`}
	b := newTestBackend(t, f)

	// establish a baseline token
	changed, err := b.PollForChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	_, ok := b.tokens.Get(tokenKeyCommits)
	require.True(t, ok)

	err = b.UploadBatch(context.Background(), []backend.ChangeSetEntry{
		{RemotePath: "profile.json", Content: []byte(`{}`), Encoding: backend.EncodingRaw},
	})
	require.NoError(t, err)

	// the engine's own write must not look like a later remote change
	_, ok = b.tokens.Get(tokenKeyCommits)
	assert.False(t, ok)
}

func TestPollForChanges_FirstPollIsBaseline(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha", etag: `W/"e1"`}
	b := newTestBackend(t, f)

	changed, err := b.PollForChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	token, ok := b.tokens.Get(tokenKeyCommits)
	require.True(t, ok)
	assert.Equal(t, `W/"e1"`, token)
}

func TestPollForChanges_NotModifiedKeepsToken(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha", etag: `W/"e1"`}
	b := newTestBackend(t, f)

	_, err := b.PollForChanges(context.Background())
	require.NoError(t, err)

	// second poll gets a 304
	changed, err := b.PollForChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	token, _ := b.tokens.Get(tokenKeyCommits)
	assert.Equal(t, `W/"e1"`, token)
}

func TestPollForChanges_NewEtagReportsChanged(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha", etag: `W/"e1"`}
	b := newTestBackend(t, f)

	_, err := b.PollForChanges(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.etag = `W/"e2"`
	f.mu.Unlock()

	changed, err := b.PollForChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	token, _ := b.tokens.Get(tokenKeyCommits)
	assert.Equal(t, `W/"e2"`, token)
}

func TestDownloadFile_StructuredNotFound(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha"}
	b := newTestBackend(t, f)

	res, err := b.DownloadFile(context.Background(), "missing.json")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.NotFound())

	res, err = b.DownloadFile(context.Background(), "profile.json")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"hello":"world"}`, string(res.Content))
}

func TestDownloadBinaryFile_ErrorOnMissing(t *testing.T) {
	f := &fakeGitHub{headSHA: "prior-sha"}
	b := newTestBackend(t, f)

	_, err := b.DownloadBinaryFile(context.Background(), "missing.png")
	assert.Error(t, err)
}

func TestHasValidCredentials(t *testing.T) {
	assert.False(t, (&Credentials{}).Valid())
	assert.False(t, (&Credentials{Owner: "a", Repo: "b", Branch: "main"}).Valid())
	assert.True(t, (&Credentials{Owner: "a", Repo: "b", Branch: "main", Token: "t"}).Valid())
}
