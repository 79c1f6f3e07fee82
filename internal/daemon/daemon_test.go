package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
	"github.com/gavindi/gnoming-profiles-sub000/internal/config"
	"github.com/gavindi/gnoming-profiles-sub000/internal/dispatch"
	"github.com/gavindi/gnoming-profiles-sub000/internal/profile"
	"github.com/gavindi/gnoming-profiles-sub000/internal/settings"
	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

type stubBackend struct {
	uploads int
}

func (s *stubBackend) Name() string { return "stub" }
func (s *stubBackend) UploadBatch(ctx context.Context, entries []backend.ChangeSetEntry) error {
	s.uploads++
	return nil
}
func (s *stubBackend) DownloadFile(ctx context.Context, path string) (*backend.DownloadResult, error) {
	return &backend.DownloadResult{OK: false, Status: http.StatusNotFound}, nil
}
func (s *stubBackend) DownloadBinaryFile(ctx context.Context, path string) ([]byte, error) {
	return nil, backend.ErrNotFound
}
func (s *stubBackend) ListDirectory(ctx context.Context, path string) (*backend.ListResult, error) {
	return &backend.ListResult{OK: true, Status: http.StatusOK}, nil
}
func (s *stubBackend) PollForChanges(ctx context.Context) (bool, error) { return false, nil }
func (s *stubBackend) HasValidCredentials() bool                       { return true }
func (s *stubBackend) ClearChangeCache()                               {}
func (s *stubBackend) Cleanup()                                        {}

func newTestDaemon(t *testing.T, token string) (*Daemon, *stubBackend) {
	t.Helper()
	bk := &stubBackend{}
	store := settings.NewMemoryStore()
	require.NoError(t, store.SetValue("org.gnome.shell", "favorite-apps", "[]"))

	disp := dispatch.New(dispatch.DefaultMaxConcurrency)
	t.Cleanup(disp.Shutdown)

	orch := profile.NewOrchestrator(profile.Options{
		Backend:    bk,
		Store:      store,
		Files:      profile.NewFileSet(afero.NewMemMapFs(), "/home/user", nil),
		Dispatcher: disp,
		Tokens:     tokencache.New(),
	})

	d := &Daemon{
		config: &config.Config{Provider: config.ProviderGitHub, ControlToken: token},
		orch:   orch,
	}
	return d, bk
}

func serve(t *testing.T, d *Daemon) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(d.setupRoutes())
	t.Cleanup(srv.Close)
	return srv
}

func TestControlPlane_Status(t *testing.T) {
	d, _ := newTestDaemon(t, "")
	srv := serve(t, d)

	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "github", status.Provider)
	assert.False(t, status.Sync.IsSyncing)
	assert.Equal(t, "unknown", status.Sync.LastPollResult)
}

func TestControlPlane_SyncOutTriggersUpload(t *testing.T) {
	d, bk := newTestDaemon(t, "")
	srv := serve(t, d)

	resp, err := http.Post(srv.URL+"/v1/sync/out", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, bk.uploads)

	// second run: nothing changed, no second network call
	resp, err = http.Post(srv.URL+"/v1/sync/out", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, bk.uploads)
}

func TestControlPlane_SyncInWithoutBackupIsOK(t *testing.T) {
	d, _ := newTestDaemon(t, "")
	srv := serve(t, d)

	resp, err := http.Post(srv.URL+"/v1/sync/in", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlPlane_ResyncForcesReupload(t *testing.T) {
	d, bk := newTestDaemon(t, "")
	srv := serve(t, d)

	resp, err := http.Post(srv.URL+"/v1/sync/out", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 1, bk.uploads)

	resp, err = http.Post(srv.URL+"/v1/sync/resync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/sync/out", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, bk.uploads)
}

func TestControlPlane_TokenAuth(t *testing.T) {
	d, _ := newTestDaemon(t, "sekret")
	srv := serve(t, d)

	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// index stays public
	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlAddr(t *testing.T) {
	assert.Equal(t, "localhost:7341", controlAddr("http://localhost:7341"))
	assert.Equal(t, "127.0.0.1:9000", controlAddr("http://127.0.0.1:9000"))
	assert.Equal(t, "localhost:7341", controlAddr("::bad::"))
}
