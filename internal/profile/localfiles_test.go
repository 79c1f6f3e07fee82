package profile

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavindi/gnoming-profiles-sub000/internal/backend"
)

func TestFileSet_ResolveGlobs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/user/config/app/main.conf", []byte("a"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/home/user/config/other.conf", []byte("b"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/home/user/config/ignored.txt", []byte("c"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/home/user/avatar.png", []byte("d"), 0o600))

	set := NewFileSet(fs, "/home/user", []string{"config/**/*.conf", "avatar.png", "missing/*.x"})
	files, err := set.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"avatar.png", "config/app/main.conf", "config/other.conf"}, files)
}

func TestFileSet_EntryPicksEncoding(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/user/notes.txt", []byte("plain text"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/home/user/avatar.png", []byte{0x89, 0x50}, 0o600))

	set := NewFileSet(fs, "/home/user", nil)

	entry, err := set.Entry("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, backend.EncodingRaw, entry.Encoding)
	assert.Equal(t, "files/notes.txt", entry.RemotePath)

	entry, err = set.Entry("avatar.png")
	require.NoError(t, err)
	assert.Equal(t, backend.EncodingBase64, entry.Encoding)
}

func TestFileSet_WriteCreatesParents(t *testing.T) {
	fs := afero.NewMemMapFs()
	set := NewFileSet(fs, "/home/user", nil)

	require.NoError(t, set.Write("deep/nested/file.txt", []byte("x")))
	got, err := afero.ReadFile(fs, "/home/user/deep/nested/file.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestValidateContent_PNGMagic(t *testing.T) {
	valid := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("body")...)
	assert.NoError(t, ValidateContent("avatar.png", valid))
	assert.Error(t, ValidateContent("avatar.png", []byte("not a png")))
	// non-png content is not signature-checked
	assert.NoError(t, ValidateContent("notes.txt", []byte("anything")))
}
