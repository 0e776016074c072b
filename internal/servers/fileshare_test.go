package servers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newShareServer(t *testing.T, cfg FileShareConfig) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested"), 0o644))

	cfg.Root = root
	absRoot, err := filepath.Abs(root)
	require.NoError(t, err)
	fs := &fileShare{root: absRoot, cfg: cfg}

	r := chi.NewRouter()
	r.Get("/tree", fs.handleTree)
	r.Get("/download", fs.handleDownload)
	if cfg.AllowUpload {
		r.Post("/upload", fs.handleUpload)
		r.Post("/mkdir", fs.handleMkdir)
	}
	if cfg.AllowDelete {
		r.Delete("/delete", fs.handleDelete)
	}

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, root
}

func TestFileShare_Tree(t *testing.T) {
	srv, _ := newShareServer(t, FileShareConfig{})

	resp, err := http.Get(srv.URL + "/tree")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []fileEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = e.IsDir
	}
	require.False(t, names["hello.txt"])
	require.True(t, names["sub"])
}

func TestFileShare_Download(t *testing.T) {
	srv, _ := newShareServer(t, FileShareConfig{})

	resp, err := http.Get(srv.URL + "/download?path=sub/nested.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "nested.txt")
}

func TestFileShare_PathEscapeForbidden(t *testing.T) {
	srv, _ := newShareServer(t, FileShareConfig{AllowDelete: true})

	for _, path := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"sub/../../outside",
	} {
		resp, err := http.Get(srv.URL + "/download?path=" + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
}

func TestFileShare_DeleteRootForbidden(t *testing.T) {
	srv, root := newShareServer(t, FileShareConfig{AllowDelete: true})

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/delete?path=.", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = os.Stat(root)
	require.NoError(t, err, "share root must survive")
}

func TestFileShare_DeleteFile(t *testing.T) {
	srv, root := newShareServer(t, FileShareConfig{AllowDelete: true})

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/delete?path=hello.txt", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = os.Stat(filepath.Join(root, "hello.txt"))
	require.True(t, os.IsNotExist(err))
}

func uploadBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestFileShare_Upload(t *testing.T) {
	srv, root := newShareServer(t, FileShareConfig{AllowUpload: true})

	body, contentType := uploadBody(t, "report.txt", "contents")
	resp, err := http.Post(srv.URL+"/upload?path=sub", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data, err := os.ReadFile(filepath.Join(root, "sub", "report.txt"))
	require.NoError(t, err)
	require.Equal(t, "contents", string(data))
}

func TestFileShare_UploadStripsDirectoryParts(t *testing.T) {
	srv, root := newShareServer(t, FileShareConfig{AllowUpload: true})

	body, contentType := uploadBody(t, "../escape.txt", "x")
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	require.NoError(t, err, "filename lands in the target directory")
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "escape.txt"))
	require.True(t, os.IsNotExist(err), "nothing written outside the root")
}

func TestFileShare_Mkdir(t *testing.T) {
	srv, root := newShareServer(t, FileShareConfig{AllowUpload: true})

	resp, err := http.Post(srv.URL+"/mkdir?path=made/here", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	info, err := os.Stat(filepath.Join(root, "made", "here"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestResolve_ContainsPaths(t *testing.T) {
	fs := &fileShare{root: filepath.FromSlash("/share/root")}

	abs, err := fs.resolve("a/b.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.FromSlash("/share/root/a/b.txt"), abs)

	abs, err = fs.resolve("")
	require.NoError(t, err)
	require.Equal(t, filepath.FromSlash("/share/root"), abs)

	_, err = fs.resolve("../sibling")
	require.Error(t, err)
	_, err = fs.resolve("a/../../..")
	require.Error(t, err)
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager()
	root := t.TempDir()

	// Port 0 is rejected by the port-keyed map contract, so pick an
	// ephemeral port manually via a throwaway listener.
	port := freePort(t)

	require.NoError(t, m.StartFileShare(port, FileShareConfig{Root: root}))
	require.Equal(t, []int{port}, m.Ports())

	kind, ok := m.KindOn(port)
	require.True(t, ok)
	require.Equal(t, KindFileShare, kind)

	// Same port twice is an error.
	require.Error(t, m.StartFileShare(port, FileShareConfig{Root: root}))

	require.NoError(t, m.Stop(port))
	require.Empty(t, m.Ports())
	require.Error(t, m.Stop(port), "double stop reports the missing server")
}

func TestManager_StartRequiresDirectory(t *testing.T) {
	m := NewManager()

	err := m.StartFileShare(freePort(t), FileShareConfig{Root: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
