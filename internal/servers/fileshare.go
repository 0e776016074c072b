package servers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mfields/calder/internal/log"
)

// FileShareConfig configures one file-share server.
type FileShareConfig struct {
	Root        string
	AllowUpload bool
	AllowDelete bool
}

// fileEntry is one row of a directory listing.
type fileEntry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type fileShare struct {
	root string
	cfg  FileShareConfig
}

// StartFileShare starts a file server rooted at cfg.Root on the given port.
func (m *Manager) StartFileShare(port int, cfg FileShareConfig) error {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("servers: file share root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("servers: file share root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("servers: file share root %s is not a directory", root)
	}

	fs := &fileShare{root: root, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/tree", fs.handleTree)
	r.Get("/download", fs.handleDownload)
	if cfg.AllowUpload {
		r.Post("/upload", fs.handleUpload)
		r.Post("/mkdir", fs.handleMkdir)
	}
	if cfg.AllowDelete {
		r.Delete("/delete", fs.handleDelete)
	}

	return m.start(port, KindFileShare, r)
}

// resolve maps a client-supplied relative path onto the shared root. Any
// path that resolves outside the root is rejected; the caller turns that
// into a 403.
func (fs *fileShare) resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	abs := filepath.Join(fs.root, filepath.FromSlash(rel))
	abs = filepath.Clean(abs)
	if abs != fs.root && !strings.HasPrefix(abs, fs.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes share root", rel)
	}
	return abs, nil
}

func (fs *fileShare) deny(w http.ResponseWriter, rel string, err error) {
	log.Warn(log.CatServer, "file share path rejected", "path", rel, "error", err)
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (fs *fileShare) handleTree(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, err := fs.resolve(rel)
	if err != nil {
		fs.deny(w, rel, err)
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{
			Name:     e.Name(),
			Path:     filepath.ToSlash(filepath.Join(rel, e.Name())),
			IsDir:    e.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (fs *fileShare) handleDownload(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, err := fs.resolve(rel)
	if err != nil {
		fs.deny(w, rel, err)
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if info.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(abs)))
	http.ServeFile(w, r, abs)
}

func (fs *fileShare) handleUpload(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, err := fs.resolve(rel)
	if err != nil {
		fs.deny(w, rel, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	// The upload lands inside the target directory under its base name;
	// any directory part the client sent along is dropped.
	name := filepath.Base(filepath.FromSlash(header.Filename))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		fs.deny(w, header.Filename, fmt.Errorf("invalid upload name %q", header.Filename))
		return
	}
	dst := filepath.Join(abs, name)

	out, err := os.Create(dst)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info(log.CatServer, "file uploaded", "path", dst)
	w.WriteHeader(http.StatusCreated)
}

func (fs *fileShare) handleMkdir(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, err := fs.resolve(rel)
	if err != nil {
		fs.deny(w, rel, err)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (fs *fileShare) handleDelete(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	abs, err := fs.resolve(rel)
	if err != nil {
		fs.deny(w, rel, err)
		return
	}
	if abs == fs.root {
		fs.deny(w, rel, fmt.Errorf("refusing to delete share root"))
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
