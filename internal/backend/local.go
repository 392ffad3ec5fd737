package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"chirri/internal/common"
)

// Local stores objects as files below a root directory.
type Local struct {
	root string
}

// NewLocal returns a backend rooted at dir, creating it when missing.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, Permanent("open", "", fmt.Errorf("local storage directory not configured"))
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, Permanent("open", dir, err)
	}
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		return nil, Permanent("open", dir, fmt.Errorf("%s is not a directory", root))
	}
	if err := os.MkdirAll(root, 0770); err != nil {
		return nil, Permanent("open", dir, err)
	}
	return &Local{root: root}, nil
}

// Root returns the storage directory.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) path(op, name string, createDir bool) (string, error) {
	p, err := common.SafeJoin(l.root, name)
	if err != nil || p == l.root {
		return "", Permanent(op, name, fmt.Errorf("%w: outside of storage dir", common.ErrInvalidPath))
	}
	if createDir {
		if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
			return "", Permanent(op, name, err)
		}
	}
	return p, nil
}

// writeAtomic writes r into dst through a temp file in the same directory.
func writeAtomic(dst string, r io.Reader) error {
	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l *Local) UploadFile(ctx context.Context, name, localPath string) error {
	dst, err := l.path("upload", name, true)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return Permanent("upload", name, err)
	}
	defer src.Close()
	return Permanent("upload", name, writeAtomic(dst, src))
}

func (l *Local) UploadData(ctx context.Context, name string, data []byte) error {
	dst, err := l.path("upload", name, true)
	if err != nil {
		return err
	}
	return Permanent("upload", name, writeAtomic(dst, bytes.NewReader(data)))
}

func (l *Local) DownloadFile(ctx context.Context, name, localPath string) error {
	src, err := l.path("download", name, false)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return Permanent("download", name, err)
	}
	defer in.Close()
	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Permanent("download", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return Permanent("download", name, err)
	}
	return Permanent("download", name, out.Close())
}

func (l *Local) DownloadData(ctx context.Context, name string) ([]byte, error) {
	src, err := l.path("download", name, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, Permanent("download", name, err)
	}
	return data, nil
}

func (l *Local) DeleteFile(ctx context.Context, name string) error {
	p, err := l.path("delete", name, false)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			log.Warnf("[Local] delete %s: object does not exist", name)
			return nil
		}
		return Permanent("delete", name, err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		// temp files of interrupted uploads
		if strings.HasPrefix(d.Name(), ".") && strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Name: name, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, Permanent("list", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Complete is a no-op: every local operation is synchronous.
func (l *Local) Complete(ctx context.Context) error {
	return nil
}
