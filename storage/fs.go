package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
)

const tempPrefix = ".tmp-"

// FSStore keeps blobs on a local or shared filesystem.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Root() string {
	return s.root
}

// Write creates the shard directory on first use and writes through a temp
// file, so a crash or error never leaves a truncated blob under the final
// name.
func (s *FSStore) Write(ctx context.Context, id int64, blob Blob) (err error) {
	defer func() { observe("write", err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	path := BlobPath(s.root, id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%s%d-*", tempPrefix, id))
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logger.Warn("Storage: failed to remove partial blob", "path", tmpName, "error", rmErr)
			}
		}
	}()

	if _, err := tmp.Write(blob.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}
	committed = true
	return nil
}

func (s *FSStore) Read(ctx context.Context, id int64) (Blob, error) {
	data, err := os.ReadFile(BlobPath(s.root, id))
	observe("read", err)
	if errors.Is(err, fs.ErrNotExist) {
		return Blob{}, fmt.Errorf("%w: message %d", consts.ErrBlobNotFound, id)
	}
	if err != nil {
		return Blob{}, err
	}
	return ParseBlob(data)
}

func (s *FSStore) Remove(ctx context.Context, id int64) error {
	err := os.Remove(BlobPath(s.root, id))
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	observe("remove", err)
	return err
}

// Link hard-links the source blob. Filesystems without hard links get a
// copy.
func (s *FSStore) Link(ctx context.Context, srcID, dstID int64) error {
	src := BlobPath(s.root, srcID)
	dst := BlobPath(s.root, dstID)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
	}

	err := os.Link(src, dst)
	if err == nil {
		// The link shares the source inode. Refresh its mtime so the orphan
		// sweeper sees a new file while the copy's row is uncommitted.
		now := time.Now()
		if err := os.Chtimes(dst, now, now); err != nil {
			_ = os.Remove(dst)
			observe("link", err)
			return fmt.Errorf("%w: %v", consts.ErrBlobWriteFailed, err)
		}
		observe("link", nil)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		observe("link", err)
		return fmt.Errorf("%w: message %d", consts.ErrBlobNotFound, srcID)
	}

	blob, err := s.Read(ctx, srcID)
	if err != nil {
		return err
	}
	return s.Write(ctx, dstID, blob)
}

// Entry describes one file found by Walk.
type Entry struct {
	Path    string
	ID      int64 // zero for temp files
	Temp    bool
	ModTime time.Time
}

// Walk visits every blob and leftover temp file under the root.
func (s *FSStore) Walk(ctx context.Context, fn func(Entry) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		name := d.Name()
		entry := Entry{Path: path, ModTime: info.ModTime()}
		switch {
		case strings.HasPrefix(name, tempPrefix):
			entry.Temp = true
		default:
			id, ok := ParseBlobName(name)
			if !ok {
				return nil
			}
			entry.ID = id
		}
		return fn(entry)
	})
}

func observe(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StorageOperations.WithLabelValues("fs", op, status).Inc()
}
