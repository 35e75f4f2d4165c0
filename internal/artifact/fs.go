package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps one directory per job id under a root directory. Writes
// go to a temporary name in the same directory and are published with an
// atomic rename.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(jobID string, kind Kind) string {
	return filepath.Join(s.root, sanitizePathToken(jobID), kind.Filename())
}

func (s *FSStore) Put(ctx context.Context, jobID string, kind Kind, r io.Reader) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	jobDir := filepath.Join(s.root, sanitizePathToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create job directory: %w", err)
	}

	tmp, err := os.CreateTemp(jobDir, "."+kind.Filename()+".tmp-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("write blob %s/%s: %w", jobID, kind, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("close temp blob: %w", err)
	}

	if err := os.Rename(tmpName, s.path(jobID, kind)); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("publish blob %s/%s: %w", jobID, kind, err)
	}

	return Ref{JobID: jobID, Kind: kind}, nil
}

func (s *FSStore) Open(ctx context.Context, jobID string, kind Kind) (io.ReadSeekCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(jobID, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob %s/%s: %w", jobID, kind, err)
	}
	return f, nil
}

func (s *FSStore) Size(ctx context.Context, jobID string, kind Kind) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := os.Stat(s.path(jobID, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat blob %s/%s: %w", jobID, kind, err)
	}
	return info.Size(), nil
}

func (s *FSStore) Delete(ctx context.Context, jobID string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.path(jobID, kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s/%s: %w", jobID, kind, err)
	}
	return nil
}

func (s *FSStore) Purge(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(s.root, sanitizePathToken(jobID))); err != nil {
		return fmt.Errorf("purge job %s: %w", jobID, err)
	}
	return nil
}
