package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// SecretFile is a SecretSource backed by a file. Run keeps the value in sync
// with the file's contents; surrounding whitespace is ignored.
type SecretFile struct {
	path   string
	log    *slog.Logger
	secret atomic.Pointer[[]byte]
}

// NewSecretFile reads the secret at path. An empty file is an error.
func NewSecretFile(path string, log *slog.Logger) (*SecretFile, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &SecretFile{path: filepath.Clean(path), log: log}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *SecretFile) Secret() []byte {
	if p := f.secret.Load(); p != nil {
		return *p
	}
	return nil
}

func (f *SecretFile) reload() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("secret file is empty")
	}
	f.secret.Store(&b)
	return nil
}

// Run watches the secret file until ctx ends. The containing directory is
// watched so that a file replaced by rename is picked up when it is created
// again. A failed reload keeps the previous secret.
func (f *SecretFile) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.WarnContext(ctx, "auth.secret.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "auth.secret.reload", slog.String("path", f.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.WarnContext(ctx, "auth.secret.watch.fail", slog.String("err", err.Error()))
		}
	}
}

var _ SecretSource = (*SecretFile)(nil)
