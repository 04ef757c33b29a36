package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/recallhq/recall/internal/access"
)

// reloadDebounce batches the burst of filesystem events an editor save
// produces into a single reload.
const reloadDebounce = 250 * time.Millisecond

// PolicyWatcher holds the current policy snapshot and reloads it when
// the file changes on disk. Readers get an immutable snapshot value;
// a resolution that started before a reload finishes against the policy
// it started with.
type PolicyWatcher struct {
	path     string
	logger   *slog.Logger
	snapshot atomic.Pointer[PolicyFile]
}

// NewPolicyWatcher loads the initial policy from path. The initial load
// must succeed; later reload failures keep the last good snapshot.
func NewPolicyWatcher(path string, logger *slog.Logger) (*PolicyWatcher, error) {
	pf, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}

	w := &PolicyWatcher{path: path, logger: logger}
	w.snapshot.Store(pf)

	return w, nil
}

// Policy returns the current access policy snapshot.
func (w *PolicyWatcher) Policy() access.Policy {
	return w.snapshot.Load().AccessPolicy()
}

// PassphraseHash returns the current OAuth passphrase digest.
func (w *PolicyWatcher) PassphraseHash() string {
	return w.snapshot.Load().OAuthPassphraseHash
}

// ScopeNames returns the scope names of the current snapshot.
func (w *PolicyWatcher) ScopeNames() []string {
	return w.snapshot.Load().ScopeNames()
}

// Watch blocks until the context is cancelled, reloading the policy
// when the file changes. The parent directory is watched rather than
// the file itself because editors typically replace the file by rename,
// which would silently drop a watch on the old inode.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching policy dir: %w", err)
	}

	w.logger.Info("policy watcher started", slog.String("path", w.path))

	var pending bool

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			if !pending {
				pending = true

				timer.Reset(reloadDebounce)
			}

		case <-timer.C:
			pending = false
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in a fresh snapshot. A policy file that fails to parse
// leaves the previous snapshot in place so a bad edit cannot lock the
// operator out or silently widen access.
func (w *PolicyWatcher) reload() {
	pf, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous snapshot",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)

		return
	}

	w.snapshot.Store(pf)
	w.logger.Info("policy reloaded",
		slog.String("path", w.path),
		slog.Int("scopes", len(pf.Scopes)),
	)
}
