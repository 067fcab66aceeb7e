package audit

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/auditledger/internal/jobs"
)

// PolicyHolder is a Redactor whose policy can be swapped at runtime.
type PolicyHolder struct {
	current atomic.Pointer[RedactionPolicy]
}

// NewPolicyHolder creates a holder serving p, or DefaultRedactionPolicy when p is nil.
func NewPolicyHolder(p *RedactionPolicy) *PolicyHolder {
	if p == nil {
		p = DefaultRedactionPolicy()
	}
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// Policy returns the active policy.
func (h *PolicyHolder) Policy() *RedactionPolicy {
	return h.current.Load()
}

// Swap replaces the active policy. Appends already past redaction keep the old one.
func (h *PolicyHolder) Swap(p *RedactionPolicy) {
	if p != nil {
		h.current.Store(p)
	}
}

// Sanitize delegates to the active policy.
func (h *PolicyHolder) Sanitize(resourceType string, payload Payload, mode ComplianceMode) Payload {
	return h.current.Load().Sanitize(resourceType, payload, mode)
}

// PolicyWatcher reloads a policy file into a PolicyHolder whenever it changes.
// A file that fails to parse is logged and the previous policy stays active.
type PolicyWatcher struct {
	fsWatcher *fsnotify.Watcher
	holder    *PolicyHolder
	path      string
	logger    *slog.Logger
	metrics   *jobs.Metrics
	done      chan struct{}
	reloaded  chan struct{}
}

// WatchPolicyFile watches path's directory so editors that replace the file
// atomically are still picked up. metrics may be nil.
func WatchPolicyFile(path string, holder *PolicyHolder, logger *slog.Logger, metrics *jobs.Metrics) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &PolicyWatcher{
		fsWatcher: fw,
		holder:    holder,
		path:      filepath.Clean(path),
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
		reloaded:  make(chan struct{}, 1),
	}
	go w.processEvents()

	logger.Info("redaction policy watcher started", "path", path)
	return w, nil
}

// Reloaded receives a value after each successful reload. Used by tests.
func (w *PolicyWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *PolicyWatcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.reload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *PolicyWatcher) reload() {
	start := time.Now()
	p, err := LoadRedactionPolicy(w.path)
	w.metrics.Observe(jobs.JobTypePolicyReload, start, err, "parse")
	if err != nil {
		w.logger.Error("redaction policy reload failed, keeping previous policy",
			"path", w.path,
			"error", err,
		)
		return
	}
	w.holder.Swap(p)
	w.logger.Info("redaction policy reloaded", "path", w.path, "rules", len(p.Rules))

	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *PolicyWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
