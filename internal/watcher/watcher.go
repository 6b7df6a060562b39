// Package watcher monitors a template inbox directory: a .docx dropped into
// it is registered as a new template version and queued for parsing.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/docgen/internal/pipeline"
)

// Watcher tails a directory for template uploads.
type Watcher struct {
	dir       string
	templates *pipeline.TemplateProcessor
	// settle is how long a file must be quiet before ingestion; editors and
	// copies emit multiple write events per file.
	settle time.Duration
	logger *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettleDelay overrides the write-quiet window (default 500ms).
func WithSettleDelay(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New builds a watcher over the inbox directory.
func New(dir string, templates *pipeline.TemplateProcessor, opts ...Option) *Watcher {
	w := &Watcher{
		dir:       dir,
		templates: templates,
		settle:    500 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the inbox until ctx is cancelled. Existing files are ingested
// on startup so uploads during downtime are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	w.ingestExisting(ctx)

	pending := map[string]*time.Timer{}
	events := make(chan string, 16)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			path := event.Name
			if !isTemplateFile(path) {
				continue
			}
			// Restart the settle timer on every write burst.
			if timer, ok := pending[path]; ok {
				timer.Stop()
			}
			pending[path] = time.AfterFunc(w.settle, func() {
				select {
				case events <- path:
				case <-ctx.Done():
				}
			})
		case path := <-events:
			delete(pending, path)
			w.ingest(ctx, path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox watch error", "error", err)
		}
	}
}

func isTemplateFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".docx") &&
		!strings.HasPrefix(filepath.Base(path), ".")
}

func (w *Watcher) ingestExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("cannot list inbox", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if isTemplateFile(path) {
			w.ingest(ctx, path)
		}
	}
}

// ingest registers the file as a template named after its basename and
// removes it from the inbox on success.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("cannot read template upload", "path", path, "error", err)
		return
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tv, err := w.templates.RegisterTemplate(ctx, name, data)
	if err != nil {
		w.logger.Error("template ingestion failed", "path", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.logger.Warn("cannot remove ingested upload", "path", path, "error", err)
	}
	w.logger.Info("template ingested from inbox",
		"path", path, "template_version_id", tv.ID, "version", tv.VersionNumber)
}
