package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// PollerConfig configures the catalog sync poller.
type PollerConfig struct {
	Dirs         []string
	PollInterval time.Duration // 0 = sync once
}

// fileState tracks the last known state of a template file for change detection.
type fileState struct {
	Hash       string
	TemplateID string
}

// Poller periodically scans template directories and publishes new or
// modified files. A removed file archives its template.
type Poller struct {
	config    PollerConfig
	loader    *Loader
	publisher *Publisher
	logger    *slog.Logger

	mu         sync.Mutex
	fileStates map[string]*fileState // absolute_path → state
}

// NewPoller creates a poller.
func NewPoller(cfg PollerConfig, publisher *Publisher, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		config:     cfg,
		loader:     NewLoader(logger),
		publisher:  publisher,
		logger:     logger,
		fileStates: make(map[string]*fileState),
	}
}

// Run performs an initial sync, then polls at interval until ctx is
// canceled. With no interval it returns after the first sync.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.DebugContext(ctx, "catalog poller started",
		slog.String("interval", p.config.PollInterval.String()),
		slog.Int("dirs", len(p.config.Dirs)),
	)

	p.Sync(ctx)
	if p.config.PollInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("catalog poller stopped")
			return nil
		case <-ticker.C:
			p.Sync(ctx)
		}
	}
}

// Sync scans all directories once and publishes what changed. It returns
// the number of files published.
func (p *Poller) Sync(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	currentFiles := make(map[string]bool)
	published := 0
	readable := true

	for _, dir := range p.config.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			p.logger.WarnContext(ctx, "catalog poller: cannot read dir",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			readable = false
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}

			absPath, err := filepath.Abs(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			currentFiles[absPath] = true

			hash, err := hashFile(absPath)
			if err != nil {
				p.logger.WarnContext(ctx, "catalog poller: cannot hash file",
					slog.String("path", absPath),
					slog.String("error", err.Error()),
				)
				continue
			}
			if existing, known := p.fileStates[absPath]; known && existing.Hash == hash {
				continue
			}

			def, err := p.loader.Load(absPath)
			if err != nil {
				p.logger.WarnContext(ctx, "catalog poller: invalid template file",
					slog.String("path", absPath),
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := p.publisher.Publish(ctx, def.Template()); err != nil {
				// Retried on the next tick since the state is not recorded.
				continue
			}

			p.fileStates[absPath] = &fileState{Hash: hash, TemplateID: def.ID}
			published++
		}
	}

	// A directory that could not be read says nothing about removals.
	if !readable {
		return published
	}
	for absPath, state := range p.fileStates {
		if currentFiles[absPath] {
			continue
		}
		p.logger.InfoContext(ctx, "template file removed",
			slog.String("template_id", state.TemplateID),
			slog.String("path", absPath),
		)
		if err := p.publisher.Archive(ctx, state.TemplateID); err != nil {
			p.logger.WarnContext(ctx, "archiving removed template failed",
				slog.String("template_id", state.TemplateID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delete(p.fileStates, absPath)
	}
	return published
}

// hashFile computes SHA-256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
