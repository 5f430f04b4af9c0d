package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/faults"
)

// RecoveryLevel identifies one of the three repair tiers.
type RecoveryLevel int

const (
	// LevelReload reloads the current page.
	LevelReload RecoveryLevel = 1
	// LevelNewPage opens a fresh page on the same process.
	LevelNewPage RecoveryLevel = 2
	// LevelRestart tears the process down and re-runs full initialization.
	LevelRestart RecoveryLevel = 3
)

func (l RecoveryLevel) String() string {
	switch l {
	case LevelReload:
		return "reload"
	case LevelNewPage:
		return "new_page"
	case LevelRestart:
		return "full_restart"
	default:
		return fmt.Sprintf("level_%d", int(l))
	}
}

// artifactPurgeEvery controls how often recovery sweeps stale debug
// screenshots out of the artifact directory.
const artifactPurgeEvery = 20

// Coordinator chooses and executes the cheapest adequate repair for a failed
// session.
type Coordinator struct {
	mgr    *Manager
	cfg    config.RetryConfig
	logger *zap.Logger
}

// NewCoordinator creates a recovery coordinator bound to one session manager.
func NewCoordinator(mgr *Manager, cfg config.RetryConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		mgr:    mgr,
		cfg:    cfg,
		logger: logger.Named("recovery").With(zap.String("session_id", mgr.ID())),
	}
}

// DetermineLevel picks the repair tier for an error and a readiness snapshot.
// Detached/protocol-class errors force a full restart regardless of how
// healthy the handles look; a missing or disconnected process likewise. A
// dead page on a live process warrants only a new page, and anything else a
// reload.
func DetermineLevel(err error, rc *RecoveryContext) RecoveryLevel {
	if err != nil && faults.KindOf(err) == faults.KindDetachedSession {
		return LevelRestart
	}
	if rc != nil {
		if !rc.HasBrowser || !rc.BrowserConnected {
			return LevelRestart
		}
		if !rc.HasValidPage {
			return LevelNewPage
		}
	}
	return LevelReload
}

// Recover executes the appropriate repair for err. A failure inside the
// chosen level escalates once to a full restart; it never loops past that.
// Every invocation increments the session's operation counter and
// periodically purges stale debug artifacts.
func (c *Coordinator) Recover(ctx context.Context, cause error) error {
	rc := c.mgr.Snapshot()
	level := DetermineLevel(cause, &rc)

	count := c.mgr.opCount.Add(1)
	c.logger.Info("Recovering session",
		zap.String("level", level.String()),
		zap.Int64("operation", count),
		zap.NamedError("cause", cause),
	)

	if count%artifactPurgeEvery == 0 {
		c.purgeStaleArtifacts()
	}

	err := c.execute(ctx, level)
	if err == nil {
		return nil
	}
	if level == LevelRestart {
		return fmt.Errorf("full restart failed: %w", err)
	}

	c.logger.Warn("Recovery level failed, escalating to full restart",
		zap.String("level", level.String()), zap.Error(err))
	if err := c.execute(ctx, LevelRestart); err != nil {
		return fmt.Errorf("escalated restart failed: %w", err)
	}
	return nil
}

func (c *Coordinator) execute(ctx context.Context, level RecoveryLevel) error {
	switch level {
	case LevelReload:
		// Reload failures are swallowed; the retry loop will surface any
		// real breakage on the next attempt.
		if err := c.mgr.reload(ctx); err != nil {
			c.logger.Warn("Page reload failed, proceeding anyway", zap.Error(err))
		}
		return nil

	case LevelNewPage:
		if err := c.mgr.replacePage(ctx); err != nil {
			return err
		}
		return nil

	case LevelRestart:
		c.captureDebugScreenshot(ctx)
		c.mgr.Cleanup(ctx)
		if err := sleepCtx(ctx, c.recoveryWait()); err != nil {
			return err
		}
		return c.mgr.Initialize(ctx)

	default:
		return fmt.Errorf("unknown recovery level %d", int(level))
	}
}

func (c *Coordinator) recoveryWait() time.Duration {
	if c.cfg.RecoveryWait > 0 {
		return c.cfg.RecoveryWait
	}
	return 3 * time.Second
}

// captureDebugScreenshot best-effort saves the current viewport before a
// restart destroys it.
func (c *Coordinator) captureDebugScreenshot(ctx context.Context) {
	dir := c.mgr.cfg.Browser.ArtifactDir
	if dir == "" {
		return
	}
	page, err := c.mgr.currentPage()
	if err != nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	buf, err := page.Screenshot(shotCtx)
	if err != nil || len(buf) == 0 {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("recovery-%s-%d.png",
		c.mgr.ID()[:8], time.Now().Unix()))
	if err := os.WriteFile(name, buf, 0o644); err != nil {
		c.logger.Debug("Failed to write debug screenshot", zap.Error(err))
	}
}

// purgeStaleArtifacts removes debug screenshots older than an hour.
func (c *Coordinator) purgeStaleArtifacts() {
	dir := c.mgr.cfg.Browser.ArtifactDir
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		c.logger.Debug("Purged stale debug artifacts", zap.Int("removed", removed))
	}
}
