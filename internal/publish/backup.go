package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/siphon/internal/status"
	"github.com/mattjoyce/siphon/internal/workspace"
)

// Backup copies the dataset and feedstock into Dir/<source_id>.
type Backup struct {
	Dir        string
	Workspaces workspace.Manager
	Logger     *slog.Logger
}

func (b *Backup) Key() status.Step { return status.StepBackup }

func (b *Backup) Enabled(job Job) bool {
	return b.Dir != "" && job.Requested(status.StepBackup)
}

func (b *Backup) Run(ctx context.Context, job Job) (Outcome, error) {
	dst := filepath.Join(b.Dir, job.SourceID)
	// A previous attempt for the same version may have left a partial copy.
	if err := os.RemoveAll(dst); err != nil {
		return Outcome{}, fmt.Errorf("clear backup target: %w", err)
	}
	if err := b.Workspaces.Clone(ctx, job.SourceID, filepath.Join(dst, "data")); err != nil {
		return Outcome{}, err
	}
	if job.Feedstock != "" {
		if err := workspace.LinkFile(job.Feedstock, filepath.Join(dst, filepath.Base(job.Feedstock))); err != nil {
			return Outcome{}, fmt.Errorf("copy feedstock: %w", err)
		}
	}
	if b.Logger != nil {
		b.Logger.Info("backup written", "source_id", job.SourceID, "dir", dst)
	}
	return Outcome{Code: status.CodeSuccess}, nil
}
