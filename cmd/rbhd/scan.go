package main

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterfs/rbhd/internal/pipeline"
	"github.com/clusterfs/rbhd/internal/store"
)

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Walk the configured filesystem tree through the entry-processor pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context())
		},
	}
	return cmd
}

func runScan(ctx context.Context) error {
	a, cleanup, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p := pipeline.New(pipeline.Config{Workers: a.cfg.Scan.NbThreads, Logger: a.logger})
	epoch := p.NextScanEpoch()
	wireScanStages(p, a, epoch)
	p.Start(ctx)
	defer p.Stop()

	var wg sync.WaitGroup

	err = filepath.WalkDir(a.cfg.Filesystem.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			a.logger.Warn("scan: walk error", "path", path, "error", walkErr)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		wg.Add(1)
		op := &pipeline.Operation{
			EntryID: path,
			Attrs:   pipeline.NewAttrSet(),
		}
		p.Submit(op, func(*pipeline.Operation, error) { wg.Done() })
		return nil
	})
	if err != nil {
		return err
	}
	wg.Wait()

	if a.store != nil {
		if n, gcErr := a.store.MassSoftRemove(ctx, epoch, time.Now()); gcErr == nil && n > 0 {
			a.logger.Info("scan: garbage-collected stale entries", "count", n, "epoch", epoch)
		}
	}
	a.logger.Info("scan complete", "root", a.cfg.Filesystem.Root, "epoch", epoch)
	return nil
}

// wireScanStages installs minimal Get-info-DB/DB-apply stage handlers
// so a plain `scan` run exercises the pipeline end-to-end against the
// configured store; every other stage is left unset and so runs as the
// no-op that pipeline.New describes.
func wireScanStages(p *pipeline.Pipeline, a *app, epoch uint64) {
	p.SetStage(pipeline.StageGetInfoDB, func(ctx context.Context, op *pipeline.Operation) error {
		row, found, err := a.store.Get(ctx, op.EntryID)
		op.Flags.DBExists = found
		if err != nil {
			return err
		}
		if found {
			op.DBOpType = pipeline.DBOpUpdate
		} else {
			op.DBOpType = pipeline.DBOpInsert
		}
		_ = row
		return nil
	})

	p.SetStage(pipeline.StageDBApply, func(ctx context.Context, op *pipeline.Operation) error {
		switch op.DBOpType {
		case pipeline.DBOpInsert:
			return a.store.Insert(ctx, store.Row{EntryID: op.EntryID, LastMod: time.Now(), ScanEpoch: epoch})
		case pipeline.DBOpUpdate:
			return a.store.Update(ctx, op.EntryID, map[string]any{"last_seen": time.Now(), "scan_epoch": epoch})
		default:
			return nil
		}
	})
}
