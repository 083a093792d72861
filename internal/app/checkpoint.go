package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trade-bot-radar/internal/chainsource"
	"trade-bot-radar/internal/storage"
)

// dualCheckpoint prefers the database watermark so a fresh host resumes
// without local state, and mirrors every save to the checkpoint file.
type dualCheckpoint struct {
	file   *chainsource.FileCheckpoint
	store  storage.WatermarkStore
	logger zerolog.Logger
}

func (a *App) newCheckpoint(store *storage.Store) (chainsource.Checkpoint, error) {
	file, err := chainsource.NewFileCheckpoint(a.Config.Ethereum.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return file, nil
	}
	return &dualCheckpoint{file: file, store: store, logger: a.Logger}, nil
}

func (d *dualCheckpoint) Load() (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if block, ok, err := d.store.LoadWatermark(ctx); err == nil && ok {
		return block, true, nil
	} else if err != nil {
		d.logger.Warn().Err(err).Msg("database watermark unavailable, falling back to file")
	}
	return d.file.Load()
}

func (d *dualCheckpoint) Save(lastBlock uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.SaveWatermark(ctx, lastBlock); err != nil {
		d.logger.Warn().Err(err).Uint64("block", lastBlock).Msg("failed to persist database watermark")
	}
	return d.file.Save(lastBlock)
}

var _ chainsource.Checkpoint = (*dualCheckpoint)(nil)
