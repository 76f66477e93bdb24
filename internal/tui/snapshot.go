package tui

import (
	"context"
	"time"
)

// Fetch polls every read endpoint. The progress endpoint is optional since
// only the serving process tracks timings.
func Fetch(ctx context.Context, src Source) (Snapshot, error) {
	snap := Snapshot{FetchedAt: time.Now()}
	if _, err := src.Health(ctx); err != nil {
		return snap, err
	}
	snap.Online = true

	var err error
	if snap.Stats, err = src.Stats(ctx); err != nil {
		return snap, err
	}
	if snap.Items, err = src.Items(ctx); err != nil {
		return snap, err
	}
	if snap.Workers, err = src.Workers(ctx); err != nil {
		return snap, err
	}
	if p, err := src.Progress(ctx); err == nil {
		snap.Progress = p
	}
	return snap, nil
}
