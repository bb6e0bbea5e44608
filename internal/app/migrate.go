package app

import (
	"context"
)

// Migrate applies the embedded schema under an advisory lock.
func (a *App) Migrate(ctx context.Context) error {
	pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if pg == nil {
		return errNoDatabase
	}
	defer closeStore()
	return a.migrate(ctx, pg)
}
