package repository

import (
	"context"

	"github.com/alcosi/twinhorn/apps/default/service/models"
	"github.com/pitabwire/frame"
)

func Migrate(ctx context.Context, svc *frame.Service, migrationPath string) error {
	return svc.MigrateDatastore(ctx, migrationPath,
		&models.ClientSession{}, &models.DataBatch{})
}
