package population

import (
	"context"

	"github.com/synaptica-ai/cohortfilter/pkg/common/kafka"
	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
)

const EventPopulationUpdated = "population.updated"

// RefreshOnUpdate reloads the snapshot whenever the upstream store announces
// new subject data. Other event types are acknowledged and ignored.
func RefreshOnUpdate(snapshot *Snapshot) kafka.EventHandler {
	return func(ctx context.Context, event models.Event) error {
		if event.Type != EventPopulationUpdated {
			return nil
		}
		logger.Log.WithFields(map[string]interface{}{
			"event_id": event.ID,
			"source":   event.Source,
		}).Info("Population update announced")
		snapshot.Invalidate()
		return snapshot.Refresh(ctx)
	}
}
