// Package detect classifies crawled pages against their last-known
// fingerprints and persists the new state.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/storage"
	"github.com/noname-app/site-crawler/pkg/utils"
)

// Detector compares observations with stored pages and upserts them
type Detector struct {
	store storage.PageStore
	log   *logrus.Entry
}

// NewDetector creates a Detector persisting to store
func NewDetector(store storage.PageStore, log *logrus.Entry) *Detector {
	return &Detector{store: store, log: log.WithField("component", "change_detector")}
}

// Apply classifies every observation as new, updated or unchanged, then
// writes all of them in one upsert. Fingerprints are loaded once per call.
// Duplicate URLs collapse to their last observation. Nothing is written
// when classification cannot load the stored state.
func (d *Detector) Apply(ctx context.Context, tenantID string, observations []models.PageObservation, now time.Time) (models.ChangeSet, error) {
	detectLog := d.log.WithFields(logrus.Fields{"tenant_id": tenantID, "observations": len(observations)})
	var changes models.ChangeSet

	stored, err := d.store.LoadFingerprints(ctx, tenantID)
	if err != nil {
		return changes, fmt.Errorf("loading stored fingerprints: %w", err)
	}

	latest := make(map[string]int, len(observations))
	unique := make([]models.PageObservation, 0, len(observations))
	for _, obs := range observations {
		if !utils.IsFingerprint(obs.Fingerprint) {
			detectLog.WithField("url", obs.URL).Warnf("Skipping observation with malformed fingerprint %q", obs.Fingerprint)
			continue
		}
		if i, seen := latest[obs.URL]; seen {
			unique[i] = obs
			continue
		}
		latest[obs.URL] = len(unique)
		unique = append(unique, obs)
	}

	for _, obs := range unique {
		switch models.Classify(stored[obs.URL], obs.Fingerprint) {
		case models.ClassNew:
			changes.New = append(changes.New, obs.URL)
		case models.ClassUpdated:
			changes.Updated = append(changes.Updated, obs.URL)
		default:
			changes.Unchanged = append(changes.Unchanged, obs.URL)
		}
	}

	if len(unique) > 0 {
		if err := d.store.UpsertPages(ctx, tenantID, unique, now); err != nil {
			return models.ChangeSet{}, fmt.Errorf("persisting %d page(s): %w", len(unique), err)
		}
	}

	detectLog.WithFields(logrus.Fields{
		"new":       len(changes.New),
		"updated":   len(changes.Updated),
		"unchanged": len(changes.Unchanged),
	}).Info("Change detection complete")
	return changes, nil
}
