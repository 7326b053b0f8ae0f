/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/marathon_tracker/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Event{},
		&models.Segment{},
		&models.Interstitial{},
		&models.AuditLog{},
	); err != nil {
		return err
	}

	if err := applyPostgresInterstitialMirrorGuard(database); err != nil {
		return err
	}
	if err := normalizeInterstitialSuborders(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresInterstitialMirrorGuard installs a deferred constraint trigger
// that rejects a commit leaving an interstitial out of step with its anchor.
// Deferral lets one transaction move an anchor and its interstitials in any
// statement order.
func applyPostgresInterstitialMirrorGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION check_interstitial_mirrors_anchor()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF EXISTS (
    SELECT 1
    FROM interstitials i
    JOIN segments s ON s.id = i.anchor_id
    WHERE i.event_id = s.event_id
      AND s.event_id = NEW.event_id
      AND i.run_order IS DISTINCT FROM s.run_order
  ) THEN
    RAISE EXCEPTION 'interstitial order does not mirror its anchor in event %', NEW.event_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NULL;
END;
$$;

DROP TRIGGER IF EXISTS trg_interstitial_mirror_on_interstitials ON interstitials;
DROP TRIGGER IF EXISTS trg_interstitial_mirror_on_segments ON segments;

CREATE CONSTRAINT TRIGGER trg_interstitial_mirror_on_interstitials
AFTER INSERT OR UPDATE OF run_order, anchor_id
ON interstitials
DEFERRABLE INITIALLY DEFERRED
FOR EACH ROW
EXECUTE FUNCTION check_interstitial_mirrors_anchor();

CREATE CONSTRAINT TRIGGER trg_interstitial_mirror_on_segments
AFTER UPDATE OF run_order
ON segments
DEFERRABLE INITIALLY DEFERRED
FOR EACH ROW
EXECUTE FUNCTION check_interstitial_mirrors_anchor();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres interstitial mirror guard: %w", err)
	}

	return nil
}

// normalizeInterstitialSuborders lifts rows imported with a zero suborder to 1.
func normalizeInterstitialSuborders(database *gorm.DB) error {
	if err := database.Exec("UPDATE interstitials SET suborder = 1 WHERE suborder < 1").Error; err != nil {
		return fmt.Errorf("normalize interstitial suborders: %w", err)
	}
	return nil
}

// RepairInterstitialMirrors copies each anchor's order onto its interstitials
// and reports how many rows changed.
func RepairInterstitialMirrors(database *gorm.DB, eventID string) (updated int64, err error) {
	var interstitials []models.Interstitial
	if err := database.Preload("Anchor").Where("event_id = ?", eventID).Find(&interstitials).Error; err != nil {
		return 0, fmt.Errorf("load interstitials: %w", err)
	}

	for _, in := range interstitials {
		var want *int
		if in.Anchor != nil {
			want = in.Anchor.Order
		}
		if sameOrder(in.Order, want) {
			continue
		}
		res := database.Model(&models.Interstitial{}).Where("id = ?", in.ID).UpdateColumn("run_order", want)
		if res.Error != nil {
			return updated, fmt.Errorf("repair interstitial %s: %w", in.ID, res.Error)
		}
		updated += res.RowsAffected
	}

	return updated, nil
}

func sameOrder(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
