// Package seed bootstraps the default plan catalog so a fresh install can
// sell subscriptions without any manual setup.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/platewise/billing/internal/plan/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EnsureDefaultPlans inserts the built-in catalog if no active version of a
// plan code exists yet. Re-running is a no-op.
func EnsureDefaultPlans(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, plan := range defaultPlans(node) {
			var count int64
			err := tx.WithContext(ctx).
				Model(&plandomain.Plan{}).
				Where("code = ? AND active = ?", plan.Code, true).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.WithContext(ctx).Create(&plan).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func defaultPlans(node *snowflake.Node) []plandomain.Plan {
	now := time.Now().UTC()
	return []plandomain.Plan{
		{
			ID:                node.Generate(),
			Code:              "starter",
			Name:              "Starter",
			MonthlyPriceCents: 4900,
			YearlyPriceCents:  49900,
			Currency:          "usd",
			MonthlyQuota:      100,
			TrialDays:         14,
			Features: datatypes.JSONMap{
				"content_generation": true,
			},
			IncludedCredits: datatypes.JSONMap{
				"content_generation": int64(20),
			},
			Active:    true,
			CreatedAt: now,
		},
		{
			ID:                node.Generate(),
			Code:              "growth",
			Name:              "Growth",
			MonthlyPriceCents: 14900,
			YearlyPriceCents:  149900,
			Currency:          "usd",
			MonthlyQuota:      500,
			TrialDays:         14,
			Features: datatypes.JSONMap{
				"content_generation": true,
				"image_generation":   true,
			},
			IncludedCredits: datatypes.JSONMap{
				"content_generation": int64(100),
				"image_generation":   int64(50),
			},
			Active:    true,
			CreatedAt: now,
		},
		{
			ID:                node.Generate(),
			Code:              "pro",
			Name:              "Pro",
			MonthlyPriceCents: 39900,
			YearlyPriceCents:  399900,
			Currency:          "usd",
			MonthlyQuota:      2000,
			Features: datatypes.JSONMap{
				"content_generation": true,
				"image_generation":   true,
				"priority_support":   true,
			},
			IncludedCredits: datatypes.JSONMap{
				"content_generation": int64(500),
				"image_generation":   int64(200),
			},
			Active:    true,
			CreatedAt: now,
		},
	}
}
