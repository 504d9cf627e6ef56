// Package domain contains the plan catalog models and contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Plan is one published version of a subscription tier. Rows are immutable:
// publishing a change creates a new row with a new ID and retires the old one
// by flipping Active.
type Plan struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	Code              string            `gorm:"type:text;not null;index"`
	Name              string            `gorm:"type:text;not null"`
	Version           int               `gorm:"not null;default:1"`
	MonthlyPriceCents int64             `gorm:"not null"`
	YearlyPriceCents  int64             `gorm:"not null"`
	Currency          string            `gorm:"type:text;not null;default:usd"`
	MonthlyQuota      int64             `gorm:"not null"`
	TrialDays         int               `gorm:"not null;default:0"`
	Features          datatypes.JSONMap `gorm:"type:jsonb"`
	IncludedCredits   datatypes.JSONMap `gorm:"type:jsonb"`
	GatewayPriceID    string            `gorm:"type:text"`
	Active            bool              `gorm:"not null;default:true"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// HasFeature reports whether a boolean feature flag is enabled on the plan.
func (p *Plan) HasFeature(code string) bool {
	if p == nil || p.Features == nil {
		return false
	}
	enabled, ok := p.Features[code].(bool)
	return ok && enabled
}

// CreditGrants returns the prepaid credits included with the plan, keyed by
// credit type.
func (p *Plan) CreditGrants() map[string]int64 {
	if p == nil || p.IncludedCredits == nil {
		return nil
	}
	grants := make(map[string]int64, len(p.IncludedCredits))
	for creditType, raw := range p.IncludedCredits {
		switch value := raw.(type) {
		case float64:
			grants[creditType] = int64(value)
		case int64:
			grants[creditType] = value
		case int:
			grants[creditType] = int64(value)
		}
	}
	return grants
}
