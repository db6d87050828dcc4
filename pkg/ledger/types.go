package ledger

import (
	"time"

	"github.com/google/uuid"
)

// UsageType identifies a metered action, e.g. receipts parsed or invoices sent.
type UsageType string

const (
	UsageReceipts UsageType = "receipts"
	UsageInvoices UsageType = "invoices"
	UsageEmails   UsageType = "emails"
	UsageExports  UsageType = "exports"
	UsageStorage  UsageType = "storage" // measured in MB
)

// Unlimited marks a usage type with no cap. The sentinel keeps limit
// arithmetic total: -1 instead of a nullable column or pointer.
const Unlimited int64 = -1

// Feature identifies a gateable product capability.
type Feature string

const (
	FeatureOCR             Feature = "ocr"
	FeatureAPI             Feature = "api"
	FeatureMultiCurrency   Feature = "multi_currency"
	FeatureCustomBranding  Feature = "custom_branding"
	FeaturePrioritySupport Feature = "priority_support"
	FeatureExport          Feature = "export"
)

// FeatureLevel expresses graded feature access. Disabled is the zero value
// so an absent map entry reads as "off".
type FeatureLevel int

const (
	LevelDisabled FeatureLevel = iota
	LevelBasic
	LevelAdvanced
)

// Enabled reports whether the level grants any access at all.
func (l FeatureLevel) Enabled() bool {
	return l > LevelDisabled
}

// Override grants a single tenant a feature level different from its plan
// default. An unexpired override always wins over the plan.
type Override struct {
	TenantID  uuid.UUID
	Feature   Feature
	Level     FeatureLevel
	ExpiresAt *time.Time // nil means no expiry
	CreatedAt time.Time
}

// Expired reports whether the override has lapsed at the given time.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// UsageInfo is the read model for a single counter.
type UsageInfo struct {
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"` // 0 when unlimited; check Unlimited first
	Unlimited bool  `json:"unlimited"`
}

// Decision is the outcome of a CanPerform check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"` // human-readable, only set when denied
}

// Allow is the positive decision shared by all allowed outcomes.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denied decision with the given human-readable reason.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
