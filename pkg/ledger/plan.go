package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// BillingInterval is the billing frequency of a plan.
type BillingInterval string

const (
	IntervalNone    BillingInterval = "none" // free plans, never billed
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// Plan describes a subscription tier: its price, metering limits, and
// feature levels. Plans are loaded once at service construction and treated
// as immutable afterwards.
type Plan struct {
	ID        string
	Name      string
	Amount    decimal.Decimal
	Interval  BillingInterval
	TrialDays int
	Limits    map[UsageType]int64
	Features  map[Feature]FeatureLevel
}

// TrialEndsAt returns when a trial started at the given time lapses.
// Returns startedAt unchanged for plans without a trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// PlanSource loads the plan catalog. Implementations must return the full
// catalog on every call; the service caches it for the process lifetime.
type PlanSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// PlanResolver maps a tenant to its current plan ID. In production this is
// backed by the subscription store; tests substitute a fixed mapping.
type PlanResolver func(ctx context.Context, tenantID uuid.UUID) (string, error)

type memSource struct {
	plans map[string]Plan
}

// NewInMemSource returns a PlanSource serving a fixed catalog.
func NewInMemSource(plans map[string]Plan) PlanSource {
	return &memSource{plans: plans}
}

func (s *memSource) Load(ctx context.Context) (map[string]Plan, error) {
	out := make(map[string]Plan, len(s.plans))
	for id, p := range s.plans {
		// Same normalization as the file source: a plan without an
		// interval is a never-billed plan.
		if p.Interval == "" {
			p.Interval = IntervalNone
		}
		out[id] = p
	}
	return out, nil
}

// yamlPlan is the file representation of a Plan. Amounts are strings so the
// file round-trips through decimal without touching binary floats.
type yamlPlan struct {
	Name      string           `yaml:"name"`
	Amount    string           `yaml:"amount"`
	Interval  string           `yaml:"interval"`
	TrialDays int              `yaml:"trial_days"`
	Limits    map[string]int64 `yaml:"limits"`
	Features  map[string]int   `yaml:"features"`
}

type fileSource struct {
	path string
}

// NewFileSource returns a PlanSource reading a YAML catalog from disk.
// The file maps plan IDs to plan definitions:
//
//	starter:
//	  name: Starter
//	  amount: "20.00"
//	  interval: monthly
//	  limits:
//	    receipts: 100
//	  features:
//	    ocr: 1
func NewFileSource(path string) PlanSource {
	return &fileSource{path: path}
}

func (s *fileSource) Load(ctx context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var parsed map[string]yamlPlan
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	plans := make(map[string]Plan, len(parsed))
	for id, yp := range parsed {
		amount := decimal.Zero
		if yp.Amount != "" {
			amount, err = decimal.NewFromString(yp.Amount)
			if err != nil {
				return nil, errors.Join(ErrInvalidPlanConfig,
					fmt.Errorf("plan %s: bad amount %q", id, yp.Amount))
			}
		}

		limits := make(map[UsageType]int64, len(yp.Limits))
		for k, v := range yp.Limits {
			limits[UsageType(k)] = v
		}
		features := make(map[Feature]FeatureLevel, len(yp.Features))
		for k, v := range yp.Features {
			features[Feature(k)] = FeatureLevel(v)
		}

		interval := BillingInterval(yp.Interval)
		if interval == "" {
			interval = IntervalNone
		}

		plans[id] = Plan{
			ID:        id,
			Name:      yp.Name,
			Amount:    amount,
			Interval:  interval,
			TrialDays: yp.TrialDays,
			Limits:    limits,
			Features:  features,
		}
	}

	if err := validatePlans(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// validatePlans catches catalog misconfiguration at load time.
func validatePlans(plans map[string]Plan) error {
	for id, plan := range plans {
		if plan.TrialDays < 0 {
			return errors.Join(ErrInvalidPlanConfig,
				fmt.Errorf("plan %s has negative trial days: %d", id, plan.TrialDays))
		}
		if plan.Amount.IsNegative() {
			return errors.Join(ErrInvalidPlanConfig,
				fmt.Errorf("plan %s has negative amount: %s", id, plan.Amount))
		}
		for usageType, limit := range plan.Limits {
			if limit < Unlimited {
				return errors.Join(ErrInvalidPlanConfig,
					fmt.Errorf("plan %s has invalid limit for %s: %d", id, usageType, limit))
			}
		}
		switch plan.Interval {
		case IntervalNone, IntervalMonthly, IntervalYearly:
		default:
			return errors.Join(ErrInvalidPlanConfig,
				fmt.Errorf("plan %s has unknown interval %q", id, plan.Interval))
		}
	}
	return nil
}
