package config

// SchedulerConfig configures the FSRS-style spaced-repetition scheduler (C6).
type SchedulerConfig struct {
	// InitialStability is the stability a new schedule entry starts from;
	// the first review applies the recurrence to it.
	InitialStability float64 `yaml:"initial_stability" json:"initial_stability"`

	// InitialDifficulty is the difficulty a new schedule entry starts from;
	// the first review applies its grade's delta to it.
	InitialDifficulty float64 `yaml:"initial_difficulty" json:"initial_difficulty"`

	// GradeMultipliers holds the {Fail,Hard,Good,Easy} stability multipliers
	// before difficulty modulation.
	GradeMultipliers [4]float64 `yaml:"grade_multipliers" json:"grade_multipliers"`

	// PromotionMinStability, PromotionMinReviews, and
	// PromotionMinProjectsValidated implement the promotion predicate.
	PromotionMinStability         float64 `yaml:"promotion_min_stability" json:"promotion_min_stability"`
	PromotionMinReviews           int     `yaml:"promotion_min_reviews" json:"promotion_min_reviews"`
	PromotionMinProjectsValidated int     `yaml:"promotion_min_projects_validated" json:"promotion_min_projects_validated"`

	// StabilityMin and StabilityMax bound the recurrence's clamp(S', ...).
	StabilityMin float64 `yaml:"stability_min" json:"stability_min"`
	StabilityMax float64 `yaml:"stability_max" json:"stability_max"`

	// IntervalCapDays bounds the computed next-review interval.
	IntervalCapDays int `yaml:"interval_cap_days" json:"interval_cap_days"`

	// ScanInterval controls how often the background due-scan runs.
	ScanInterval string `yaml:"scan_interval" json:"scan_interval"`
}

// DefaultSchedulerConfig returns sensible defaults for the scheduler.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		InitialStability:              1.0,
		InitialDifficulty:             0.3,
		GradeMultipliers:              [4]float64{0.5, 1.2, 2.5, 3.5},
		PromotionMinStability:         2.0,
		PromotionMinReviews:           2,
		PromotionMinProjectsValidated: 2,
		StabilityMin:                  0.1,
		StabilityMax:                  10.0,
		IntervalCapDays:               365,
		ScanInterval:                  "45s",
	}
}
