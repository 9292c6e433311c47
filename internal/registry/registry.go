// Package registry holds the static per-source reconciliation
// configuration: matching priority, valid targets, and confidence
// thresholds. The registry is built once at startup and passed by
// reference; it is never mutated mid-batch.
package registry

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"

	"github.com/fdcsuite/ledgercore/internal/model"
)

// Weights defines the relative importance of each scoring criterion.
// They are tunable defaults, not fixed law.
type Weights struct {
	Amount      float64
	Date        float64
	Category    float64
	Description float64
	GST         float64
	Attachment  float64
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Amount:      0.35,
		Date:        0.25,
		Category:    0.15,
		Description: 0.10,
		GST:         0.10,
		Attachment:  0.05,
	}
}

// Validate checks the weights sum to approximately 1.0.
func (w Weights) Validate() error {
	total := w.Amount + w.Date + w.Category + w.Description + w.GST + w.Attachment
	if total < 0.9 || total > 1.1 {
		return fmt.Errorf("scoring weights should sum to approximately 1.0, got %.4f", total)
	}
	return nil
}

// SourceConfig is the per-source matching configuration.
type SourceConfig struct {
	Source      model.Source
	DisplayName string

	// Priority orders sources for matching; lower is matched first.
	Priority int
	Enabled  bool

	// MatchTargets lists the target types this source may reconcile
	// against.
	MatchTargets []model.TargetType

	// AutoMatchThreshold and SuggestMatchThreshold are the confidence
	// cutoffs for MATCHED and SUGGESTED outcomes.
	AutoMatchThreshold    float64
	SuggestMatchThreshold float64

	// DateWindowDays bounds candidate generation around the source
	// transaction's date.
	DateWindowDays int

	// MaxCandidates caps how many candidates are scored per transaction.
	MaxCandidates int

	// BatchPageSize bounds how many unresolved transactions one engine
	// pass pulls.
	BatchPageSize int

	Weights Weights
}

// AllowsTarget reports whether t is a valid match target for this source.
func (c SourceConfig) AllowsTarget(t model.TargetType) bool {
	for _, mt := range c.MatchTargets {
		if mt == t {
			return true
		}
	}
	return false
}

// Validate checks threshold ordering and weight sanity.
func (c SourceConfig) Validate() error {
	if c.AutoMatchThreshold < 0 || c.AutoMatchThreshold > 1 {
		return fmt.Errorf("source %s: auto-match threshold out of range: %.4f", c.Source, c.AutoMatchThreshold)
	}
	if c.SuggestMatchThreshold < 0 || c.SuggestMatchThreshold > 1 {
		return fmt.Errorf("source %s: suggest-match threshold out of range: %.4f", c.Source, c.SuggestMatchThreshold)
	}
	if c.SuggestMatchThreshold > c.AutoMatchThreshold {
		return fmt.Errorf("source %s: suggest threshold %.4f exceeds auto threshold %.4f",
			c.Source, c.SuggestMatchThreshold, c.AutoMatchThreshold)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("source %s: date window cannot be negative", c.Source)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("source %s: max candidates must be positive", c.Source)
	}
	if c.BatchPageSize <= 0 {
		return fmt.Errorf("source %s: batch page size must be positive", c.Source)
	}
	return c.Weights.Validate()
}

// Registry is the immutable set of source configurations.
type Registry struct {
	configs map[model.Source]SourceConfig
}

func defaultConfigs() map[model.Source]SourceConfig {
	return map[model.Source]SourceConfig{
		model.SourceMyFDC: {
			Source:                model.SourceMyFDC,
			DisplayName:           "MyFDC Transactions",
			Priority:              1,
			Enabled:               true,
			MatchTargets:          []model.TargetType{model.TargetBank, model.TargetReceipt, model.TargetInvoice},
			AutoMatchThreshold:    0.85,
			SuggestMatchThreshold: 0.60,
			DateWindowDays:        3,
			MaxCandidates:         20,
			BatchPageSize:         500,
			Weights:               DefaultWeights(),
		},
		model.SourceOCR: {
			Source:                model.SourceOCR,
			DisplayName:           "OCR Scanned Documents",
			Priority:              2,
			Enabled:               true,
			MatchTargets:          []model.TargetType{model.TargetBank, model.TargetManual},
			AutoMatchThreshold:    0.80,
			SuggestMatchThreshold: 0.55,
			DateWindowDays:        3,
			MaxCandidates:         20,
			BatchPageSize:         500,
			Weights:               DefaultWeights(),
		},
		model.SourceBank: {
			Source:                model.SourceBank,
			DisplayName:           "Bank Feed Transactions",
			Priority:              3,
			Enabled:               true,
			MatchTargets:          []model.TargetType{model.TargetReceipt, model.TargetInvoice, model.TargetManual},
			AutoMatchThreshold:    0.90,
			SuggestMatchThreshold: 0.65,
			DateWindowDays:        3,
			MaxCandidates:         20,
			BatchPageSize:         500,
			Weights:               DefaultWeights(),
		},
		model.SourceManual: {
			Source:                model.SourceManual,
			DisplayName:           "Manual Entries",
			Priority:              4,
			Enabled:               true,
			MatchTargets:          []model.TargetType{model.TargetBank, model.TargetReceipt},
			AutoMatchThreshold:    0.75,
			SuggestMatchThreshold: 0.50,
			DateWindowDays:        3,
			MaxCandidates:         20,
			BatchPageSize:         500,
			Weights:               DefaultWeights(),
		},
	}
}

// New returns a registry with the stock source configurations.
func New() *Registry {
	return &Registry{configs: defaultConfigs()}
}

// Load builds a registry from the stock defaults with per-source overrides
// read from viper keys of the form sources.<source>.<field>.
func Load(v *viper.Viper) (*Registry, error) {
	configs := defaultConfigs()

	for src, cfg := range configs {
		prefix := fmt.Sprintf("sources.%s.", src)
		if v.IsSet(prefix + "enabled") {
			cfg.Enabled = v.GetBool(prefix + "enabled")
		}
		if v.IsSet(prefix + "priority") {
			cfg.Priority = v.GetInt(prefix + "priority")
		}
		if v.IsSet(prefix + "auto_match_threshold") {
			cfg.AutoMatchThreshold = v.GetFloat64(prefix + "auto_match_threshold")
		}
		if v.IsSet(prefix + "suggest_match_threshold") {
			cfg.SuggestMatchThreshold = v.GetFloat64(prefix + "suggest_match_threshold")
		}
		if v.IsSet(prefix + "date_window_days") {
			cfg.DateWindowDays = v.GetInt(prefix + "date_window_days")
		}
		if v.IsSet(prefix + "max_candidates") {
			cfg.MaxCandidates = v.GetInt(prefix + "max_candidates")
		}
		if v.IsSet(prefix + "batch_page_size") {
			cfg.BatchPageSize = v.GetInt(prefix + "batch_page_size")
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		configs[src] = cfg
	}

	return &Registry{configs: configs}, nil
}

// Config returns the configuration for a source.
func (r *Registry) Config(source model.Source) (SourceConfig, bool) {
	cfg, ok := r.configs[source]
	return cfg, ok
}

// EnabledSources returns all enabled sources ordered by priority.
func (r *Registry) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// AllConfigs returns every source configuration ordered by priority.
func (r *Registry) AllConfigs() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Source < out[j].Source
	})
	return out
}
