// Package pricing implements the read-only model-pricing lookup the Agent
// Session Manager uses to compute a session's final cost from its token
// usage (spec §6: "model pricing for cost computation"). The table is a
// small static YAML document, loaded the way the teacher's config layer
// loads its own YAML-backed settings, not a live pricing-service client —
// the core only ever needs a read.
package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// Rate is the USD cost per token for one usage category, for one model.
type Rate struct {
	InputPerToken       float64 `yaml:"input_per_token"`
	OutputPerToken      float64 `yaml:"output_per_token"`
	CacheReadPerToken   float64 `yaml:"cache_read_per_token"`
	CacheCreatePerToken float64 `yaml:"cache_create_per_token"`
}

// Table is a static per-model pricing table. Implements domain.PricingLookup.
type Table struct {
	rates map[domain.Model]Rate
}

// DefaultTable returns the built-in pricing table, current as of the rates
// documented for the three supported models. Used when no override file is
// configured.
func DefaultTable() *Table {
	return &Table{rates: map[domain.Model]Rate{
		domain.ModelOpus: {
			InputPerToken: 15.0 / 1_000_000, OutputPerToken: 75.0 / 1_000_000,
			CacheReadPerToken: 1.5 / 1_000_000, CacheCreatePerToken: 18.75 / 1_000_000,
		},
		domain.ModelSonnet: {
			InputPerToken: 3.0 / 1_000_000, OutputPerToken: 15.0 / 1_000_000,
			CacheReadPerToken: 0.3 / 1_000_000, CacheCreatePerToken: 3.75 / 1_000_000,
		},
		domain.ModelHaiku: {
			InputPerToken: 0.8 / 1_000_000, OutputPerToken: 4.0 / 1_000_000,
			CacheReadPerToken: 0.08 / 1_000_000, CacheCreatePerToken: 1.0 / 1_000_000,
		},
	}}
}

// yamlDoc mirrors the on-disk shape: a flat map from model alias to Rate.
type yamlDoc struct {
	Models map[string]Rate `yaml:"models"`
}

// LoadFile reads a pricing table from a YAML file at path. An empty path
// fails like any other unreadable path; callers without an override file use
// DefaultTable instead.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=pricing.LoadFile path=%s: %w", path, err)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("op=pricing.LoadFile path=%s: %w", path, err)
	}
	t := &Table{rates: make(map[domain.Model]Rate, len(doc.Models))}
	for alias, rate := range doc.Models {
		t.rates[domain.Model(alias)] = rate
	}
	return t, nil
}

// CostUSD implements domain.PricingLookup. An unknown model yields zero cost
// rather than an error: a session's cost accounting should degrade to "free"
// rather than fail finalization outright when pricing data is stale.
func (t *Table) CostUSD(m domain.Model, usage domain.TokenUsage) (float64, error) {
	rate, ok := t.rates[m]
	if !ok {
		return 0, nil
	}
	cost := float64(usage.InputTokens)*rate.InputPerToken +
		float64(usage.OutputTokens)*rate.OutputPerToken +
		float64(usage.CacheReadTokens)*rate.CacheReadPerToken +
		float64(usage.CacheCreateTokens)*rate.CacheCreatePerToken
	return cost, nil
}
