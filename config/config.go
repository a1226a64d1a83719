// Package config holds SchedulerConfig, the recognized tunables for the
// scheduler, arena, and speculative decoder (spec.md §3), loadable from a
// YAML file.
//
// Grounded on the teacher's strict YAML decoding idiom in sim/bundle.go
// (LoadPolicyBundle / PolicyBundle.Validate): unrecognized keys are
// rejected via yaml.Decoder.KnownFields(true) rather than silently
// ignored, and decoding starts from Default() rather than from zero
// values, so a YAML file that sets nothing still produces a runnable
// configuration.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DecodePreference selects which phase next_batch() favors when both decode
// and prefill work are available and budgets are tight (spec.md §4.3.3
// prescribes decode-drain-first; this flag exists for experimentation, not
// to override the mandatory ordering of phases 1-3).
type DecodePreference string

const (
	DecodePreferenceBalanced DecodePreference = "balanced"
	DecodePreferenceThroughput DecodePreference = "throughput"
)

// SchedulerConfig is the full set of recognized options from spec.md §3.
type SchedulerConfig struct {
	MaxBatchTokens   int `yaml:"max_batch_tokens"`
	MaxBatchSize     int `yaml:"max_batch_size"`
	MaxPrefillTokens int `yaml:"max_prefill_tokens"`

	TotalKVBlocks int `yaml:"total_kv_blocks"`
	KVBlockSize   int `yaml:"kv_block_size"`

	MaxPrefillChunkSize  int  `yaml:"max_prefill_chunk_size"`
	EnableChunkedPrefill bool `yaml:"enable_chunked_prefill"`

	EnablePriorityScheduling bool             `yaml:"enable_priority_scheduling"`
	DecodePreference         DecodePreference `yaml:"decode_preference"`

	EnablePreemption            bool `yaml:"enable_preemption"`
	MinDecodeStepsBeforePreempt int  `yaml:"min_decode_steps_before_preempt"`

	EnableSpeculative bool `yaml:"enable_speculative"`
	SpeculationLength int  `yaml:"speculation_length"`
	MaxDraftLength    int  `yaml:"max_draft_length"`
	MinAcceptanceRate float64 `yaml:"min_acceptance_rate"`

	// KV geometry, needed to size the Arena alongside TotalKVBlocks.
	NumLayers       int `yaml:"num_layers"`
	NumKVHeads      int `yaml:"num_kv_heads"`
	HeadDim         int `yaml:"head_dim"`
	BytesPerElement int `yaml:"bytes_per_element"`

	EOSTokenID int `yaml:"eos_token_id"`
}

// Default returns a SchedulerConfig with the same shape the teacher's
// default_config.go seeds a runnable configuration without a YAML file.
func Default() SchedulerConfig {
	return SchedulerConfig{
		MaxBatchTokens:              2048,
		MaxBatchSize:                64,
		MaxPrefillTokens:            2048,
		TotalKVBlocks:               1024,
		KVBlockSize:                 16,
		MaxPrefillChunkSize:         512,
		EnableChunkedPrefill:        false,
		EnablePriorityScheduling:    false,
		DecodePreference:            DecodePreferenceBalanced,
		EnablePreemption:            true,
		MinDecodeStepsBeforePreempt: 1,
		EnableSpeculative:           false,
		SpeculationLength:           4,
		MaxDraftLength:              8,
		MinAcceptanceRate:           0.3,
		NumLayers:                   1,
		NumKVHeads:                  1,
		HeadDim:                     1,
		BytesPerElement:             2,
		EOSTokenID:                  -1,
	}
}

// Load reads and strictly parses a YAML scheduler configuration file,
// starting from Default() so an omitted key keeps its default rather than
// zeroing out.
func Load(path string) (SchedulerConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading scheduler config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing scheduler config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the numeric ranges and enumerations spec.md §3 implies.
func (c SchedulerConfig) Validate() error {
	switch {
	case c.MaxBatchTokens <= 0:
		return fmt.Errorf("max_batch_tokens must be > 0")
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("max_batch_size must be > 0")
	case c.MaxPrefillTokens <= 0:
		return fmt.Errorf("max_prefill_tokens must be > 0")
	case c.TotalKVBlocks <= 0:
		return fmt.Errorf("total_kv_blocks must be > 0")
	case c.KVBlockSize <= 0:
		return fmt.Errorf("kv_block_size must be > 0")
	case c.MinDecodeStepsBeforePreempt < 0:
		return fmt.Errorf("min_decode_steps_before_preempt must be >= 0")
	case c.EnableSpeculative && c.SpeculationLength < 1:
		return fmt.Errorf("speculation_length must be >= 1 when enable_speculative is set")
	case c.EnableSpeculative && c.MaxDraftLength < c.SpeculationLength:
		return fmt.Errorf("max_draft_length must be >= speculation_length")
	case c.DecodePreference != "" && c.DecodePreference != DecodePreferenceBalanced && c.DecodePreference != DecodePreferenceThroughput:
		return fmt.Errorf("unknown decode_preference %q", c.DecodePreference)
	}
	return nil
}
