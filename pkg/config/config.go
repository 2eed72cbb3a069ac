// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adxyz/infeed/core"
	"github.com/adxyz/infeed/pkg/log"
)

// BrandConfig is the per-brand ad configuration file: one AdPolicy per view
// type ("news-list", "article-detail", "carousel", ...).
type BrandConfig struct {
	Brand string                    `yaml:"brand"`
	Views map[string]*core.AdPolicy `yaml:"views"`

	// Invalid records views whose policy failed validation. Those views fail
	// closed: they place no ads at all.
	Invalid map[string]error `yaml:"-"`
}

// Load reads and validates a brand configuration file.
func Load(path string, logger log.Logger) (*BrandConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ad config: %w", err)
	}
	return Parse(data, logger)
}

// Parse validates every view policy. A malformed policy disables that view
// (logged once here) rather than partially degrading it; the rest of the
// file stays usable. A file that fails to parse at all is an error.
func Parse(data []byte, logger log.Logger) (*BrandConfig, error) {
	if logger == nil {
		logger = log.NoOp()
	}

	var cfg BrandConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	cfg.Invalid = make(map[string]error)
	for view, policy := range cfg.Views {
		if policy == nil {
			cfg.Invalid[view] = fmt.Errorf("%w: empty policy", core.ErrConfigInvalid)
			delete(cfg.Views, view)
			continue
		}
		policy.ApplyDefaults()
		if err := policy.Validate(); err != nil {
			logger.Error("view ad policy rejected",
				"brand", cfg.Brand,
				"view", view,
				"err", err)
			cfg.Invalid[view] = err
			delete(cfg.Views, view)
		}
	}
	return &cfg, nil
}

// Policy returns the validated policy for a view. Views that were invalid or
// never configured return nil: no ads.
func (c *BrandConfig) Policy(view string) *core.AdPolicy {
	if c == nil {
		return nil
	}
	return c.Views[view]
}
