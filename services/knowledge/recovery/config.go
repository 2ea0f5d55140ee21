// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Backoff kinds.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// minRecoveryTimeout is the floor for RecoveryTimeout. Strategies make
// context-bounded graph calls; anything shorter makes spurious
// failures under load more likely than real protection.
const minRecoveryTimeout = 15 * time.Second

// BackoffConfig controls the delay between recovery attempts.
type BackoffConfig struct {
	// Kind is fixed or exponential.
	Kind string `yaml:"kind" validate:"required,oneof=fixed exponential"`

	// Base is the delay before the second attempt. Exponential backoff
	// doubles it per subsequent attempt.
	Base time.Duration `yaml:"base" validate:"required"`
}

// Config controls coordinator behavior. Validate before use;
// NewCoordinator refuses invalid configurations.
type Config struct {
	// MaxAttempts bounds recovery attempts per ReportFailure call.
	MaxAttempts int `yaml:"max_attempts" validate:"required,gte=1,lte=10"`

	// RecoveryTimeout bounds one strategy execution. Minimum 15s.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" validate:"required"`

	// CleanupTimeout bounds post-failure cleanup work.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout" validate:"required"`

	// ValidationTimeout bounds the post-recovery validation pass.
	ValidationTimeout time.Duration `yaml:"validation_timeout" validate:"required"`

	// LockTimeout bounds each acquisition in the agent lock chain.
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"required"`

	// Backoff is the inter-attempt delay policy.
	Backoff BackoffConfig `yaml:"backoff" validate:"required"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		RecoveryTimeout:   30 * time.Second,
		CleanupTimeout:    10 * time.Second,
		ValidationTimeout: 10 * time.Second,
		LockTimeout:       2 * time.Second,
		Backoff: BackoffConfig{
			Kind: BackoffExponential,
			Base: 500 * time.Millisecond,
		},
	}
}

var configValidator = validator.New()

// Validate checks structural constraints with validator tags, then the
// duration floors the tags cannot express.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RecoveryTimeout < minRecoveryTimeout {
		return fmt.Errorf("%w: recovery_timeout %s below minimum %s",
			ErrInvalidConfig, c.RecoveryTimeout, minRecoveryTimeout)
	}
	if c.CleanupTimeout <= 0 || c.ValidationTimeout <= 0 || c.LockTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.Backoff.Base <= 0 {
		return fmt.Errorf("%w: backoff base must be positive", ErrInvalidConfig)
	}
	return nil
}

// delayFor returns the backoff delay before the given attempt number
// (1-based). The first attempt has no delay.
func (c Config) delayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if c.Backoff.Kind == BackoffFixed {
		return c.Backoff.Base
	}
	delay := c.Backoff.Base
	for i := 2; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
