// Copyright 2025 James Ross
package adminhttp

import "time"

// Config controls the inspection server's listener. It deliberately
// carries none of admin-api's auth/rate-limit/audit machinery: the
// public ingress API and admin UI are out of scope (spec.md
// Non-goals), so this surface stays internal-network-only and
// read-mostly, with a confirmation phrase gating its two destructive
// actions (redeliver, cancel).
type Config struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	ConfirmationPhrase string        `mapstructure:"confirmation_phrase"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":8090",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		ConfirmationPhrase: "CONFIRM",
	}
}
