// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package config loads the application master's recognised configuration
// keys (§6 of the spec) via viper, merging a loaded file over built-in
// defaults with dario.cat/mergo.
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"
)

// Config holds every configuration key the AM recognises.
type Config struct {
	TaskListenerThreads int           `mapstructure:"am.task-listener.threads"`
	ProfileContainers   []int64       `mapstructure:"am.profile-containers"`
	ProfileJVMOpts      string        `mapstructure:"am.profile-jvm-opts"`
	TaskMaxAttempts     int           `mapstructure:"task.max-attempts"`
	VertexFailureTol    float64       `mapstructure:"vertex.failure-tolerance"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat-interval-ms"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat-timeout-ms"`
}

// Default returns the AM's built-in defaults.
func Default() Config {
	return Config{
		TaskListenerThreads: 8,
		ProfileContainers:   nil,
		ProfileJVMOpts:      "",
		TaskMaxAttempts:     4,
		VertexFailureTol:    0,
		HeartbeatInterval:   1 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
	}
}

// Load reads configuration from the given file path (if non-empty) and from
// environment variables prefixed DAGMASTER_, merging them over Default().
// Millisecond-valued keys (heartbeat-interval-ms, heartbeat-timeout-ms) are
// read as plain integers and converted to time.Duration.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("dagmaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	loaded := Default()
	loaded.TaskListenerThreads = v.GetInt("am.task-listener.threads")
	loaded.ProfileJVMOpts = v.GetString("am.profile-jvm-opts")
	loaded.TaskMaxAttempts = v.GetInt("task.max-attempts")
	loaded.VertexFailureTol = v.GetFloat64("vertex.failure-tolerance")
	if ms := v.GetInt64("heartbeat-interval-ms"); ms > 0 {
		loaded.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("heartbeat-timeout-ms"); ms > 0 {
		loaded.HeartbeatTimeout = time.Duration(ms) * time.Millisecond
	}
	for _, s := range v.GetStringSlice("am.profile-containers") {
		var id int64
		if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
			loaded.ProfileContainers = append(loaded.ProfileContainers, id)
		}
	}

	merged := Default()
	if err := mergo.Merge(&merged, loaded, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	return merged, nil
}

// ShouldProfile reports whether the given container numeric id is in the
// configured profile set (§4.2 Profiling).
func (c Config) ShouldProfile(containerNumericID int64) bool {
	for _, id := range c.ProfileContainers {
		if id == containerNumericID {
			return true
		}
	}
	return false
}
