// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/recorder"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the whole configuration and reports every problem at
// once. The returned error is KindConfig; its "field" attribute names the
// first offending field.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if 2*c.Arena.BlockSize > c.Arena.Ceiling {
		errs.add("arena.ceiling", "ceiling %d is below two blocks of %d", c.Arena.Ceiling, c.Arena.BlockSize)
	}
	if c.Arena.BlockSize < 0 {
		errs.add("arena.block_size", "must be positive")
	}
	if c.Scheduler.DefaultMaxQueueDepth < 0 {
		errs.add("scheduler.default_max_queue_depth", "must not be negative")
	}
	if _, err := parseDuration(c.Scheduler.RetireInterval); err != nil {
		errs.add("scheduler.retire_interval", "%v", err)
	}

	r := c.Recorder
	if _, err := recorder.ParseCodec(r.Codec); err != nil {
		errs.add("recorder.codec", "unknown codec %q", r.Codec)
	}
	if _, err := parseDuration(r.FlushInterval); err != nil {
		errs.add("recorder.flush_interval", "%v", err)
	}
	if r.QueueSize < 0 || r.ChunkEntries < 0 || r.SnapLen < 0 || r.MaxSizeMB < 0 || r.MaxBackups < 0 {
		errs.add("recorder", "sizes must not be negative")
	}
	if r.SnapLen > recorder.MaxSnapLen {
		errs.add("recorder.snap_len", "must be at most %d", recorder.MaxSnapLen)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.add("logging.level", "unknown level %q", c.Logging.Level)
	}

	seen := make(map[string]bool)
	for _, a := range c.Adapters {
		field := "adapter." + a.Name
		if a.Name == "" {
			errs.add("adapter", "name is required")
		}
		if seen[a.Name] {
			errs.add(field, "duplicate adapter")
		}
		seen[a.Name] = true
		switch a.Type {
		case AdapterNFQueue:
			if a.QueueNum < 0 || a.QueueNum > 0xFFFF {
				errs.add(field+".queue_num", "must be between 0 and 65535")
			}
		case AdapterPcap:
			if a.Input == "" {
				errs.add(field+".input", "pcap adapters need an input file")
			}
			if _, err := a.localNet(); err != nil {
				errs.add(field+".local_net", "%v", err)
			}
		default:
			errs.add(field+".type", "unknown adapter type %q", a.Type)
		}
	}

	names := make(map[string]bool)
	for _, rb := range c.Rules {
		field := "rule." + rb.Name
		if names[rb.Name] {
			errs.add(field, "duplicate rule name")
		}
		names[rb.Name] = true
		if _, err := rb.Spec(); err != nil {
			sub, _ := errors.GetAttributes(err)["field"].(string)
			if sub != "" {
				field += "." + sub
			}
			errs.add(field, "%v", err)
		}
	}

	if !errs.HasErrors() {
		return nil
	}
	return errors.Attr(errors.Wrap(errs, errors.KindConfig, "invalid configuration"), "field", errs[0].Field)
}

// LoggerConfig converts the logging block.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Logging.Level)
	cfg.JSON = c.Logging.JSON
	return cfg
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
