package labs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"devlabs/internal/config"
)

// Settings are the capacity, port-range and lifetime knobs resolved
// fresh for every create call, so operators can change them without a
// restart when using the store-backed source.
type Settings struct {
	MaxLabs        int
	MaxLabsPerUser int

	SSHPortStart int
	SSHPortEnd   int
	AppPortStart int
	AppPortEnd   int

	ExposedPortCount int
	BlockedPorts     []int

	TTL time.Duration
}

// Validate checks the settings a create call is about to use.
func (s Settings) Validate() error {
	if s.MaxLabs <= 0 || s.MaxLabsPerUser <= 0 {
		return fmt.Errorf("%w: lab limits must be positive", ErrConfigIncomplete)
	}
	if s.SSHPortStart <= 0 || s.SSHPortEnd < s.SSHPortStart {
		return fmt.Errorf("%w: bad ssh port range %d-%d", ErrConfigIncomplete, s.SSHPortStart, s.SSHPortEnd)
	}
	if s.AppPortStart <= 0 || s.AppPortEnd < s.AppPortStart {
		return fmt.Errorf("%w: bad app port range %d-%d", ErrConfigIncomplete, s.AppPortStart, s.AppPortEnd)
	}
	if s.ExposedPortCount <= 0 {
		return fmt.Errorf("%w: exposed port count must be positive", ErrConfigIncomplete)
	}
	if s.TTL <= 0 {
		return fmt.Errorf("%w: lab duration must be positive", ErrConfigIncomplete)
	}
	return nil
}

// SettingsSource resolves Settings once per allocation call.
type SettingsSource interface {
	Resolve(ctx context.Context) (Settings, error)
}

// StaticSettings serves fixed values from the environment config. This
// mirrors the behavior of deployments that pin limits at startup.
type StaticSettings Settings

func (s StaticSettings) Resolve(context.Context) (Settings, error) {
	return Settings(s), nil
}

// FromConfig builds the env-sourced settings.
func FromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxLabs:          cfg.MaxLabs,
		MaxLabsPerUser:   cfg.MaxLabsPerUser,
		SSHPortStart:     cfg.SSHPortRangeStart,
		SSHPortEnd:       cfg.SSHPortRangeEnd,
		AppPortStart:     cfg.AppPortRangeStart,
		AppPortEnd:       cfg.AppPortRangeEnd,
		ExposedPortCount: cfg.ExposedPortCount,
		BlockedPorts:     cfg.BlockedPorts,
		TTL:              time.Duration(cfg.LabTTLHours) * time.Hour,
	}
}

// SettingGetter is the single store read the store-backed source needs.
type SettingGetter interface {
	Setting(ctx context.Context, key string) (string, bool, error)
}

// StoreSettings reads limits and ranges from the system_config table on
// every call, falling back to the defaults for missing keys. This is
// the live-editable path; StaticSettings is the pinned one.
type StoreSettings struct {
	Store    SettingGetter
	Defaults Settings
}

func (s StoreSettings) Resolve(ctx context.Context) (Settings, error) {
	out := s.Defaults

	read := func(key string, dst *int) error {
		v, ok, err := s.Store.Setting(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: system_config %s=%q is not a number", ErrConfigIncomplete, key, v)
		}
		*dst = n
		return nil
	}

	var ttlHours = int(out.TTL / time.Hour)
	for key, dst := range map[string]*int{
		"max_labs":             &out.MaxLabs,
		"max_labs_per_user":    &out.MaxLabsPerUser,
		"ssh_port_range_start": &out.SSHPortStart,
		"ssh_port_range_end":   &out.SSHPortEnd,
		"app_port_range_start": &out.AppPortStart,
		"app_port_range_end":   &out.AppPortEnd,
		"lab_duration_hours":   &ttlHours,
	} {
		if err := read(key, dst); err != nil {
			return Settings{}, err
		}
	}
	out.TTL = time.Duration(ttlHours) * time.Hour

	return out, nil
}
