package engine

import (
	"errors"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Options carries the enumerated, recognized configuration keys from
// the core. The core never consults the environment or a config file to
// build one of these — the embedding application decodes its own source
// (flags, a config file, a service mesh control plane, ...) into a
// map[string]any and calls NewOptions. That decode step is the only part
// of option handling the core owns; everything upstream of the map is the
// bootstrap layer's job and stays out of scope.
type Options struct {
	// ConnectionLimit is the global cap on concurrently admitted
	// connections ("L" in admission terms). Must be positive; NewOptions
	// rejects zero or a negative value.
	ConnectionLimit int32 `mapstructure:"connectionLimit"`

	// ConnectionsPerIPLimit is the per-networkID cap ("P" in admission terms).
	// Zero disables the per-IP cap.
	ConnectionsPerIPLimit int32 `mapstructure:"connectionsPerIpLimit"`

	// IOGranularity is the maximum number of bytes taken per read from the
	// socket.
	IOGranularity int `mapstructure:"ioGranularity"`

	// AllowedMethods is the set of HTTP method tokens the respond task
	// accepts without a 405.
	AllowedMethods []string `mapstructure:"allowedMethods"`

	// IsCompressionEnabled is read only by middleware sitting outside
	// this core; the core itself never compresses.
	IsCompressionEnabled bool `mapstructure:"isCompressionEnabled"`

	// IsInDebugMode switches the respond task's exception response
	// between a templated HTML trace page and the ErrorHandler path
	// page.
	IsInDebugMode bool `mapstructure:"isInDebugMode"`

	// IdleTimeout is the duration TimeoutCache.Renew extends a
	// connection's expiry by on every read/write.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	// StopDrainTimeout bounds how long Server.Stop waits for in-flight
	// responses to flush before force-closing stragglers.
	StopDrainTimeout time.Duration `mapstructure:"stopDrainTimeout"`
}

// DefaultOptions mirrors the defaults a production deployment of this
// runtime would ship with.
func DefaultOptions() *Options {
	return &Options{
		ConnectionLimit:       100000,
		ConnectionsPerIPLimit: 0,
		IOGranularity:         16 * 1024,
		AllowedMethods:        []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		IsInDebugMode:         false,
		IdleTimeout:           60 * time.Second,
		StopDrainTimeout:      10 * time.Second,
	}
}

// NewOptions decodes the enumerated, recognized keys out of raw (typically
// produced by an upstream flag/file/env layer the core never touches) into
// a validated Options, starting from DefaultOptions for any key raw omits.
func NewOptions(raw map[string]any) (*Options, error) {
	opts := DefaultOptions()
	if raw == nil {
		return opts, nil
	}
	// A supplied method list replaces the default one; decoding into the
	// non-nil default slice would only overwrite its leading entries.
	if _, ok := raw["allowedMethods"]; ok {
		opts.AllowedMethods = nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           opts,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) validate() error {
	if o.ConnectionLimit <= 0 {
		return errors.New("engine: connectionLimit must be positive")
	}
	if o.ConnectionsPerIPLimit < 0 {
		return errors.New("engine: connectionsPerIpLimit must not be negative")
	}
	if o.IOGranularity <= 0 {
		return errors.New("engine: ioGranularity must be positive")
	}
	if o.IdleTimeout <= 0 {
		return errors.New("engine: idleTimeout must be positive")
	}
	return nil
}

// allowedSet returns the configured allowed methods as a lookup set.
func (o *Options) allowedSet() map[string]bool {
	set := make(map[string]bool, len(o.AllowedMethods))
	for _, m := range o.AllowedMethods {
		set[m] = true
	}
	return set
}

// allowHeader renders the Allow header value from the configured methods,
// in the order they were configured.
func (o *Options) allowHeader() string {
	out := ""
	for i, m := range o.AllowedMethods {
		if i > 0 {
			out += ", "
		}
		out += m
	}
	return out
}
