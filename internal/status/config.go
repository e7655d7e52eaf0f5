package status

import (
	"strconv"
	"strings"
	"time"

	"github.com/radarbase/statusagent/internal/source"
)

// Defaults applied by New when the configuration leaves them unset.
const (
	DefaultInterval        = time.Minute
	DefaultTimeSyncTimeout = 5 * time.Second
	DefaultName            = "statusagent"
)

// DefaultSourceType is the source type the aggregator registers itself as.
var DefaultSourceType = source.Type{
	Producer:       "RADAR",
	Model:          "application",
	CatalogVersion: "1.0.0",
}

// Setting keys understood by ConfigFromSettings.
const (
	SettingInterval         = "status_interval"
	SettingTimeZoneInterval = "status_tz_interval"
	SettingTimeSyncServer   = "ntp_server"
	SettingTimeSyncTimeout  = "ntp_timeout"
	SettingSendIP           = "send_ip"
	SettingAppVersion       = "app_version"
	SettingAppVersionCode   = "app_version_code"
	SettingPackageName      = "package_name"
	SettingName             = "source_name"
)

// Config configures an Aggregator.
type Config struct {
	Name             string
	Interval         time.Duration
	TimeZoneInterval time.Duration
	TimeSyncServer   string
	TimeSyncTimeout  time.Duration
	SendIP           bool
	AppVersion       string
	AppVersionCode   string
	PackageName      string
	SourceType       source.Type
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultName
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.TimeSyncTimeout <= 0 {
		c.TimeSyncTimeout = DefaultTimeSyncTimeout
	}
	if c.SourceType == (source.Type{}) {
		c.SourceType = DefaultSourceType
	}
	c.TimeSyncServer = strings.TrimSpace(c.TimeSyncServer)
	return c
}

// ConfigFromSettings builds a Config from the flat settings map a controller
// hands to the worker. Unknown keys are ignored and invalid values fall back
// to base.
func ConfigFromSettings(base Config, settings map[string]string) Config {
	cfg := base
	get := func(key string) (string, bool) {
		v, ok := settings[key]
		return strings.TrimSpace(v), ok
	}
	if v, ok := get(SettingName); ok && v != "" {
		cfg.Name = v
	}
	if v, ok := get(SettingInterval); ok {
		if d, ok := ParseDuration(v); ok && d > 0 {
			cfg.Interval = d
		}
	}
	if v, ok := get(SettingTimeZoneInterval); ok {
		if d, ok := ParseDuration(v); ok {
			cfg.TimeZoneInterval = d
		}
	}
	if v, ok := get(SettingTimeSyncServer); ok {
		cfg.TimeSyncServer = v
	}
	if v, ok := get(SettingTimeSyncTimeout); ok {
		if d, ok := ParseDuration(v); ok && d > 0 {
			cfg.TimeSyncTimeout = d
		}
	}
	if v, ok := get(SettingSendIP); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SendIP = b
		}
	}
	if v, ok := get(SettingAppVersion); ok && v != "" {
		cfg.AppVersion = v
	}
	if v, ok := get(SettingAppVersionCode); ok && v != "" {
		cfg.AppVersionCode = v
	}
	if v, ok := get(SettingPackageName); ok && v != "" {
		cfg.PackageName = v
	}
	return cfg
}

// ParseDuration accepts Go durations ("90s", "5m") and bare integers as
// seconds.
func ParseDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
