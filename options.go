package statusagent

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/radarbase/statusagent/internal/status"
)

// Options configure the controller and the status worker.
type Options struct {
	Interval         time.Duration
	TimeZoneInterval time.Duration
	NTPServer        string
	NTPTimeout       time.Duration
	SendIP           bool

	DBPath    string
	PropsDir  string
	BusSocket string

	SourceName     string
	AppVersion     string
	AppVersionCode string
	PackageName    string

	MetricsAddr string

	UseADB    bool
	ADBSerial string
}

// DefaultBusSocket returns the broker socket path under the temp directory.
func DefaultBusSocket() string {
	return filepath.Join(os.TempDir(), DefaultSocketName)
}

// OptionsFromEnv reads Options from the environment, loading .env first.
func OptionsFromEnv() Options {
	return Options{
		Interval:         EnvDuration(EnvInterval, status.DefaultInterval),
		TimeZoneInterval: EnvDuration(EnvTimeZoneInterval, 0),
		NTPServer:        EnvString(EnvNTPServer, ""),
		NTPTimeout:       EnvDuration(EnvNTPTimeout, status.DefaultTimeSyncTimeout),
		SendIP:           EnvBool(EnvSendIP, false),
		DBPath:           EnvPath(EnvDBPath, ""),
		PropsDir:         EnvPath(EnvPropsDir, DefaultPropsDir),
		BusSocket:        EnvPath(EnvBusSocket, DefaultBusSocket()),
		SourceName:       EnvString(EnvSourceName, status.DefaultName),
		AppVersion:       EnvString(EnvAppVersion, ""),
		AppVersionCode:   EnvString(EnvAppVersionCode, ""),
		PackageName:      EnvString(EnvPackageName, ""),
		MetricsAddr:      EnvString(EnvMetricsAddr, ""),
		UseADB:           EnvBool(EnvADB, false),
		ADBSerial:        EnvString(EnvADBSerial, ""),
	}
}

// Settings flattens the sampling options into the settings map pushed to the
// worker on bind and on every configuration update.
func (o Options) Settings() map[string]string {
	settings := map[string]string{
		status.SettingInterval:         o.Interval.String(),
		status.SettingTimeZoneInterval: o.TimeZoneInterval.String(),
		status.SettingTimeSyncServer:   o.NTPServer,
		status.SettingTimeSyncTimeout:  o.NTPTimeout.String(),
		status.SettingSendIP:           strconv.FormatBool(o.SendIP),
	}
	for key, val := range map[string]string{
		status.SettingName:           o.SourceName,
		status.SettingAppVersion:     o.AppVersion,
		status.SettingAppVersionCode: o.AppVersionCode,
		status.SettingPackageName:    o.PackageName,
	} {
		if val != "" {
			settings[key] = val
		}
	}
	return settings
}

// StatusConfig returns the aggregator configuration the worker starts from
// before the controller settings are applied.
func (o Options) StatusConfig() status.Config {
	return status.Config{
		Name:             o.SourceName,
		Interval:         o.Interval,
		TimeZoneInterval: o.TimeZoneInterval,
		TimeSyncServer:   o.NTPServer,
		TimeSyncTimeout:  o.NTPTimeout,
		SendIP:           o.SendIP,
		AppVersion:       o.AppVersion,
		AppVersionCode:   o.AppVersionCode,
		PackageName:      o.PackageName,
	}
}
