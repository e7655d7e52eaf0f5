package statusagent

// Environment variables read by OptionsFromEnv. Command-line flags take
// precedence over them.
const (
	EnvInterval         = "STATUS_INTERVAL"
	EnvTimeZoneInterval = "STATUS_TZ_INTERVAL"
	EnvNTPServer        = "STATUS_NTP_SERVER"
	EnvNTPTimeout       = "STATUS_NTP_TIMEOUT"
	EnvSendIP           = "STATUS_SEND_IP"
	EnvDBPath           = "STATUS_DB_PATH"
	EnvPropsDir         = "STATUS_PROPS_DIR"
	EnvBusSocket        = "STATUS_BUS_SOCKET"
	EnvAppVersion       = "STATUS_APP_VERSION"
	EnvAppVersionCode   = "STATUS_APP_VERSION_CODE"
	EnvPackageName      = "STATUS_PACKAGE_NAME"
	EnvSourceName       = "STATUS_SOURCE_NAME"
	EnvMetricsAddr      = "STATUS_METRICS_ADDR"
	// EnvADB switches the device identity to the first adb-attached device.
	EnvADB       = "STATUS_ADB"
	EnvADBSerial = "STATUS_ADB_SERIAL"
)

// Defaults for the values above.
const (
	DefaultPropsDir   = "~/.statusagent/props"
	DefaultSocketName = "statusagent.sock"
	// WorkerType names the status worker in the binding registry.
	WorkerType = "status"
)
