package records

import "time"

// Record is a typed, timestamped status fact written once to the upload queue.
type Record interface {
	Timestamp() time.Time
}

// ServerStatus is the coarse connectivity state written to the server status stream.
type ServerStatus string

const (
	ServerConnected    ServerStatus = "CONNECTED"
	ServerDisconnected ServerStatus = "DISCONNECTED"
	ServerUnknown      ServerStatus = "UNKNOWN"
)

// ServerStatusRecord reports whether the uploader can reach its server.
type ServerStatusRecord struct {
	Time      time.Time    `json:"time"`
	Status    ServerStatus `json:"server_status"`
	IPAddress string       `json:"ip_address,omitempty"`
}

func (r ServerStatusRecord) Timestamp() time.Time { return r.Time }

// UptimeRecord reports the seconds elapsed since the aggregator was created.
type UptimeRecord struct {
	Time          time.Time `json:"time"`
	UptimeSeconds float64   `json:"uptime"`
}

func (r UptimeRecord) Timestamp() time.Time { return r.Time }

// RecordCountsRecord reports the local upload backlog.
type RecordCountsRecord struct {
	Time          time.Time `json:"time"`
	RecordsCached int64     `json:"records_cached"`
	RecordsSent   int64     `json:"records_sent"`
	RecordsUnsent int64     `json:"records_unsent"`
}

func (r RecordCountsRecord) Timestamp() time.Time { return r.Time }

// ExternalTimeRecord reports one round-trip query against a time server.
type ExternalTimeRecord struct {
	Time          time.Time `json:"time"`
	ExternalTime  time.Time `json:"external_time"`
	OffsetSeconds float64   `json:"offset"`
	Host          string    `json:"host"`
	Protocol      string    `json:"protocol"`
	DelaySeconds  float64   `json:"delay"`
}

func (r ExternalTimeRecord) Timestamp() time.Time { return r.Time }

// DeviceInfoRecord reports the device and application identity.
type DeviceInfoRecord struct {
	Time                   time.Time `json:"time"`
	Manufacturer           string    `json:"manufacturer"`
	Model                  string    `json:"model"`
	OperatingSystem        string    `json:"operating_system"`
	OperatingSystemVersion string    `json:"operating_system_version"`
	AppVersion             string    `json:"app_version"`
}

func (r DeviceInfoRecord) Timestamp() time.Time { return r.Time }

// TimeZoneRecord reports the local UTC offset.
type TimeZoneRecord struct {
	Time          time.Time `json:"time"`
	OffsetSeconds int       `json:"offset"`
}

func (r TimeZoneRecord) Timestamp() time.Time { return r.Time }
