package records

import (
	"strings"

	"github.com/pkg/errors"
)

// ConnectionStatus is the state reported by the upload subsystem over the event bus.
type ConnectionStatus int

const (
	ConnectionUnknown ConnectionStatus = iota
	ConnectionConnected
	ConnectionReady
	ConnectionUploading
	ConnectionDisconnected
	ConnectionDisabled
	ConnectionUploadFailed
	ConnectionConnecting
	ConnectionUnauthorized
)

var connectionNames = map[ConnectionStatus]string{
	ConnectionUnknown:      "unknown",
	ConnectionConnected:    "connected",
	ConnectionReady:        "ready",
	ConnectionUploading:    "uploading",
	ConnectionDisconnected: "disconnected",
	ConnectionDisabled:     "disabled",
	ConnectionUploadFailed: "upload-failed",
	ConnectionConnecting:   "connecting",
	ConnectionUnauthorized: "unauthorized",
}

func (c ConnectionStatus) String() string {
	if name, ok := connectionNames[c]; ok {
		return name
	}
	return connectionNames[ConnectionUnknown]
}

// ServerStatus collapses the connection status into the three recorded states.
func (c ConnectionStatus) ServerStatus() ServerStatus {
	switch c {
	case ConnectionConnected, ConnectionReady, ConnectionUploading:
		return ServerConnected
	case ConnectionDisconnected, ConnectionDisabled, ConnectionUploadFailed:
		return ServerDisconnected
	default:
		return ServerUnknown
	}
}

// ParseConnectionStatus accepts the names returned by String, case-insensitively.
func ParseConnectionStatus(s string) (ConnectionStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for status, name := range connectionNames {
		if name == s {
			return status, nil
		}
	}
	return ConnectionUnknown, errors.Errorf("unknown connection status %q", s)
}
