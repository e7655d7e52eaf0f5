// Package devinfo reports the identity of the device and application the
// agent runs on.
package devinfo

import (
	"context"
	"strings"
	"time"

	"github.com/radarbase/statusagent/pkg/records"
)

// Identity is the device and application identity. It is comparable so it can
// be kept in a change cache.
type Identity struct {
	Manufacturer string
	Model        string
	OS           string
	OSVersion    string
	AppVersion   string
}

// Source computes the current identity.
type Source interface {
	Identity(ctx context.Context) (Identity, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Identity, error)

func (f SourceFunc) Identity(ctx context.Context) (Identity, error) { return f(ctx) }

// Static always returns the same identity.
type Static Identity

func (s Static) Identity(context.Context) (Identity, error) { return Identity(s), nil }

// Attribute keys used when registering the agent as a source.
const (
	AttrManufacturer    = "manufacturer"
	AttrModel           = "model"
	AttrOperatingSystem = "operatingSystem"
	AttrOSVersion       = "operatingSystemVersion"
	AttrAppVersion      = "appVersion"
	AttrAppVersionCode  = "appVersionCode"
	AttrPackageName     = "packageName"
)

// Attributes returns the static attribute map announced on registration.
// Empty values are left out.
func Attributes(id Identity, versionCode, packageName string) map[string]string {
	attrs := make(map[string]string, 7)
	for k, v := range map[string]string{
		AttrManufacturer:    id.Manufacturer,
		AttrModel:           id.Model,
		AttrOperatingSystem: id.OS,
		AttrOSVersion:       id.OSVersion,
		AttrAppVersion:      id.AppVersion,
		AttrAppVersionCode:  versionCode,
		AttrPackageName:     packageName,
	} {
		if v = strings.TrimSpace(v); v != "" {
			attrs[k] = v
		}
	}
	return attrs
}

// Record converts the identity into a device info record taken at t.
func (id Identity) Record(t time.Time) records.DeviceInfoRecord {
	return records.DeviceInfoRecord{
		Time:                   t,
		Manufacturer:           id.Manufacturer,
		Model:                  id.Model,
		OperatingSystem:        id.OS,
		OperatingSystemVersion: id.OSVersion,
		AppVersion:             id.AppVersion,
	}
}

// Persisted property keys.
const (
	keyManufacturer = "manufacturer"
	keyModel        = "model"
	keyOS           = "os"
	keyOSVersion    = "os_version"
	keyAppVersion   = "app_version"
)

// ToProps flattens the identity for the property store.
func (id Identity) ToProps() map[string]string {
	return map[string]string{
		keyManufacturer: id.Manufacturer,
		keyModel:        id.Model,
		keyOS:           id.OS,
		keyOSVersion:    id.OSVersion,
		keyAppVersion:   id.AppVersion,
	}
}

// FromProps restores an identity stored with ToProps. It reports false when
// no identity was stored.
func FromProps(props map[string]string) (Identity, bool) {
	id := Identity{
		Manufacturer: props[keyManufacturer],
		Model:        props[keyModel],
		OS:           props[keyOS],
		OSVersion:    props[keyOSVersion],
		AppVersion:   props[keyAppVersion],
	}
	return id, id != Identity{}
}
