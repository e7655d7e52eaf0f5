package devinfo

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// PropReader reads Android system properties, e.g. *adb.Provider.
type PropReader interface {
	ListDevices(ctx context.Context) ([]string, error)
	GetProp(ctx context.Context, serial, name string) (string, error)
}

// ADB reads the identity of an adb-attached Android device. An empty Serial
// selects the first online device.
type ADB struct {
	Props      PropReader
	Serial     string
	AppVersion string
}

func (a *ADB) Identity(ctx context.Context) (Identity, error) {
	serial := strings.TrimSpace(a.Serial)
	if serial == "" {
		serials, err := a.Props.ListDevices(ctx)
		if err != nil {
			return Identity{}, errors.Wrap(err, "devinfo: list adb devices failed")
		}
		if len(serials) == 0 {
			return Identity{}, errors.New("devinfo: no adb device online")
		}
		serial = serials[0]
	}

	id := Identity{OS: "Android", AppVersion: a.AppVersion}
	for _, p := range []struct {
		name string
		dst  *string
	}{
		{"ro.product.manufacturer", &id.Manufacturer},
		{"ro.product.model", &id.Model},
		{"ro.build.version.release", &id.OSVersion},
	} {
		val, err := a.Props.GetProp(ctx, serial, p.name)
		if err != nil {
			return Identity{}, errors.Wrapf(err, "devinfo: read %s", p.name)
		}
		*p.dst = val
	}
	return id, nil
}
