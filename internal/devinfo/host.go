package devinfo

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/host"
)

// Host reads the identity of the machine the agent runs on.
type Host struct {
	AppVersion string

	info     func(ctx context.Context) (*host.InfoStat, error)
	readFile func(path string) (string, error)
}

func NewHost(appVersion string) *Host {
	return &Host{
		AppVersion: appVersion,
		info:       host.InfoWithContext,
		readFile:   readSystemFile,
	}
}

func (h *Host) Identity(ctx context.Context) (Identity, error) {
	info, err := h.info(ctx)
	if err != nil {
		return Identity{}, errors.Wrap(err, "devinfo: read host info failed")
	}
	id := Identity{
		OS:         firstNonEmpty(info.Platform, info.OS, runtime.GOOS),
		OSVersion:  firstNonEmpty(info.PlatformVersion, info.KernelVersion),
		AppVersion: h.AppVersion,
	}
	if runtime.GOOS == "linux" {
		id.Manufacturer, _ = h.readFile("/sys/class/dmi/id/sys_vendor")
		id.Model, _ = h.readFile("/sys/class/dmi/id/product_name")
	}
	if id.Manufacturer == "" && runtime.GOOS == "darwin" {
		id.Manufacturer = "Apple"
	}
	if id.Model == "" {
		id.Model = info.Hostname
	}
	return id, nil
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
