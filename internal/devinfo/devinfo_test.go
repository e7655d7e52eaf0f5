package devinfo

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
)

type stubProps struct {
	serials []string
	props   map[string]map[string]string
	listErr error
}

func (s *stubProps) ListDevices(context.Context) ([]string, error) {
	return s.serials, s.listErr
}

func (s *stubProps) GetProp(_ context.Context, serial, name string) (string, error) {
	dev, ok := s.props[serial]
	if !ok {
		return "", errors.New("device not found")
	}
	return dev[name], nil
}

func TestADBIdentityUsesFirstDevice(t *testing.T) {
	props := &stubProps{
		serials: []string{"emulator-5554", "other"},
		props: map[string]map[string]string{
			"emulator-5554": {
				"ro.product.manufacturer":  "Google",
				"ro.product.model":         "Pixel 7",
				"ro.build.version.release": "14",
			},
		},
	}
	src := &ADB{Props: props, AppVersion: "1.2.0"}
	id, err := src.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	want := Identity{Manufacturer: "Google", Model: "Pixel 7", OS: "Android", OSVersion: "14", AppVersion: "1.2.0"}
	if id != want {
		t.Fatalf("expected %+v, got %+v", want, id)
	}
}

func TestADBIdentityWithoutDevices(t *testing.T) {
	src := &ADB{Props: &stubProps{}}
	if _, err := src.Identity(context.Background()); err == nil {
		t.Fatal("expected error without devices")
	}
}

func TestHostIdentity(t *testing.T) {
	h := NewHost("2.0.0")
	h.info = func(context.Context) (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: "box", OS: "linux", Platform: "ubuntu", PlatformVersion: "24.04", KernelVersion: "6.8"}, nil
	}
	h.readFile = func(string) (string, error) { return "", errors.New("no dmi") }

	id, err := h.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if id.OS != "ubuntu" || id.OSVersion != "24.04" || id.AppVersion != "2.0.0" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.Model == "" {
		t.Fatal("expected model fallback")
	}
}

func TestHostIdentityError(t *testing.T) {
	h := NewHost("1")
	h.info = func(context.Context) (*host.InfoStat, error) { return nil, errors.New("boom") }
	if _, err := h.Identity(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPropsRoundTrip(t *testing.T) {
	id := Identity{Manufacturer: "Acme", Model: "X1", OS: "linux", OSVersion: "6", AppVersion: "1.0"}
	back, ok := FromProps(id.ToProps())
	if !ok || back != id {
		t.Fatalf("expected %+v, got %+v ok=%v", id, back, ok)
	}
	if _, ok := FromProps(map[string]string{}); ok {
		t.Fatal("empty props must not yield an identity")
	}
}

func TestAttributesSkipEmpty(t *testing.T) {
	attrs := Attributes(Identity{Manufacturer: "Acme", Model: "X1"}, "12", "")
	if attrs[AttrManufacturer] != "Acme" || attrs[AttrAppVersionCode] != "12" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs[AttrPackageName]; ok {
		t.Fatal("empty package name must be left out")
	}
}
