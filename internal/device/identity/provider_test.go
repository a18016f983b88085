package identity

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
)

func fakeProvider(name string, files map[string]string) *Provider {
	p := NewProvider(name, nil)
	p.hostname = func() (string, error) { return "workstation", nil }
	p.release = func() (string, error) { return "6.1.0", nil }
	p.readFile = func(path string) ([]byte, error) {
		if v, ok := files[path]; ok {
			return []byte(v), nil
		}
		return nil, os.ErrNotExist
	}
	n := 0
	p.newID = func() string {
		n++
		return strings.Repeat("x", n)
	}
	return p
}

func TestDescribe(t *testing.T) {
	p := fakeProvider("", map[string]string{
		machineIDPath: "abc123\n",
		vendorPath:    "Google\n",
		productPath:   "Pixel 7\n",
	})
	info, err := p.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.Platform != runtime.GOOS {
		t.Errorf("Platform = %q, want %q", info.Platform, runtime.GOOS)
	}
	if info.DeviceName != "workstation" {
		t.Errorf("DeviceName = %q, want workstation", info.DeviceName)
	}
	if info.OS != runtime.GOOS+" 6.1.0" {
		t.Errorf("OS = %q", info.OS)
	}
	if info.Brand != "Google" || info.Model != "Pixel 7" {
		t.Errorf("Brand/Model = %q/%q", info.Brand, info.Model)
	}
	if info.Fingerprint != Fingerprint(runtime.GOOS, "workstation", "abc123") {
		t.Errorf("Fingerprint = %q", info.Fingerprint)
	}
}

func TestDescribe_DeviceIDFreshFingerprintStable(t *testing.T) {
	p := fakeProvider("", map[string]string{machineIDPath: "abc"})
	a, _ := p.Describe(context.Background())
	b, _ := p.Describe(context.Background())
	if a.DeviceID == b.DeviceID {
		t.Error("DeviceID should differ between calls")
	}
	if a.Fingerprint != b.Fingerprint {
		t.Error("Fingerprint should be stable")
	}
}

func TestDescribe_Fallbacks(t *testing.T) {
	p := fakeProvider("", nil)
	p.hostname = func() (string, error) { return "", errors.New("no hostname") }
	p.release = func() (string, error) { return "", errors.New("uname failed") }
	info, err := p.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.DeviceName != "Unknown Device" {
		t.Errorf("DeviceName = %q, want Unknown Device", info.DeviceName)
	}
	if info.OS != runtime.GOOS {
		t.Errorf("OS = %q, want %q", info.OS, runtime.GOOS)
	}
	if info.Brand != "" || info.Model != "" {
		t.Errorf("Brand/Model = %q/%q, want empty", info.Brand, info.Model)
	}
}

func TestDescribe_NameOverride(t *testing.T) {
	info, _ := fakeProvider("Pixel 7", nil).Describe(context.Background())
	if info.DeviceName != "Pixel 7" {
		t.Errorf("DeviceName = %q, want Pixel 7", info.DeviceName)
	}
}

func TestFingerprint(t *testing.T) {
	if len(Fingerprint("a")) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(Fingerprint("a")))
	}
	if Fingerprint("a", "b") == Fingerprint("ab") {
		t.Error("separator should distinguish part boundaries")
	}
}
