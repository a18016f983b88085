// Package identity describes the local device: platform, name, OS release and a stable fingerprint.
package identity

import (
	"context"
	"encoding/hex"
	"os"
	"runtime"
	"strings"

	"presence-agent/internal/device/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	machineIDPath = "/etc/machine-id"
	vendorPath    = "/sys/class/dmi/id/sys_vendor"
	productPath   = "/sys/class/dmi/id/product_name"
)

// Provider returns the device descriptor attached to new sessions. Describe never fails: anything that
// cannot be probed falls back to a default.
type Provider struct {
	nameOverride string
	logger       *zap.Logger

	hostname func() (string, error)
	release  func() (string, error)
	readFile func(string) ([]byte, error)
	newID    func() string
}

// NewProvider returns a Provider. nameOverride, when set, replaces the hostname as the device name.
func NewProvider(nameOverride string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		nameOverride: nameOverride,
		logger:       logger.Named("device"),
		hostname:     os.Hostname,
		release:      kernelRelease,
		readFile:     os.ReadFile,
		newID:        uuid.NewString,
	}
}

// Describe probes the device. DeviceID is freshly generated per call; Fingerprint is stable.
func (p *Provider) Describe(_ context.Context) (domain.Info, error) {
	info := domain.Info{
		Platform: runtime.GOOS,
		OS:       runtime.GOOS,
		DeviceID: p.newID(),
	}
	host, err := p.hostname()
	if err != nil {
		p.logger.Warn("hostname unavailable", zap.Error(err))
		host = ""
	}
	switch {
	case p.nameOverride != "":
		info.DeviceName = p.nameOverride
	case host != "":
		info.DeviceName = host
	default:
		info.DeviceName = domain.UnknownName
	}
	if rel, err := p.release(); err != nil {
		p.logger.Debug("kernel release unavailable", zap.Error(err))
	} else if rel != "" {
		info.OS = runtime.GOOS + " " + rel
	}
	info.Brand = p.readTrimmed(vendorPath)
	info.Model = p.readTrimmed(productPath)
	info.Fingerprint = Fingerprint(info.Platform, host, p.readTrimmed(machineIDPath))
	return info, nil
}

func (p *Provider) readTrimmed(path string) string {
	b, err := p.readFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Fingerprint hashes the identifying parts of a device with BLAKE2b-256.
func Fingerprint(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
