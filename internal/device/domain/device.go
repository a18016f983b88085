package domain

import "time"

// Info describes the device a session runs on. It is captured once at registration.
type Info struct {
	Platform    string
	DeviceName  string
	OS          string
	DeviceID    string
	Brand       string
	Model       string
	Fingerprint string
}

// UnknownName is used when the device name cannot be determined.
const UnknownName = "Unknown Device"

// Device is a device a user has signed in from, keyed by fingerprint.
type Device struct {
	Fingerprint string
	UserID      string
	DeviceName  string
	Platform    string
	OS          string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}
