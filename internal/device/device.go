// Package device defines the periodic device telemetry record collected by
// the device data uploader.
package device

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"
	_ "time/tzdata"
)

// UploaderIdentifier namespaces the device data buffers in the store.
const UploaderIdentifier = "device_data"

// NoWiFi is reported instead of a hashed SSID when the device is on cellular data.
const NoWiFi = "no-wifi"

// UnknownBatteryLevel marks a device that cannot report its battery level.
const UnknownBatteryLevel = -1

// Location permission states.
const (
	PermissionGranted      = "granted"
	PermissionDenied       = "denied"
	PermissionRestricted   = "restricted"
	PermissionUndetermined = "undetermined"
)

var validPermissions = map[string]bool{
	PermissionGranted:      true,
	PermissionDenied:       true,
	PermissionRestricted:   true,
	PermissionUndetermined: true,
}

// Data is one device telemetry sample.
type Data struct {
	BatteryLevel       float64  `json:"battery_level"`
	Longitude          *float64 `json:"longitude"`
	Latitude           *float64 `json:"latitude"`
	LocationPermission string   `json:"location_permission"`
	Timezone           string   `json:"time_zone"`
	HashedSSID         *string  `json:"hashed_ssid"`
	// Timestamp is seconds since the Unix epoch.
	Timestamp float64 `json:"timestamp"`
}

// Time returns the sample timestamp.
func (d Data) Time() time.Time {
	sec, frac := math.Modf(d.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Timestamp converts t to the record's timestamp representation.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// HashSSID returns the lowercase hex SHA-512 digest of ssid. The NoWiFi marker
// and the empty string are returned unchanged.
func HashSSID(ssid string) string {
	if ssid == "" || ssid == NoWiFi {
		return ssid
	}
	sum := sha512.Sum512([]byte(ssid))
	return hex.EncodeToString(sum[:])
}

// Validate reports the first problem with the sample, if any.
func (d Data) Validate() error {
	if d.BatteryLevel != UnknownBatteryLevel && (d.BatteryLevel < 0 || d.BatteryLevel > 1) {
		return fmt.Errorf("battery level must be in [0,1] or %d, got %v", UnknownBatteryLevel, d.BatteryLevel)
	}
	if (d.Latitude == nil) != (d.Longitude == nil) {
		return errors.New("latitude and longitude must be set together")
	}
	if d.Latitude != nil && (*d.Latitude < -90 || *d.Latitude > 90) {
		return fmt.Errorf("latitude out of range: %v", *d.Latitude)
	}
	if d.Longitude != nil && (*d.Longitude < -180 || *d.Longitude > 180) {
		return fmt.Errorf("longitude out of range: %v", *d.Longitude)
	}
	if !validPermissions[d.LocationPermission] {
		return fmt.Errorf("unknown location permission %q", d.LocationPermission)
	}
	if d.Timezone == "" {
		return errors.New("time zone is required")
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", d.Timezone, err)
	}
	if d.Timestamp <= 0 {
		return errors.New("timestamp is required")
	}
	return nil
}
