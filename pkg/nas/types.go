// Package nas is the registry of Network Access Servers allowed to send
// accounting traffic.
package nas

import (
	"time"
)

// Status is the administrative state of a NAS.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance:
		return true
	}
	return false
}

// Option is a selectable value for dashboard forms.
type Option struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

var deviceTypes = []Option{
	{Value: "cisco", Label: "Cisco", Description: "Cisco routers and switches"},
	{Value: "hp", Label: "HP", Description: "HP ProCurve switches"},
	{Value: "aruba", Label: "Aruba", Description: "Aruba wireless controllers"},
	{Value: "juniper", Label: "Juniper", Description: "Juniper network devices"},
	{Value: "fortinet", Label: "Fortinet", Description: "Fortinet security appliances"},
	{Value: "other", Label: "Other", Description: "Other network devices"},
}

// ValidType reports whether t is a known device type.
func ValidType(t string) bool {
	for _, o := range deviceTypes {
		if o.Value == t {
			return true
		}
	}
	return false
}

// Device is a registered NAS. NASName is the NAS-Identifier or address the
// device reports in accounting traffic. Secret and Community are write
// only and never serialized.
type Device struct {
	ID          string     `json:"id"`
	NASName     string     `json:"nasname"`
	ShortName   string     `json:"shortname"`
	Type        string     `json:"type"`
	Ports       int        `json:"ports"`
	Secret      string     `json:"-"`
	Server      string     `json:"server"`
	Community   string     `json:"-"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	LastSeen    *time.Time `json:"lastSeen"`
	Location    string     `json:"location"`
	Contact     string     `json:"contact"`
	Clients     int        `json:"clients"`
	MaxClients  int        `json:"maxClients"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	return &c
}

// Matches reports whether identifier names this device.
func (d *Device) Matches(identifier string) bool {
	return identifier != "" && (d.NASName == identifier || d.ShortName == identifier)
}

// DeviceInput registers a device.
type DeviceInput struct {
	NASName     string
	ShortName   string
	Type        string
	Ports       int
	Secret      string
	Server      string
	Community   string
	Description string
	Status      Status
	Location    string
	Contact     string
	MaxClients  int
}

// DevicePatch updates the non-nil fields of a device. An empty Secret or
// Community keeps the stored value.
type DevicePatch struct {
	NASName     *string
	ShortName   *string
	Type        *string
	Ports       *int
	Secret      *string
	Server      *string
	Community   *string
	Description *string
	Status      *Status
	Location    *string
	Contact     *string
	MaxClients  *int
}

// Filter narrows List. Search matches nasname, shortname, description and
// location, case-insensitively.
type Filter struct {
	Search string
	Type   string
	Status Status
}

// RegistryConfig holds registry configuration.
type RegistryConfig struct {
	// FallbackSecret validates packets from unregistered sources. Empty
	// drops them.
	FallbackSecret string `json:"-"`

	// AcceptInactive also accepts accounting from inactive devices.
	AcceptInactive bool `json:"accept_inactive"`
}

// RegistryStats holds registry statistics.
type RegistryStats struct {
	Devices       int    `json:"devices"`
	Active        int    `json:"active"`
	SecretLookups uint64 `json:"secret_lookups"`
	SecretMisses  uint64 `json:"secret_misses"`
}
