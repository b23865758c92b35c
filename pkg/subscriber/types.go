// Package subscriber manages RADIUS users and user groups.
package subscriber

import (
	"time"
)

// Status is the administrative state of a user account.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// User is a RADIUS subscriber account. PasswordHash never leaves the
// process; SessionTime and DataUsage are filled from accounting data by
// the caller.
type User struct {
	ID             string            `json:"id"`
	Username       string            `json:"username"`
	PasswordHash   string            `json:"-"`
	FirstName      string            `json:"firstName"`
	LastName       string            `json:"lastName"`
	Email          string            `json:"email"`
	Phone          string            `json:"phone"`
	Address        string            `json:"address"`
	Group          string            `json:"group"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastLogin      *time.Time        `json:"lastLogin"`
	SessionTime    int64             `json:"sessionTime"`
	DataUsage      uint64            `json:"dataUsage"`
	BandwidthLimit int64             `json:"bandwidthLimit"`
	Attributes     map[string]string `json:"attributes"`
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	c.Attributes = cloneAttributes(u.Attributes)
	return &c
}

// UserInput creates a user.
type UserInput struct {
	Username       string
	Password       string
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	Address        string
	Group          string
	Status         Status
	BandwidthLimit int64
	Attributes     map[string]string
}

// UserPatch updates the non-nil fields of a user.
type UserPatch struct {
	Username       *string
	Password       *string
	FirstName      *string
	LastName       *string
	Email          *string
	Phone          *string
	Address        *string
	Group          *string
	Status         *Status
	BandwidthLimit *int64
	Attributes     map[string]string
}

// UserFilter narrows ListUsers. Search matches username, names and email,
// case-insensitively.
type UserFilter struct {
	Search string
	Group  string
	Status Status
}

// Group is a named set of RADIUS reply attributes shared by users.
type Group struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
	UserCount   int               `json:"userCount"`
	BuiltIn     bool              `json:"builtIn"`
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Attributes = cloneAttributes(g.Attributes)
	return &c
}

// GroupInput creates a group.
type GroupInput struct {
	Name        string
	Description string
	Attributes  map[string]string
}

// GroupPatch updates the non-nil fields of a group.
type GroupPatch struct {
	Name        *string
	Description *string
	Attributes  map[string]string
}

// Option is a selectable value for dashboard forms.
type Option struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// EventType names a change to a user or group.
type EventType string

const (
	EventUserCreate    EventType = "user_create"
	EventUserUpdate    EventType = "user_update"
	EventUserDelete    EventType = "user_delete"
	EventUserStatus    EventType = "user_status"
	EventPasswordReset EventType = "password_reset"
	EventGroupCreate   EventType = "group_create"
	EventGroupUpdate   EventType = "group_update"
	EventGroupDelete   EventType = "group_delete"
)

// Event describes one change.
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// ManagerConfig holds manager configuration.
type ManagerConfig struct {
	// MinPasswordLength applies to creation and reset.
	MinPasswordLength int `json:"min_password_length"`

	// DefaultGroup is assigned when a user is created without one.
	DefaultGroup string `json:"default_group"`

	// MaxUsers caps the number of accounts; zero is unlimited.
	MaxUsers int `json:"max_users"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MinPasswordLength: 6,
		DefaultGroup:      "basic",
	}
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	Users          int   `json:"users"`
	ActiveUsers    int   `json:"active_users"`
	SuspendedUsers int   `json:"suspended_users"`
	Groups         int   `json:"groups"`
	UsersCreated   int64 `json:"users_created"`
	UsersDeleted   int64 `json:"users_deleted"`
	Logins         int64 `json:"logins"`
}

func cloneAttributes(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
