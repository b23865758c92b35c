package subscriber

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

var builtinGroups = []Group{
	{ID: "basic", Name: "basic", Description: "Basic internet access"},
	{ID: "standard", Name: "standard", Description: "Standard internet with higher speeds"},
	{ID: "premium", Name: "premium", Description: "Premium internet with unlimited data"},
	{ID: "business", Name: "business", Description: "Business-grade internet service"},
	{ID: "admin", Name: "admin", Description: "Administrative access"},
}

// EventHandler is called after a user or group changes.
type EventHandler func(event *Event)

// Manager owns user accounts and groups.
type Manager struct {
	config   ManagerConfig
	logger   *zap.Logger
	handlers []EventHandler
	now      func() time.Time

	mu         sync.RWMutex
	users      map[string]*User  // ID -> User
	byUsername map[string]string // username -> ID
	groups     map[string]*Group // ID -> Group
	byName     map[string]string // group name -> ID

	stats ManagerStats
}

// NewManager creates a manager seeded with the built-in groups.
func NewManager(config ManagerConfig, logger *zap.Logger) *Manager {
	defaults := DefaultManagerConfig()
	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = defaults.MinPasswordLength
	}
	if config.DefaultGroup == "" {
		config.DefaultGroup = defaults.DefaultGroup
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:     config,
		logger:     logger,
		now:        time.Now,
		users:      make(map[string]*User),
		byUsername: make(map[string]string),
		groups:     make(map[string]*Group),
		byName:     make(map[string]string),
	}
	for _, g := range builtinGroups {
		g := g.Clone()
		g.BuiltIn = true
		m.groups[g.ID] = g
		m.byName[g.Name] = g.ID
	}
	return m
}

// OnEvent registers an event handler.
func (m *Manager) OnEvent(handler EventHandler) {
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) emitEvent(event *Event) {
	for _, handler := range m.handlers {
		handler(event)
	}
}

// ListUsers returns matching users ordered by username.
func (m *Manager) ListUsers(ctx context.Context, f UserFilter) ([]*User, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.InvalidArgument("unknown user status %q", f.Status)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))

	m.mu.RLock()
	result := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		if f.Group != "" && u.Group != f.Group {
			continue
		}
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if search != "" && !matchesSearch(u, search) {
			continue
		}
		result = append(result, u.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(result, func(a, b *User) int { return cmp.Compare(a.Username, b.Username) })
	return result, nil
}

func matchesSearch(u *User, search string) bool {
	for _, field := range []string{u.Username, u.FirstName, u.LastName, u.Email} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// GetUser returns a user by ID.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return u.Clone(), nil
}

// GetUserByUsername returns a user by username.
func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[username]
	if !ok {
		return nil, apperr.NotFound("user", username)
	}
	return m.users[id].Clone(), nil
}

// CreateUser adds an account. The username must be unique.
func (m *Manager) CreateUser(ctx context.Context, in UserInput) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, apperr.InvalidArgument("username is required")
	}
	if err := m.checkPassword(in.Password); err != nil {
		return nil, err
	}
	if err := checkAttributes(in.Attributes); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if !in.Status.Valid() {
		return nil, apperr.InvalidArgument("unknown user status %q", in.Status)
	}
	if in.Group == "" {
		in.Group = m.config.DefaultGroup
	}

	// Hash outside the lock.
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.config.MaxUsers > 0 && len(m.users) >= m.config.MaxUsers {
		m.mu.Unlock()
		return nil, apperr.Conflict("maximum number of users (%d) reached", m.config.MaxUsers)
	}
	if _, exists := m.byUsername[in.Username]; exists {
		m.mu.Unlock()
		return nil, apperr.Conflict("username %q already exists", in.Username)
	}
	if _, ok := m.byName[in.Group]; !ok {
		m.mu.Unlock()
		return nil, apperr.InvalidArgument("unknown group %q", in.Group)
	}

	now := m.now().UTC()
	user := &User{
		ID:             uuid.New().String(),
		Username:       in.Username,
		PasswordHash:   hash,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Email:          in.Email,
		Phone:          in.Phone,
		Address:        in.Address,
		Group:          in.Group,
		Status:         in.Status,
		CreatedAt:      now,
		BandwidthLimit: in.BandwidthLimit,
		Attributes:     cloneAttributes(in.Attributes),
	}
	m.users[user.ID] = user
	m.byUsername[user.Username] = user.ID
	m.stats.UsersCreated++
	out := user.Clone()
	m.mu.Unlock()

	m.logger.Info("User created",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("group", user.Group),
	)
	m.emitEvent(&Event{Type: EventUserCreate, ID: user.ID, Name: user.Username, Timestamp: now})

	return out, nil
}

// UpdateUser applies the set fields of patch.
func (m *Manager) UpdateUser(ctx context.Context, id string, patch UserPatch) (*User, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperr.InvalidArgument("unknown user status %q", *patch.Status)
	}
	if patch.Username != nil && strings.TrimSpace(*patch.Username) == "" {
		return nil, apperr.InvalidArgument("username must not be empty")
	}
	if err := checkAttributes(patch.Attributes); err != nil {
		return nil, err
	}

	var hash string
	if patch.Password != nil && *patch.Password != "" {
		if err := m.checkPassword(*patch.Password); err != nil {
			return nil, err
		}
		var err error
		if hash, err = HashPassword(*patch.Password); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	user, ok := m.users[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.NotFound("user", id)
	}

	if patch.Group != nil {
		if _, ok := m.byName[*patch.Group]; !ok {
			m.mu.Unlock()
			return nil, apperr.InvalidArgument("unknown group %q", *patch.Group)
		}
	}
	if patch.Username != nil {
		name := strings.TrimSpace(*patch.Username)
		if other, exists := m.byUsername[name]; exists && other != id {
			m.mu.Unlock()
			return nil, apperr.Conflict("username %q already exists", name)
		}
		delete(m.byUsername, user.Username)
		user.Username = name
		m.byUsername[name] = id
	}
	setIf(&user.Group, patch.Group)
	if hash != "" {
		user.PasswordHash = hash
	}
	setIf(&user.FirstName, patch.FirstName)
	setIf(&user.LastName, patch.LastName)
	setIf(&user.Email, patch.Email)
	setIf(&user.Phone, patch.Phone)
	setIf(&user.Address, patch.Address)
	setIf(&user.Status, patch.Status)
	setIf(&user.BandwidthLimit, patch.BandwidthLimit)
	if patch.Attributes != nil {
		user.Attributes = cloneAttributes(patch.Attributes)
	}
	out := user.Clone()
	m.mu.Unlock()

	m.logger.Info("User updated", zap.String("user_id", id), zap.String("username", out.Username))
	m.emitEvent(&Event{Type: EventUserUpdate, ID: id, Name: out.Username, Timestamp: m.now().UTC()})

	return out, nil
}

// DeleteUser removes an account.
func (m *Manager) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	user, ok := m.users[id]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("user", id)
	}
	delete(m.users, id)
	delete(m.byUsername, user.Username)
	m.stats.UsersDeleted++
	m.mu.Unlock()

	m.logger.Info("User deleted", zap.String("user_id", id), zap.String("username", user.Username))
	m.emitEvent(&Event{Type: EventUserDelete, ID: id, Name: user.Username, Timestamp: m.now().UTC()})
	return nil
}

// ResetPassword replaces a user's password.
func (m *Manager) ResetPassword(ctx context.Context, id, password string) error {
	if err := m.checkPassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	user, ok := m.users[id]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("user", id)
	}
	user.PasswordHash = hash
	username := user.Username
	m.mu.Unlock()

	m.logger.Info("User password reset", zap.String("user_id", id), zap.String("username", username))
	m.emitEvent(&Event{Type: EventPasswordReset, ID: id, Name: username, Timestamp: m.now().UTC()})
	return nil
}

// SetStatus changes the administrative status of a user.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) (*User, error) {
	if !status.Valid() {
		return nil, apperr.InvalidArgument("unknown user status %q", status)
	}

	m.mu.Lock()
	user, ok := m.users[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.NotFound("user", id)
	}
	old := user.Status
	user.Status = status
	out := user.Clone()
	m.mu.Unlock()

	if old != status {
		m.logger.Info("User status changed",
			zap.String("user_id", id),
			zap.String("old_status", string(old)),
			zap.String("new_status", string(status)),
		)
		m.emitEvent(&Event{
			Type:      EventUserStatus,
			ID:        id,
			Name:      out.Username,
			Timestamp: m.now().UTC(),
			Details:   fmt.Sprintf("%s -> %s", old, status),
		})
	}
	return out, nil
}

// Authenticate checks a username and password against an active account.
func (m *Manager) Authenticate(ctx context.Context, username, password string) error {
	m.mu.RLock()
	id, ok := m.byUsername[username]
	var hash string
	var status Status
	if ok {
		hash = m.users[id].PasswordHash
		status = m.users[id].Status
	}
	m.mu.RUnlock()

	if !ok {
		return apperr.NotFound("user", username)
	}
	if status != StatusActive {
		return apperr.InvalidArgument("user %s is %s", username, status)
	}
	match, err := VerifyPassword(hash, password)
	if err != nil {
		return err
	}
	if !match {
		return apperr.InvalidArgument("invalid password for user %s", username)
	}
	return nil
}

// RecordLogin sets lastLogin for username. Later logins never move it
// backwards.
func (m *Manager) RecordLogin(ctx context.Context, username string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUsername[username]
	if !ok {
		return apperr.NotFound("user", username)
	}
	user := m.users[id]
	at = at.UTC()
	if user.LastLogin == nil || at.After(*user.LastLogin) {
		user.LastLogin = &at
	}
	m.stats.Logins++
	return nil
}

// CountUsers returns the number of accounts.
func (m *Manager) CountUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// ListGroups returns every group with its member count, ordered by name.
func (m *Manager) ListGroups(ctx context.Context) []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := m.groupCounts()
	result := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		c := g.Clone()
		c.UserCount = counts[g.Name]
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b *Group) int { return cmp.Compare(a.Name, b.Name) })
	return result
}

// GroupOptions lists groups as form options.
func (m *Manager) GroupOptions(ctx context.Context) []Option {
	groups := m.ListGroups(ctx)
	options := make([]Option, len(groups))
	for i, g := range groups {
		options[i] = Option{Value: g.Name, Label: label(g.Name), Description: g.Description}
	}
	return options
}

// GetGroup returns a group by ID.
func (m *Manager) GetGroup(ctx context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, apperr.NotFound("group", id)
	}
	c := g.Clone()
	c.UserCount = m.groupCounts()[g.Name]
	return c, nil
}

// CreateGroup adds a group. Names are unique.
func (m *Manager) CreateGroup(ctx context.Context, in GroupInput) (*Group, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.InvalidArgument("group name is required")
	}
	if err := checkAttributes(in.Attributes); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.byName[in.Name]; exists {
		m.mu.Unlock()
		return nil, apperr.Conflict("group %q already exists", in.Name)
	}
	g := &Group{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		Attributes:  cloneAttributes(in.Attributes),
	}
	m.groups[g.ID] = g
	m.byName[g.Name] = g.ID
	out := g.Clone()
	m.mu.Unlock()

	m.logger.Info("Group created", zap.String("group_id", g.ID), zap.String("name", g.Name))
	m.emitEvent(&Event{Type: EventGroupCreate, ID: g.ID, Name: g.Name, Timestamp: m.now().UTC()})
	return out, nil
}

// UpdateGroup applies the set fields of patch. Renaming moves every member
// to the new name; built-in groups cannot be renamed.
func (m *Manager) UpdateGroup(ctx context.Context, id string, patch GroupPatch) (*Group, error) {
	if err := checkAttributes(patch.Attributes); err != nil {
		return nil, err
	}

	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.NotFound("group", id)
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			m.mu.Unlock()
			return nil, apperr.InvalidArgument("group name must not be empty")
		}
		if name != g.Name {
			if g.BuiltIn {
				m.mu.Unlock()
				return nil, apperr.Conflict("built-in group %q cannot be renamed", g.Name)
			}
			if _, exists := m.byName[name]; exists {
				m.mu.Unlock()
				return nil, apperr.Conflict("group %q already exists", name)
			}
			for _, u := range m.users {
				if u.Group == g.Name {
					u.Group = name
				}
			}
			delete(m.byName, g.Name)
			g.Name = name
			m.byName[name] = id
		}
	}
	setIf(&g.Description, patch.Description)
	if patch.Attributes != nil {
		g.Attributes = cloneAttributes(patch.Attributes)
	}
	out := g.Clone()
	out.UserCount = m.groupCounts()[g.Name]
	m.mu.Unlock()

	m.logger.Info("Group updated", zap.String("group_id", id), zap.String("name", out.Name))
	m.emitEvent(&Event{Type: EventGroupUpdate, ID: id, Name: out.Name, Timestamp: m.now().UTC()})
	return out, nil
}

// DeleteGroup removes an unused, non built-in group.
func (m *Manager) DeleteGroup(ctx context.Context, id string) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("group", id)
	}
	if g.BuiltIn {
		m.mu.Unlock()
		return apperr.Conflict("built-in group %q cannot be deleted", g.Name)
	}
	if n := m.groupCounts()[g.Name]; n > 0 {
		m.mu.Unlock()
		return apperr.Conflict("group %q still has %d users", g.Name, n)
	}
	delete(m.groups, id)
	delete(m.byName, g.Name)
	m.mu.Unlock()

	m.logger.Info("Group deleted", zap.String("group_id", id), zap.String("name", g.Name))
	m.emitEvent(&Event{Type: EventGroupDelete, ID: id, Name: g.Name, Timestamp: m.now().UTC()})
	return nil
}

// Stats returns manager statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.Users = len(m.users)
	stats.Groups = len(m.groups)
	for _, u := range m.users {
		switch u.Status {
		case StatusActive:
			stats.ActiveUsers++
		case StatusSuspended:
			stats.SuspendedUsers++
		}
	}
	return stats
}

// groupCounts counts users per group name. Caller holds mu.
func (m *Manager) groupCounts() map[string]int {
	counts := make(map[string]int, len(m.groups))
	for _, u := range m.users {
		counts[u.Group]++
	}
	return counts
}

func (m *Manager) checkPassword(password string) error {
	if len(password) < m.config.MinPasswordLength {
		return apperr.InvalidArgument("password must be at least %d characters", m.config.MinPasswordLength)
	}
	return nil
}

// checkAttributes refuses credential attributes (Cleartext-Password,
// NT-Password and the like). Attributes are returned on every read, and
// passwords are only ever stored hashed.
func checkAttributes(attrs map[string]string) error {
	for name := range attrs {
		if strings.Contains(strings.ToLower(name), "password") {
			return apperr.InvalidArgument("attribute %q cannot be stored; set the password instead", name)
		}
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func label(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
