package nas

import (
	"cmp"
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

// Registry owns NAS device records. It also resolves RADIUS shared
// secrets by source address and tracks when each device was last heard
// from.
type Registry struct {
	config RegistryConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	devices map[string]*Device // ID -> Device
	byName  map[string]string  // nasname -> ID

	lookups atomic.Uint64
	misses  atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:  config,
		logger:  logger,
		now:     time.Now,
		devices: make(map[string]*Device),
		byName:  make(map[string]string),
	}
}

// Types lists the supported device types.
func (r *Registry) Types() []Option {
	return slices.Clone(deviceTypes)
}

// List returns matching devices ordered by nasname.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Device, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.InvalidArgument("unknown NAS status %q", f.Status)
	}
	if f.Type != "" && !ValidType(f.Type) {
		return nil, apperr.InvalidArgument("unknown NAS type %q", f.Type)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))

	r.mu.RLock()
	result := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if search != "" && !matchesSearch(d, search) {
			continue
		}
		result = append(result, d.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Device) int { return cmp.Compare(a.NASName, b.NASName) })
	return result, nil
}

func matchesSearch(d *Device, search string) bool {
	for _, field := range []string{d.NASName, d.ShortName, d.Description, d.Location} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// Get returns a device by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, apperr.NotFound("NAS", id)
	}
	return d.Clone(), nil
}

// Create registers a device. nasname must be unique.
func (r *Registry) Create(ctx context.Context, in DeviceInput) (*Device, error) {
	in.NASName = strings.TrimSpace(in.NASName)
	if in.NASName == "" {
		return nil, apperr.InvalidArgument("nasname is required")
	}
	if in.Secret == "" {
		return nil, apperr.InvalidArgument("secret is required")
	}
	if in.Type == "" {
		in.Type = "other"
	}
	if !ValidType(in.Type) {
		return nil, apperr.InvalidArgument("unknown NAS type %q", in.Type)
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if !in.Status.Valid() {
		return nil, apperr.InvalidArgument("unknown NAS status %q", in.Status)
	}
	if in.Ports < 0 || in.MaxClients < 0 {
		return nil, apperr.InvalidArgument("ports and maxClients must not be negative")
	}

	r.mu.Lock()
	if _, exists := r.byName[in.NASName]; exists {
		r.mu.Unlock()
		return nil, apperr.Conflict("NAS %q already exists", in.NASName)
	}
	d := &Device{
		ID:          uuid.New().String(),
		NASName:     in.NASName,
		ShortName:   in.ShortName,
		Type:        in.Type,
		Ports:       in.Ports,
		Secret:      in.Secret,
		Server:      in.Server,
		Community:   in.Community,
		Description: in.Description,
		Status:      in.Status,
		Location:    in.Location,
		Contact:     in.Contact,
		MaxClients:  in.MaxClients,
		CreatedAt:   r.now().UTC(),
	}
	r.devices[d.ID] = d
	r.byName[d.NASName] = d.ID
	out := d.Clone()
	r.mu.Unlock()

	r.logger.Info("NAS registered",
		zap.String("nas_id", d.ID),
		zap.String("nasname", d.NASName),
		zap.String("type", d.Type),
	)
	return out, nil
}

// Update applies the set fields of patch.
func (r *Registry) Update(ctx context.Context, id string, patch DevicePatch) (*Device, error) {
	if patch.Type != nil && !ValidType(*patch.Type) {
		return nil, apperr.InvalidArgument("unknown NAS type %q", *patch.Type)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperr.InvalidArgument("unknown NAS status %q", *patch.Status)
	}
	if (patch.Ports != nil && *patch.Ports < 0) || (patch.MaxClients != nil && *patch.MaxClients < 0) {
		return nil, apperr.InvalidArgument("ports and maxClients must not be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, apperr.NotFound("NAS", id)
	}

	if patch.NASName != nil {
		name := strings.TrimSpace(*patch.NASName)
		if name == "" {
			return nil, apperr.InvalidArgument("nasname must not be empty")
		}
		if other, exists := r.byName[name]; exists && other != id {
			return nil, apperr.Conflict("NAS %q already exists", name)
		}
		delete(r.byName, d.NASName)
		d.NASName = name
		r.byName[name] = id
	}
	if patch.Secret != nil && *patch.Secret != "" {
		d.Secret = *patch.Secret
	}
	if patch.Community != nil && *patch.Community != "" {
		d.Community = *patch.Community
	}
	setIf(&d.ShortName, patch.ShortName)
	setIf(&d.Type, patch.Type)
	setIf(&d.Ports, patch.Ports)
	setIf(&d.Server, patch.Server)
	setIf(&d.Description, patch.Description)
	setIf(&d.Status, patch.Status)
	setIf(&d.Location, patch.Location)
	setIf(&d.Contact, patch.Contact)
	setIf(&d.MaxClients, patch.MaxClients)

	r.logger.Info("NAS updated", zap.String("nas_id", id), zap.String("nasname", d.NASName))
	return d.Clone(), nil
}

// Delete removes a device.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("NAS", id)
	}
	delete(r.devices, id)
	delete(r.byName, d.NASName)
	r.mu.Unlock()

	r.logger.Info("NAS removed", zap.String("nas_id", id), zap.String("nasname", d.NASName))
	return nil
}

// Secret returns the shared secret of a device for internal use.
func (r *Registry) Secret(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return "", apperr.NotFound("NAS", id)
	}
	return d.Secret, nil
}

// RADIUSSecret implements radius.SecretSource. The source IP is matched
// against nasname; unregistered or inactive sources get the fallback
// secret, or nil which makes the packet server drop the packet.
func (r *Registry) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	r.lookups.Add(1)
	ip := extractIP(remoteAddr)

	r.mu.RLock()
	var secret string
	if id, ok := r.byName[ip]; ok && ip != "" {
		d := r.devices[id]
		if d.Status != StatusInactive || r.config.AcceptInactive {
			secret = d.Secret
		}
	}
	fallback := r.config.FallbackSecret
	r.mu.RUnlock()

	if secret != "" {
		return []byte(secret), nil
	}
	r.misses.Add(1)
	if fallback != "" {
		return []byte(fallback), nil
	}

	r.logger.Warn("No RADIUS secret for source", zap.String("src_ip", ip))
	return nil, nil
}

// SetFallbackSecret replaces the secret used for unregistered sources.
func (r *Registry) SetFallbackSecret(secret string) {
	r.mu.Lock()
	r.config.FallbackSecret = secret
	r.mu.Unlock()
}

// MarkSeen records accounting traffic from the device named by
// nasIdentifier, by nasname or shortname. Unknown identifiers are ignored.
func (r *Registry) MarkSeen(ctx context.Context, nasIdentifier string, at time.Time) {
	at = at.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.lookup(nasIdentifier)
	if d == nil {
		return
	}
	if d.LastSeen == nil || at.After(*d.LastSeen) {
		d.LastSeen = &at
	}
}

// lookup finds a device by nasname, then shortname. Caller holds mu.
func (r *Registry) lookup(identifier string) *Device {
	if id, ok := r.byName[identifier]; ok {
		return r.devices[id]
	}
	for _, d := range r.devices {
		if d.Matches(identifier) {
			return d
		}
	}
	return nil
}

// Count returns the number of devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Devices:       len(r.devices),
		SecretLookups: r.lookups.Load(),
		SecretMisses:  r.misses.Load(),
	}
	for _, d := range r.devices {
		if d.Status == StatusActive {
			stats.Active++
		}
	}
	return stats
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
