package schild

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Group describes a configured group and the permissions the matrix grants it
type Group struct {
	Alias       string
	Title       string
	Description string
	Permissions []string
}

// Can reports whether the group grants permission, directly or through
// a scope.* entry
func (g Group) Can(permission string) bool {
	return matrixAllows(g.Permissions, strings.ToLower(permission))
}

func matrixAllows(entries []string, permission string) bool {
	if slices.Contains(entries, permission) {
		return true
	}
	scope, _, found := strings.Cut(permission, ".")
	return found && slices.Contains(entries, scope+".*")
}

// Groups is the group and permission catalog. Groups saved at runtime
// live in memory only.
type Groups struct {
	mu           sync.RWMutex
	defaultGroup string
	groups       map[string]GroupInfo
	permissions  map[string]string
	matrix       map[string][]string
}

// NewGroups copies cfg into a catalog
func NewGroups(cfg GroupsConfig) *Groups {
	g := &Groups{
		defaultGroup: strings.ToLower(cfg.DefaultGroup),
		groups:       make(map[string]GroupInfo, len(cfg.Groups)),
		permissions:  make(map[string]string, len(cfg.Permissions)),
		matrix:       make(map[string][]string, len(cfg.Matrix)),
	}
	for alias, info := range cfg.Groups {
		g.groups[strings.ToLower(alias)] = info
	}
	for name, desc := range cfg.Permissions {
		g.permissions[strings.ToLower(name)] = desc
	}
	for alias, perms := range cfg.Matrix {
		g.matrix[strings.ToLower(alias)] = slices.Clone(perms)
	}
	return g
}

// DefaultGroup is the group new users are added to
func (g *Groups) DefaultGroup() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultGroup
}

// Info returns the group named alias
func (g *Groups) Info(alias string) (Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	alias = strings.ToLower(alias)
	info, ok := g.groups[alias]
	if !ok {
		return Group{}, false
	}
	return Group{
		Alias:       alias,
		Title:       info.Title,
		Description: info.Description,
		Permissions: slices.Clone(g.matrix[alias]),
	}, true
}

// Save adds or replaces a group. An empty alias is derived from the title.
func (g *Groups) Save(group Group) error {
	if strings.TrimSpace(group.Title) == "" {
		return withMetadata(ErrInvalidConfiguration, map[string]any{
			"error": "group title is required",
		})
	}

	alias := strings.ToLower(group.Alias)
	if alias == "" {
		alias = slug(group.Title)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups[alias] = GroupInfo{Title: group.Title, Description: group.Description}
	if group.Permissions != nil {
		g.matrix[alias] = slices.Clone(group.Permissions)
	}
	return nil
}

// SetGroupPermissions replaces the matrix entry of a group
func (g *Groups) SetGroupPermissions(alias string, permissions []string) error {
	alias = strings.ToLower(alias)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[alias]; !ok {
		return withMetadata(ErrUnknownGroup, map[string]any{"group": alias})
	}
	g.matrix[alias] = slices.Clone(permissions)
	return nil
}

// Names lists the configured group aliases, sorted
func (g *Groups) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.groups)
}

// PermissionNames lists the configured permissions, sorted
func (g *Groups) PermissionNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.permissions)
}

func (g *Groups) hasGroup(alias string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[alias]
	return ok
}

func (g *Groups) hasPermission(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.permissions[name]
	return ok
}

func (g *Groups) allows(group, permission string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return matrixAllows(g.matrix[group], permission)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Permissions evaluates and edits the groups and permissions of one user.
// Memberships are loaded on first use and cached.
type Permissions struct {
	mu     sync.Mutex
	store  MembershipStore
	groups *Groups
	userID uuid.UUID

	groupCache []string
	permCache  []string
	loaded     map[MembershipKind]bool
}

func newPermissions(svc *Service, user *User) *Permissions {
	return &Permissions{
		store:  svc.stores.Memberships,
		groups: svc.groups,
		userID: user.ID,
		loaded: map[MembershipKind]bool{},
	}
}

func (p *Permissions) cache(kind MembershipKind) *[]string {
	if kind == MembershipGroups {
		return &p.groupCache
	}
	return &p.permCache
}

func (p *Permissions) populate(ctx context.Context, kind MembershipKind) error {
	if p.loaded[kind] {
		return nil
	}
	names, err := p.store.List(ctx, kind, p.userID)
	if err != nil && !IsNotFound(err) {
		return wrapInternal(err, "load "+string(kind))
	}
	*p.cache(kind) = names
	p.loaded[kind] = true
	return nil
}

// save persists next with a minimal diff: rows not in next are deleted,
// missing ones inserted. The cache takes next only once the store agrees.
func (p *Permissions) save(ctx context.Context, kind MembershipKind, next []string) error {
	existing, err := p.store.List(ctx, kind, p.userID)
	if err != nil && !IsNotFound(err) {
		return wrapInternal(err, "load "+string(kind))
	}

	var added []string
	for _, name := range next {
		if !slices.Contains(existing, name) {
			added = append(added, name)
		}
	}

	if len(next) > 0 {
		err = p.store.DeleteNotIn(ctx, kind, p.userID, next)
	} else {
		err = p.store.DeleteAll(ctx, kind, p.userID)
	}
	if err != nil {
		return wrapInternal(err, "delete "+string(kind))
	}

	if len(added) > 0 {
		if err := p.store.Insert(ctx, kind, p.userID, added); err != nil {
			return wrapInternal(err, "insert "+string(kind))
		}
	}

	*p.cache(kind) = next
	return nil
}

func (p *Permissions) validate(kind MembershipKind, name string) error {
	if kind == MembershipGroups {
		if !p.groups.hasGroup(name) {
			return withMetadata(ErrUnknownGroup, map[string]any{"group": name})
		}
		return nil
	}
	if !p.groups.hasPermission(name) {
		return withMetadata(ErrUnknownPermission, map[string]any{"permission": name})
	}
	return nil
}

func (p *Permissions) add(ctx context.Context, kind MembershipKind, names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.populate(ctx, kind); err != nil {
		return err
	}

	cache := p.cache(kind)
	next := slices.Clone(*cache)
	for _, name := range names {
		name = strings.ToLower(name)
		if slices.Contains(next, name) {
			continue
		}
		if err := p.validate(kind, name); err != nil {
			return err
		}
		next = append(next, name)
	}

	if len(next) == len(*cache) {
		return nil
	}
	return p.save(ctx, kind, next)
}

func (p *Permissions) remove(ctx context.Context, kind MembershipKind, names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.populate(ctx, kind); err != nil {
		return err
	}

	drop := make([]string, 0, len(names))
	for _, name := range names {
		drop = append(drop, strings.ToLower(name))
	}

	cache := p.cache(kind)
	next := slices.DeleteFunc(slices.Clone(*cache), func(name string) bool {
		return slices.Contains(drop, name)
	})
	if len(next) == len(*cache) {
		return nil
	}
	return p.save(ctx, kind, next)
}

func (p *Permissions) sync(ctx context.Context, kind MembershipKind, names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.populate(ctx, kind); err != nil {
		return err
	}

	next := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		if err := p.validate(kind, name); err != nil {
			return err
		}
		if !slices.Contains(next, name) {
			next = append(next, name)
		}
	}

	cache := *p.cache(kind)
	if len(next) == len(cache) && !slices.ContainsFunc(next, func(name string) bool {
		return !slices.Contains(cache, name)
	}) {
		return nil
	}
	return p.save(ctx, kind, next)
}

func (p *Permissions) list(ctx context.Context, kind MembershipKind) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.populate(ctx, kind); err != nil {
		return nil, err
	}
	return slices.Clone(*p.cache(kind)), nil
}

func (p *Permissions) AddGroup(ctx context.Context, groups ...string) error {
	return p.add(ctx, MembershipGroups, groups)
}

func (p *Permissions) RemoveGroup(ctx context.Context, groups ...string) error {
	return p.remove(ctx, MembershipGroups, groups)
}

// SyncGroups replaces the groups of the user
func (p *Permissions) SyncGroups(ctx context.Context, groups ...string) error {
	return p.sync(ctx, MembershipGroups, groups)
}

func (p *Permissions) Groups(ctx context.Context) ([]string, error) {
	return p.list(ctx, MembershipGroups)
}

func (p *Permissions) AddPermission(ctx context.Context, permissions ...string) error {
	return p.add(ctx, MembershipPermissions, permissions)
}

func (p *Permissions) RemovePermission(ctx context.Context, permissions ...string) error {
	return p.remove(ctx, MembershipPermissions, permissions)
}

// SyncPermissions replaces the direct permissions of the user
func (p *Permissions) SyncPermissions(ctx context.Context, permissions ...string) error {
	return p.sync(ctx, MembershipPermissions, permissions)
}

func (p *Permissions) Permissions(ctx context.Context) ([]string, error) {
	return p.list(ctx, MembershipPermissions)
}

// HasPermission reports a direct permission, groups are not consulted
func (p *Permissions) HasPermission(ctx context.Context, permission string) (bool, error) {
	perms, err := p.Permissions(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, strings.ToLower(permission)), nil
}

// InGroup reports whether the user is in any of groups
func (p *Permissions) InGroup(ctx context.Context, groups ...string) (bool, error) {
	mine, err := p.Groups(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if slices.Contains(mine, strings.ToLower(g)) {
			return true, nil
		}
	}
	return false, nil
}

// Can reports whether any of permissions is granted, either directly or
// by a group of the user through the matrix
func (p *Permissions) Can(ctx context.Context, permissions ...string) (bool, error) {
	perms, err := p.Permissions(ctx)
	if err != nil {
		return false, err
	}
	groups, err := p.Groups(ctx)
	if err != nil {
		return false, err
	}

	for _, permission := range permissions {
		if !strings.Contains(permission, ".") {
			return false, withMetadata(ErrInvalidPermission, map[string]any{"permission": permission})
		}
		permission = strings.ToLower(permission)

		if slices.Contains(perms, permission) {
			return true, nil
		}
		for _, group := range groups {
			if p.groups.allows(group, permission) {
				return true, nil
			}
		}
	}
	return false, nil
}
