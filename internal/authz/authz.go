// Package authz derives a user's effective capability set. One closed
// enumeration of capabilities and one role allow-list table replace the
// scattered role-string checks a portal UI tends to grow; every access
// decision goes through Resolve.
package authz

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/portal-client/internal/platform/apiclient"
)

// Capability names one guarded portal feature.
type Capability string

const (
	CapAdminAccess    Capability = "admin_access"
	CapUserManagement Capability = "user_management"
	CapSystemSettings Capability = "system_settings"
	CapAudit          Capability = "audit"
	CapCompliance     Capability = "compliance"
	CapExport         Capability = "export"
)

// AllCapabilities is the closed set, in stable order.
var AllCapabilities = []Capability{
	CapAdminAccess,
	CapUserManagement,
	CapSystemSettings,
	CapAudit,
	CapCompliance,
	CapExport,
}

// serverFlag maps a capability to the authority endpoint's flag name.
var serverFlag = map[Capability]string{
	CapAdminAccess:    "has_admin_access",
	CapUserManagement: "has_user_management_access",
	CapSystemSettings: "has_system_settings_access",
	CapAudit:          "has_audit_access",
	CapCompliance:     "has_compliance_access",
	CapExport:         "has_export_access",
}

// roleGrants is the single allow-list table consulted for role-implied
// defaults. A capability is granted when the server flag says so OR the
// role appears here, so an authority outage never locks out a role that
// legitimately holds a capability.
var roleGrants = map[Capability][]string{
	CapAdminAccess:    {"admin", "superadmin"},
	CapUserManagement: {"admin", "superadmin"},
	CapSystemSettings: {"superadmin"},
	CapAudit:          {"admin", "superadmin"},
	CapCompliance:     {"admin", "superadmin"},
	CapExport:         {"provider", "admin", "superadmin"},
}

// PermissionSet is the resolved grant mapping for one user. It is derived
// state: recomputed on every session change, never persisted.
type PermissionSet struct {
	Capabilities map[Capability]bool
	Role         string
	IsSuperadmin bool
}

// Allows reports whether the capability is granted. A zero PermissionSet
// grants nothing.
func (p PermissionSet) Allows(cap Capability) bool {
	if p.IsSuperadmin {
		return true
	}
	return p.Capabilities[cap]
}

// Resolver computes permission sets from the user snapshot and the
// authority endpoint.
type Resolver struct {
	api    *apiclient.Client
	logger zerolog.Logger
}

func NewResolver(api *apiclient.Client, logger zerolog.Logger) *Resolver {
	return &Resolver{api: api, logger: logger}
}

// Resolve computes the permission set for user. It consults the authority
// endpoint and OR-merges server flags with role defaults; when the
// authority is unreachable it falls back to the pure role table. It never
// returns an error: permission checks must stay answerable during an
// authority outage. Given the same (role, staff flags, server flags) input
// the result is identical; nothing is memoized across calls.
func (r *Resolver) Resolve(ctx context.Context, accessToken string, user apiclient.UserSummary) PermissionSet {
	flags, err := r.api.Permissions(ctx, accessToken)
	if err != nil {
		r.logger.Warn().Err(err).Str("role", user.Role).Msg("permission authority unavailable, using role defaults")
		return FromRole(user)
	}
	return merge(user, flags)
}

// FromRole computes the pure role-table permission set, with no server
// flags. This is both the outage fallback and the baseline the OR-merge
// starts from.
func FromRole(user apiclient.UserSummary) PermissionSet {
	return merge(user, nil)
}

func merge(user apiclient.UserSummary, flags apiclient.ServerFlags) PermissionSet {
	set := PermissionSet{
		Capabilities: make(map[Capability]bool, len(AllCapabilities)),
		Role:         user.Role,
		IsSuperadmin: user.IsSuperuser || user.Role == "superadmin",
	}
	for _, cap := range AllCapabilities {
		set.Capabilities[cap] = flags[serverFlag[cap]] || roleAllows(cap, user)
	}
	return set
}

func roleAllows(cap Capability, user apiclient.UserSummary) bool {
	if user.IsSuperuser {
		return true
	}
	for _, role := range roleGrants[cap] {
		if role == user.Role {
			return true
		}
	}
	// Staff accounts can reach the admin dashboard even without an admin
	// role; everything finer-grained still needs a role or server flag.
	if cap == CapAdminAccess && user.IsStaff {
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Guard
// ---------------------------------------------------------------------------

// Guard holds the permission set for the current session. It is cleared on
// logout before any new user's resolve is trusted, so a prior user's
// grants can never leak into a new session.
type Guard struct {
	mu  sync.RWMutex
	set PermissionSet
	ok  bool
}

func NewGuard() *Guard {
	return &Guard{}
}

// Update installs a freshly resolved permission set.
func (g *Guard) Update(set PermissionSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.set = set
	g.ok = true
}

// Clear drops the current set. Subsequent Allows calls deny everything
// until Update is called for the next session.
func (g *Guard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.set = PermissionSet{}
	g.ok = false
}

// Current returns the active set and whether one is installed.
func (g *Guard) Current() (PermissionSet, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.set, g.ok
}

// Allows reports whether the current session grants the capability.
func (g *Guard) Allows(cap Capability) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ok && g.set.Allows(cap)
}
