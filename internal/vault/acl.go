package vault

import "time"

// ACL state machine for one (record, organization) pair:
//
//	NONE -> GRANTED -> {REVOKED | EXPIRED}
//
// Entries are soft-deactivated: revocation flips Live to false and the
// entry stays as history, so a grant/revoke/grant cycle leaves several
// entries for one organization. Authorization always considers the
// most recently granted entry, and at most one entry per organization
// is ever live.

// Expired reports whether the permission's absolute expiry has passed.
// Permissions without an expiry never expire.
func (p AccessPermission) Expired(at time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(at)
}

// latestGrant returns the index of the most recently granted entry for
// the organization, or -1. Entries are appended in grant order, so the
// last match wins the tie-break.
func (r *HealthRecord) latestGrant(org string) int {
	for i := len(r.Access) - 1; i >= 0; i-- {
		if r.Access[i].Organization == org {
			return i
		}
	}
	return -1
}

// liveGrant returns the index of the entry that currently authorizes
// the organization, or -1 if there is none (never granted, revoked, or
// expired).
func (r *HealthRecord) liveGrant(org string, at time.Time) int {
	i := r.latestGrant(org)
	if i < 0 {
		return -1
	}
	p := r.Access[i]
	if !p.Live || p.Expired(at) {
		return -1
	}
	return i
}

// Authorized reports whether the organization holds a live, unexpired
// permission on the record at the given instant. A deactivated record
// authorizes nobody. This predicate is the single source of truth for
// every read path.
func (r *HealthRecord) Authorized(org string, at time.Time) bool {
	if !r.Active {
		return false
	}
	return r.liveGrant(org, at) >= 0
}

// retireExpired flips any live-but-expired entries for the
// organization to dead. Called on the grant path so that lazy expiry
// cannot leave two live entries for one organization after a
// re-grant.
func (r *HealthRecord) retireExpired(org string, at time.Time) {
	for i := range r.Access {
		p := &r.Access[i]
		if p.Organization == org && p.Live && p.Expired(at) {
			p.Live = false
		}
	}
}

// appendGrant re-validates the duplicate and capacity preconditions as
// the very last step before mutating the ACL, then appends the new
// permission. The re-check closes the check-then-act gap if this code
// is ever run under weaker isolation than a single lock.
func (r *HealthRecord) appendGrant(org string, at time.Time, expiresAt *time.Time) (AccessPermission, error) {
	r.retireExpired(org, at)
	if r.liveGrant(org, at) >= 0 {
		return AccessPermission{}, ErrAccessAlreadyGranted
	}
	if len(r.Access) >= MaxAccessEntries {
		return AccessPermission{}, ErrMaxAccessReached
	}
	p := AccessPermission{
		Organization: org,
		GrantedAt:    at,
		ExpiresAt:    expiresAt,
		Live:         true,
	}
	r.Access = append(r.Access, p)
	return p, nil
}

// revokeGrant flips the organization's live entry to dead. Returns
// ErrAccessNotFound when no live, unexpired permission exists.
func (r *HealthRecord) revokeGrant(org string, at time.Time) error {
	i := r.liveGrant(org, at)
	if i < 0 {
		return ErrAccessNotFound
	}
	r.Access[i].Live = false
	return nil
}

// liveOrganizations lists organizations holding a live, unexpired
// grant, in first-granted order. Used to reconcile reverse indexes on
// deactivation and rebuild.
func (r *HealthRecord) liveOrganizations(at time.Time) []string {
	var orgs []string
	seen := make(map[string]struct{})
	for _, p := range r.Access {
		if _, ok := seen[p.Organization]; ok {
			continue
		}
		if r.liveGrant(p.Organization, at) >= 0 {
			orgs = append(orgs, p.Organization)
		}
		seen[p.Organization] = struct{}{}
	}
	return orgs
}
