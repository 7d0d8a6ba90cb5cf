package vault

import (
	"testing"
	"time"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func expiry(sec int64) *time.Time {
	t := ts(sec)
	return &t
}

func TestAuthorizedTieBreakUsesLatestGrant(t *testing.T) {
	// grant -> revoke -> grant leaves two entries; only the most
	// recent one decides authorization.
	rec := &HealthRecord{
		Active: true,
		Access: []AccessPermission{
			{Organization: "org", GrantedAt: ts(10), Live: false},
			{Organization: "org", GrantedAt: ts(20), Live: true},
		},
	}
	if !rec.Authorized("org", ts(30)) {
		t.Fatal("latest live entry should authorize")
	}

	// And the other way around: a dead latest entry wins over an
	// older live one left behind by history corruption.
	rec.Access[0].Live = true
	rec.Access[1].Live = false
	if rec.Authorized("org", ts(30)) {
		t.Fatal("dead latest entry must not be overridden by older history")
	}
}

func TestAuthorizedInactiveRecord(t *testing.T) {
	rec := &HealthRecord{
		Active: false,
		Access: []AccessPermission{{Organization: "org", GrantedAt: ts(10), Live: true}},
	}
	if rec.Authorized("org", ts(20)) {
		t.Fatal("deactivated record must not authorize")
	}
}

func TestPermissionExpired(t *testing.T) {
	p := AccessPermission{Organization: "org", GrantedAt: ts(0), ExpiresAt: expiry(100), Live: true}
	if p.Expired(ts(99)) {
		t.Fatal("not yet expired")
	}
	if !p.Expired(ts(100)) {
		t.Fatal("expired exactly at the boundary")
	}
	none := AccessPermission{Organization: "org", GrantedAt: ts(0), Live: true}
	if none.Expired(ts(1 << 40)) {
		t.Fatal("permission without expiry never expires")
	}
}

func TestAppendGrantRevalidatesAtLastStep(t *testing.T) {
	rec := &HealthRecord{Active: true}
	if _, err := rec.appendGrant("org", ts(10), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.appendGrant("org", ts(11), nil); err != ErrAccessAlreadyGranted {
		t.Fatalf("expected ErrAccessAlreadyGranted, got %v", err)
	}
	if len(rec.Access) != 1 {
		t.Fatalf("rejected grant mutated the acl: %d entries", len(rec.Access))
	}
}

func TestAppendGrantRetiresExpiredEntry(t *testing.T) {
	rec := &HealthRecord{Active: true}
	if _, err := rec.appendGrant("org", ts(10), expiry(20)); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.appendGrant("org", ts(30), nil); err != nil {
		t.Fatalf("expired entry blocked re-grant: %v", err)
	}
	if rec.Access[0].Live {
		t.Fatal("expired entry left live after re-grant")
	}
	if !rec.Access[1].Live {
		t.Fatal("new entry should be live")
	}
}

func TestRevokeGrantMissing(t *testing.T) {
	rec := &HealthRecord{Active: true}
	if err := rec.revokeGrant("org", ts(10)); err != ErrAccessNotFound {
		t.Fatalf("expected ErrAccessNotFound, got %v", err)
	}
	// An expired grant is not revocable either.
	if _, err := rec.appendGrant("org", ts(10), expiry(20)); err != nil {
		t.Fatal(err)
	}
	if err := rec.revokeGrant("org", ts(25)); err != ErrAccessNotFound {
		t.Fatalf("expired grant revoke: expected ErrAccessNotFound, got %v", err)
	}
}

func TestLiveOrganizations(t *testing.T) {
	rec := &HealthRecord{Active: true}
	if _, err := rec.appendGrant("a", ts(10), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.appendGrant("b", ts(11), expiry(20)); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.appendGrant("c", ts(12), nil); err != nil {
		t.Fatal(err)
	}
	if err := rec.revokeGrant("c", ts(13)); err != nil {
		t.Fatal(err)
	}

	got := rec.liveOrganizations(ts(25)) // b expired, c revoked
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("live organizations = %v, want [a]", got)
	}
}
