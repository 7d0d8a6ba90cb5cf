package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*InMemory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewInMemory(WithClock(clock.Now)), clock
}

// registerOrg registers an organization owned by orgOwner and returns
// its id.
func registerOrg(t *testing.T, s *InMemory, orgOwner, name string) string {
	t.Helper()
	org, err := s.RegisterOrganization(context.Background(), orgOwner, name, "", "lab@example.org")
	if err != nil {
		t.Fatalf("register organization: %v", err)
	}
	return org.ID
}

func uploadTestRecord(t *testing.T, s *InMemory, owner string) HealthRecord {
	t.Helper()
	rec, err := s.UploadRecord(context.Background(), owner, []byte("ciphertext"), RecordMeta{
		MimeType: "application/pdf",
		Title:    "blood panel",
	})
	if err != nil {
		t.Fatalf("upload record: %v", err)
	}
	return rec
}

func TestRegisterOwner(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	v, err := s.RegisterOwner(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Active || len(v.RecordIDs) != 0 {
		t.Fatalf("unexpected fresh vault: %+v", v)
	}
	if v.Address != VaultAddress("alice").String() {
		t.Fatalf("vault address mismatch: %s", v.Address)
	}

	if _, err := s.RegisterOwner(ctx, "alice"); !errors.Is(err, ErrVaultExists) {
		t.Fatalf("expected ErrVaultExists, got %v", err)
	}
}

func TestRegisterOrganizationOnePerIdentity(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	a, err := s.RegisterOrganization(ctx, "lab", "City Lab", "diagnostics", "lab@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if a.OrgSeq != 1 {
		t.Fatalf("first organization sequence = %d, want 1", a.OrgSeq)
	}
	if _, err := s.RegisterOrganization(ctx, "lab", "City Lab II", "", ""); !errors.Is(err, ErrOrganizationExists) {
		t.Fatalf("expected ErrOrganizationExists, got %v", err)
	}

	b, err := s.RegisterOrganization(ctx, "clinic", "Clinic", "", "clinic@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if b.OrgSeq != 2 {
		t.Fatalf("second organization sequence = %d, want 2", b.OrgSeq)
	}
}

func TestUploadAssignsSequentialIDs(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	first := uploadTestRecord(t, s, "alice")
	second := uploadTestRecord(t, s, "alice")
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("record ids = %d, %d; want 1, 2", first.ID, second.ID)
	}
	if first.FileSize != uint64(len("ciphertext")) {
		t.Fatalf("file size = %d", first.FileSize)
	}

	v, err := s.GetVault(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.RecordIDs) != 2 || v.RecordIDs[0] != 1 || v.RecordIDs[1] != 2 {
		t.Fatalf("vault index = %v", v.RecordIDs)
	}
}

func TestUploadRequiresExplicitRegistration(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.UploadRecord(context.Background(), "ghost", []byte("x"), RecordMeta{}); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestUploadValidationRejectsBeforeMutation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		payload []byte
		meta    RecordMeta
		want    error
	}{
		{"payload", make([]byte, MaxPayloadBytes+1), RecordMeta{}, ErrPayloadTooLarge},
		{"mime", []byte("x"), RecordMeta{MimeType: strings.Repeat("a", MaxMimeTypeLen+1)}, ErrMimeTypeTooLong},
		{"description", []byte("x"), RecordMeta{Description: strings.Repeat("a", MaxDescriptionLen+1)}, ErrDescriptionTooLong},
		{"title", []byte("x"), RecordMeta{Title: strings.Repeat("a", MaxTitleLen+1)}, ErrTitleTooLong},
	}
	for _, tc := range cases {
		if _, err := s.UploadRecord(ctx, "alice", tc.payload, tc.meta); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	// Rejected uploads must not consume ids.
	rec := uploadTestRecord(t, s, "alice")
	if rec.ID != 1 {
		t.Fatalf("first successful upload got id %d, want 1", rec.ID)
	}
}

func TestVaultCapacityLeavesCounterUntouched(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxRecordsPerVault; i++ {
		uploadTestRecord(t, s, "alice")
	}
	if _, err := s.UploadRecord(ctx, "alice", []byte("x"), RecordMeta{}); !errors.Is(err, ErrMaxRecordsReached) {
		t.Fatalf("expected ErrMaxRecordsReached, got %v", err)
	}

	// The failed upload must not have advanced the counter.
	if _, err := s.RegisterOwner(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "bob")
	if rec.ID != MaxRecordsPerVault+1 {
		t.Fatalf("next id = %d, want %d", rec.ID, MaxRecordsPerVault+1)
	}
}

func TestGrantThenAuthorized(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	perm, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if perm.ExpiresAt != nil {
		t.Fatalf("grant without duration must never expire, got %v", perm.ExpiresAt)
	}

	ok, err := s.IsAuthorized(ctx, rec.ID, orgID, clock.Now())
	if err != nil || !ok {
		t.Fatalf("IsAuthorized = %v, %v; want true", ok, err)
	}

	// Far future: no expiry was set.
	ok, err = s.IsAuthorized(ctx, rec.ID, orgID, clock.Now().AddDate(10, 0, 0))
	if err != nil || !ok {
		t.Fatalf("unexpiring grant stopped authorizing: %v, %v", ok, err)
	}
}

func TestGrantPreconditions(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	if _, err := s.GrantAccess(ctx, "mallory", rec.ID, orgID, nil); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("unregistered caller: got %v", err)
	}
	if _, err := s.RegisterOwner(ctx, "mallory"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GrantAccess(ctx, "mallory", rec.ID, orgID, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner grant: got %v", err)
	}
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, "not-an-org", nil); !errors.Is(err, ErrInvalidOrganization) {
		t.Fatalf("bad org reference: got %v", err)
	}
	if _, err := s.GrantAccess(ctx, "alice", 999, orgID, nil); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("unknown record: got %v", err)
	}
	neg := -time.Hour
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, &neg); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("negative duration: got %v", err)
	}

	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); !errors.Is(err, ErrAccessAlreadyGranted) {
		t.Fatalf("duplicate grant: got %v", err)
	}
}

func TestGrantInactiveOrganization(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	s.mu.Lock()
	for _, org := range s.orgs {
		org.Active = false
	}
	s.mu.Unlock()

	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); !errors.Is(err, ErrOrganizationInactive) {
		t.Fatalf("expected ErrOrganizationInactive, got %v", err)
	}
}

func TestACLCapacity(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")

	for i := 0; i < MaxAccessEntries; i++ {
		orgID := registerOrg(t, s, fmt.Sprintf("org-%d", i), fmt.Sprintf("Org %d", i))
		if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}
	extra := registerOrg(t, s, "org-extra", "Extra Org")
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, extra, nil); !errors.Is(err, ErrMaxAccessReached) {
		t.Fatalf("expected ErrMaxAccessReached, got %v", err)
	}
}

func TestRevokeThenUnauthorized(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.RevokeAccess(ctx, "alice", rec.ID, orgID); err != nil {
		t.Fatal(err)
	}
	ok, err := s.IsAuthorized(ctx, rec.ID, orgID, clock.Now())
	if err != nil || ok {
		t.Fatalf("revoked grant still authorizes: %v, %v", ok, err)
	}
	if err := s.RevokeAccess(ctx, "alice", rec.ID, orgID); !errors.Is(err, ErrAccessNotFound) {
		t.Fatalf("second revoke: expected ErrAccessNotFound, got %v", err)
	}

	// Reverse index no longer lists the record.
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if len(org.RecordIDs) != 0 {
		t.Fatalf("reverse index not cleared: %v", org.RecordIDs)
	}
}

func TestExpiryBoundary(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	d := time.Hour
	perm, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, &d)
	if err != nil {
		t.Fatal(err)
	}
	granted := clock.Now()
	if perm.ExpiresAt == nil || !perm.ExpiresAt.Equal(granted.Add(d)) {
		t.Fatalf("expiry = %v, want %v", perm.ExpiresAt, granted.Add(d))
	}

	ok, _ := s.IsAuthorized(ctx, rec.ID, orgID, granted.Add(d-time.Second))
	if !ok {
		t.Fatal("should authorize one second before expiry")
	}
	ok, _ = s.IsAuthorized(ctx, rec.ID, orgID, granted.Add(d+time.Second))
	if ok {
		t.Fatal("should not authorize one second after expiry")
	}
	// On the boundary itself the grant is already dead.
	ok, _ = s.IsAuthorized(ctx, rec.ID, orgID, granted.Add(d))
	if ok {
		t.Fatal("should not authorize at the expiry instant")
	}
}

func TestRegrantAfterExpiryKeepsSingleLiveEntry(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	d := time.Hour
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, &d); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)

	// The expired grant must not block a new one, and the old entry
	// must be retired so only one live entry per organization exists.
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
		t.Fatalf("re-grant after expiry: %v", err)
	}

	got, err := s.GetRecord(ctx, "alice", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	live := 0
	for _, p := range got.Access {
		if p.Organization == orgID && p.Live {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live entries for org = %d, want 1 (acl: %+v)", live, got.Access)
	}
	if len(got.Access) != 2 {
		t.Fatalf("history not retained, acl length = %d", len(got.Access))
	}

	ok, _ := s.IsAuthorized(ctx, rec.ID, orgID, clock.Now())
	if !ok {
		t.Fatal("fresh grant should authorize")
	}
}

func TestRevokeReverseIndexMismatch(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
		t.Fatal(err)
	}

	// Corrupt the cache to simulate a drifted reverse index.
	s.mu.Lock()
	for _, org := range s.orgs {
		org.RecordIDs = nil
	}
	s.mu.Unlock()

	if err := s.RevokeAccess(ctx, "alice", rec.ID, orgID); !errors.Is(err, ErrReverseIndexMismatch) {
		t.Fatalf("expected ErrReverseIndexMismatch, got %v", err)
	}
	// The failed revoke must not have touched the ACL.
	ok, _ := s.IsAuthorized(ctx, rec.ID, orgID, clock.Now())
	if !ok {
		t.Fatal("grant must stay live after rejected revoke")
	}

	// Rebuilding the cache from the ACLs repairs the mismatch.
	if err := s.RebuildReverseIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeAccess(ctx, "alice", rec.ID, orgID); err != nil {
		t.Fatalf("revoke after rebuild: %v", err)
	}
}

func TestDeactivateRecordIsTerminal(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.DeactivateRecord(ctx, "alice", rec.ID); err != nil {
		t.Fatal(err)
	}

	v, err := s.GetVault(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if containsID(v.RecordIDs, rec.ID) {
		t.Fatalf("vault index still lists deactivated record: %v", v.RecordIDs)
	}
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		t.Fatal(err)
	}
	if containsID(org.RecordIDs, rec.ID) {
		t.Fatalf("reverse index still lists deactivated record: %v", org.RecordIDs)
	}

	ok, _ := s.IsAuthorized(ctx, rec.ID, orgID, clock.Now())
	if ok {
		t.Fatal("deactivated record authorized an organization")
	}

	other := registerOrg(t, s, "clinic", "Clinic")
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, other, nil); !errors.Is(err, ErrRecordInactive) {
		t.Fatalf("grant on dead record: got %v", err)
	}
	if err := s.RevokeAccess(ctx, "alice", rec.ID, orgID); !errors.Is(err, ErrRecordInactive) {
		t.Fatalf("revoke on dead record: got %v", err)
	}
	if err := s.DeactivateRecord(ctx, "alice", rec.ID); !errors.Is(err, ErrRecordAlreadyInactive) {
		t.Fatalf("second deactivate: got %v", err)
	}
}

func TestInactiveVaultGatesMutations(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	off := false
	if _, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{Active: &off}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UploadRecord(ctx, "alice", []byte("x"), RecordMeta{}); !errors.Is(err, ErrVaultInactive) {
		t.Fatalf("upload on inactive vault: got %v", err)
	}
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); !errors.Is(err, ErrVaultInactive) {
		t.Fatalf("grant on inactive vault: got %v", err)
	}
	if err := s.DeactivateRecord(ctx, "alice", rec.ID); !errors.Is(err, ErrVaultInactive) {
		t.Fatalf("deactivate on inactive vault: got %v", err)
	}

	// Reactivation restores the vault without touching the index.
	on := true
	v, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{Active: &on})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.RecordIDs) != 1 {
		t.Fatalf("record index changed across toggling: %v", v.RecordIDs)
	}
}

func TestUpdateProfileFields(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	name := "Alice"
	age := uint64(42)
	v, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{Name: &name, Age: &age})
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "Alice" || v.Age != 42 || !v.Active {
		t.Fatalf("unexpected vault after update: %+v", v)
	}

	long := strings.Repeat("a", MaxVaultNameLen+1)
	if _, err := s.UpdateProfile(ctx, "alice", ProfileUpdate{Name: &long}); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
	if _, err := s.UpdateProfile(ctx, "nobody", ProfileUpdate{Name: &name}); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestGetRecordAccess(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	if _, err := s.GetRecord(ctx, "alice", rec.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := s.GetRecord(ctx, "lab", rec.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ungranted org read: got %v", err)
	}

	d := time.Hour
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, &d); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRecord(ctx, "lab", rec.ID)
	if err != nil {
		t.Fatalf("granted org read: %v", err)
	}
	if string(got.Payload) != "ciphertext" {
		t.Fatalf("payload = %q", got.Payload)
	}

	clock.Advance(2 * time.Hour)
	if _, err := s.GetRecord(ctx, "lab", rec.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired org read: got %v", err)
	}
}

func TestConcurrentGrantsSingleWinner(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()
	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("%d concurrent grants succeeded, want exactly 1", succeeded)
	}
	got, err := s.GetRecord(ctx, "alice", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Access) != 1 {
		t.Fatalf("acl length = %d, want 1", len(got.Access))
	}
	ok, _ := s.IsAuthorized(ctx, rec.ID, orgID, clock.Now())
	if !ok {
		t.Fatal("winner grant should authorize")
	}
}

func TestEventsEmitted(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var kinds []EventKind
	sink := SinkFunc(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	s := NewInMemory(WithClock(clock.Now), WithSink(sink))
	ctx := context.Background()

	if _, err := s.RegisterOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec := uploadTestRecord(t, s, "alice")
	orgID := registerOrg(t, s, "lab", "City Lab")
	if _, err := s.GrantAccess(ctx, "alice", rec.ID, orgID, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeAccess(ctx, "alice", rec.ID, orgID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeactivateRecord(ctx, "alice", rec.ID); err != nil {
		t.Fatal(err)
	}

	want := []EventKind{
		EventOwnerRegistered,
		EventRecordUploaded,
		EventOrganizationRegistered,
		EventAccessGranted,
		EventAccessRevoked,
		EventRecordDeactivated,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

// Full lifecycle scenario: register, upload, grant with expiry,
// expire, revoke, deactivate.
func TestLifecycleScenario(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	if _, err := s.RegisterOwner(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	rec, err := s.UploadRecord(ctx, "u", make([]byte, 50), RecordMeta{Title: "scan"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 1 {
		t.Fatalf("record id = %d, want 1", rec.ID)
	}

	orgA := registerOrg(t, s, "org-a", "Org A")
	d := 3600 * time.Second
	if _, err := s.GrantAccess(ctx, "u", rec.ID, orgA, &d); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsAuthorized(ctx, rec.ID, orgA, clock.Now()); !ok {
		t.Fatal("org A should be authorized immediately after grant")
	}
	if ok, _ := s.IsAuthorized(ctx, rec.ID, orgA, clock.Now().Add(3601*time.Second)); ok {
		t.Fatal("org A should not be authorized after the window")
	}

	if err := s.RevokeAccess(ctx, "u", rec.ID, orgA); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsAuthorized(ctx, rec.ID, orgA, clock.Now()); ok {
		t.Fatal("org A should be unauthorized immediately after revoke")
	}

	if err := s.DeactivateRecord(ctx, "u", rec.ID); err != nil {
		t.Fatal(err)
	}
	orgB := registerOrg(t, s, "org-b", "Org B")
	if _, err := s.GrantAccess(ctx, "u", rec.ID, orgB, nil); !errors.Is(err, ErrRecordInactive) {
		t.Fatalf("grant after deactivation: got %v", err)
	}
}
