package vault

import (
	"context"
	"sync"
	"time"

	"healthlock.org/internal/keys"
)

// Service defines the record-lifecycle and access-control operations.
// The caller identity is explicit on every operation; the HTTP layer
// resolves it from the authenticated principal and the engine trusts
// it to be cryptographically verified.
type Service interface {
	RegisterOwner(ctx context.Context, owner string) (Vault, error)
	GetVault(ctx context.Context, owner string) (Vault, error)
	UpdateProfile(ctx context.Context, owner string, upd ProfileUpdate) (Vault, error)

	RegisterOrganization(ctx context.Context, owner, name, description, contact string) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)

	UploadRecord(ctx context.Context, owner string, payload []byte, meta RecordMeta) (HealthRecord, error)
	GetRecord(ctx context.Context, caller string, recordID uint64) (HealthRecord, error)
	DeactivateRecord(ctx context.Context, owner string, recordID uint64) error

	GrantAccess(ctx context.Context, owner string, recordID uint64, orgID string, duration *time.Duration) (AccessPermission, error)
	RevokeAccess(ctx context.Context, owner string, recordID uint64, orgID string) error
	IsAuthorized(ctx context.Context, recordID uint64, orgID string, at time.Time) (bool, error)
}

// InMemory implements Service with in-process concurrency safety.
// Every public operation is a single critical section: no operation
// can observe a partially-applied sibling, and all preconditions are
// re-checked inside the lock immediately before the mutating write.
type InMemory struct {
	mu      sync.RWMutex
	vaults  map[keys.Address]*Vault
	orgs    map[keys.Address]*Organization
	records map[keys.Address]*HealthRecord
	cells   map[uint64]keys.Address // record id -> record cell

	// Counters start at 1 and advance exactly once per successful
	// create, in the same critical section as the commit. Ids are
	// never reused, even after deactivation.
	nextRecordID uint64
	nextOrgSeq   uint64

	now  func() time.Time
	sink Sink
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source. Intended for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSink attaches a fire-and-forget notification sink.
func WithSink(sink Sink) Option {
	return func(s *InMemory) { s.sink = sink }
}

// NewInMemory creates an empty store.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		vaults:       make(map[keys.Address]*Vault),
		orgs:         make(map[keys.Address]*Organization),
		records:      make(map[keys.Address]*HealthRecord),
		cells:        make(map[uint64]keys.Address),
		nextRecordID: 1,
		nextOrgSeq:   1,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) emit(e Event) {
	if s.sink != nil {
		s.sink.Publish(e)
	}
}

func (s *InMemory) RegisterOwner(ctx context.Context, owner string) (Vault, error) {
	cell := VaultAddress(owner)

	s.mu.Lock()
	if _, ok := s.vaults[cell]; ok {
		s.mu.Unlock()
		return Vault{}, ErrVaultExists
	}
	v := &Vault{
		Owner:     owner,
		Address:   cell.String(),
		RecordIDs: []uint64{},
		Active:    true,
		CreatedAt: s.now(),
	}
	s.vaults[cell] = v
	out := copyVault(v)
	s.mu.Unlock()

	s.emit(Event{Kind: EventOwnerRegistered, Owner: owner, Timestamp: out.CreatedAt})
	return out, nil
}

func (s *InMemory) GetVault(ctx context.Context, owner string) (Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[VaultAddress(owner)]
	if !ok {
		return Vault{}, ErrVaultNotFound
	}
	return copyVault(v), nil
}

func (s *InMemory) UpdateProfile(ctx context.Context, owner string, upd ProfileUpdate) (Vault, error) {
	if upd.Name != nil && len(*upd.Name) > MaxVaultNameLen {
		return Vault{}, ErrNameTooLong
	}

	s.mu.Lock()
	v, ok := s.vaults[VaultAddress(owner)]
	if !ok {
		s.mu.Unlock()
		return Vault{}, ErrVaultNotFound
	}
	if upd.Active != nil {
		v.Active = *upd.Active
	}
	if upd.Name != nil {
		v.Name = *upd.Name
	}
	if upd.Age != nil {
		v.Age = *upd.Age
	}
	out := copyVault(v)
	now := s.now()
	s.mu.Unlock()

	s.emit(Event{Kind: EventProfileUpdated, Owner: owner, Timestamp: now})
	return out, nil
}

func (s *InMemory) RegisterOrganization(ctx context.Context, owner, name, description, contact string) (Organization, error) {
	if err := ValidateOrganizationInput(name, description, contact); err != nil {
		return Organization{}, err
	}
	cell := OrganizationAddress(owner)

	s.mu.Lock()
	if _, ok := s.orgs[cell]; ok {
		s.mu.Unlock()
		return Organization{}, ErrOrganizationExists
	}
	org := &Organization{
		ID:          cell.String(),
		Owner:       owner,
		OrgSeq:      s.nextOrgSeq,
		Name:        name,
		Description: description,
		Contact:     contact,
		RecordIDs:   []uint64{},
		Active:      true,
		CreatedAt:   s.now(),
	}
	s.orgs[cell] = org
	s.nextOrgSeq++
	out := copyOrg(org)
	s.mu.Unlock()

	s.emit(Event{
		Kind:             EventOrganizationRegistered,
		Owner:            owner,
		Organization:     out.ID,
		OrganizationName: out.Name,
		Timestamp:        out.CreatedAt,
	})
	return out, nil
}

func (s *InMemory) GetOrganization(ctx context.Context, id string) (Organization, error) {
	cell, ok := keys.Parse(id)
	if !ok {
		return Organization{}, ErrInvalidOrganization
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, found := s.orgs[cell]
	if !found {
		return Organization{}, ErrInvalidOrganization
	}
	return copyOrg(org), nil
}

func (s *InMemory) UploadRecord(ctx context.Context, owner string, payload []byte, meta RecordMeta) (HealthRecord, error) {
	if err := ValidateRecordInput(payload, meta); err != nil {
		return HealthRecord{}, err
	}

	s.mu.Lock()
	v, ok := s.vaults[VaultAddress(owner)]
	if !ok {
		s.mu.Unlock()
		return HealthRecord{}, ErrVaultNotFound
	}
	if !v.Active {
		s.mu.Unlock()
		return HealthRecord{}, ErrVaultInactive
	}
	if len(v.RecordIDs) >= MaxRecordsPerVault {
		s.mu.Unlock()
		return HealthRecord{}, ErrMaxRecordsReached
	}

	// Id allocation, record commit and index append happen in one
	// critical section so a failed upload can never consume an id.
	id := s.nextRecordID
	cell := RecordAddress(owner, id)
	rec := &HealthRecord{
		Owner:       owner,
		ID:          id,
		Address:     cell.String(),
		Payload:     append([]byte(nil), payload...),
		MimeType:    meta.MimeType,
		FileSize:    uint64(len(payload)),
		Description: meta.Description,
		Title:       meta.Title,
		Access:      []AccessPermission{},
		Active:      true,
		CreatedAt:   s.now(),
	}
	s.records[cell] = rec
	s.cells[id] = cell
	v.RecordIDs = append(v.RecordIDs, id)
	s.nextRecordID++
	out := copyRecord(rec)
	s.mu.Unlock()

	s.emit(Event{
		Kind:          EventRecordUploaded,
		Owner:         owner,
		RecordID:      out.ID,
		RecordAddress: out.Address,
		Timestamp:     out.CreatedAt,
	})
	return out, nil
}

func (s *InMemory) GetRecord(ctx context.Context, caller string, recordID uint64) (HealthRecord, error) {
	s.mu.RLock()
	rec, err := s.recordByID(recordID)
	if err != nil {
		s.mu.RUnlock()
		return HealthRecord{}, err
	}
	now := s.now()
	if rec.Owner != caller {
		// Non-owners read through their organization's grant.
		orgID := OrganizationAddress(caller).String()
		if !rec.Authorized(orgID, now) {
			s.mu.RUnlock()
			return HealthRecord{}, ErrUnauthorized
		}
	}
	out := copyRecord(rec)
	s.mu.RUnlock()

	if caller != out.Owner {
		s.emit(Event{
			Kind:          EventRecordRetrieved,
			Owner:         out.Owner,
			RecordID:      out.ID,
			RecordAddress: out.Address,
			Requester:     caller,
			Timestamp:     now,
		})
	}
	return out, nil
}

func (s *InMemory) GrantAccess(ctx context.Context, owner string, recordID uint64, orgID string, duration *time.Duration) (AccessPermission, error) {
	if duration != nil && *duration <= 0 {
		return AccessPermission{}, ErrInvalidDuration
	}
	orgCell, ok := keys.Parse(orgID)
	if !ok {
		return AccessPermission{}, ErrInvalidOrganization
	}

	s.mu.Lock()
	rec, err := s.ownedActiveRecord(owner, recordID)
	if err != nil {
		s.mu.Unlock()
		return AccessPermission{}, err
	}
	org, found := s.orgs[orgCell]
	if !found {
		s.mu.Unlock()
		return AccessPermission{}, ErrInvalidOrganization
	}
	if !org.Active {
		s.mu.Unlock()
		return AccessPermission{}, ErrOrganizationInactive
	}

	now := s.now()
	var expiresAt *time.Time
	if duration != nil {
		t := now.Add(*duration)
		expiresAt = &t
	}
	perm, err := rec.appendGrant(org.ID, now, expiresAt)
	if err != nil {
		s.mu.Unlock()
		return AccessPermission{}, err
	}
	if !containsID(org.RecordIDs, recordID) {
		org.RecordIDs = append(org.RecordIDs, recordID)
	}
	orgName := org.Name
	recAddr := rec.Address
	s.mu.Unlock()

	s.emit(Event{
		Kind:             EventAccessGranted,
		Owner:            owner,
		RecordID:         recordID,
		RecordAddress:    recAddr,
		Organization:     orgID,
		OrganizationName: orgName,
		ExpiresAt:        expiresAt,
		Timestamp:        now,
	})
	return perm, nil
}

func (s *InMemory) RevokeAccess(ctx context.Context, owner string, recordID uint64, orgID string) error {
	orgCell, ok := keys.Parse(orgID)
	if !ok {
		return ErrInvalidOrganization
	}

	s.mu.Lock()
	rec, err := s.ownedActiveRecord(owner, recordID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	org, found := s.orgs[orgCell]
	if !found {
		s.mu.Unlock()
		return ErrInvalidOrganization
	}

	now := s.now()
	if rec.liveGrant(org.ID, now) < 0 {
		s.mu.Unlock()
		return ErrAccessNotFound
	}
	// A live grant must have a mirrored reverse-index entry; its
	// absence is a reportable inconsistency, not something to skip.
	mirrored, idx := removeID(org.RecordIDs, recordID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrReverseIndexMismatch
	}
	if err := rec.revokeGrant(org.ID, now); err != nil {
		s.mu.Unlock()
		return err
	}
	org.RecordIDs = mirrored
	recAddr := rec.Address
	s.mu.Unlock()

	s.emit(Event{
		Kind:          EventAccessRevoked,
		Owner:         owner,
		RecordID:      recordID,
		RecordAddress: recAddr,
		Organization:  orgID,
		Timestamp:     now,
	})
	return nil
}

func (s *InMemory) DeactivateRecord(ctx context.Context, owner string, recordID uint64) error {
	s.mu.Lock()
	v, ok := s.vaults[VaultAddress(owner)]
	if !ok {
		s.mu.Unlock()
		return ErrVaultNotFound
	}
	if !v.Active {
		s.mu.Unlock()
		return ErrVaultInactive
	}
	rec, err := s.recordByID(recordID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if rec.Owner != owner {
		s.mu.Unlock()
		return ErrUnauthorized
	}
	if !rec.Active {
		s.mu.Unlock()
		return ErrRecordAlreadyInactive
	}

	now := s.now()
	// Drop the cached reverse-index entries before flipping the flag;
	// after deactivation the ACL no longer authorizes anyone.
	for _, orgID := range rec.liveOrganizations(now) {
		if cell, parsed := keys.Parse(orgID); parsed {
			if org, found := s.orgs[cell]; found {
				if ids, idx := removeID(org.RecordIDs, recordID); idx >= 0 {
					org.RecordIDs = ids
				}
			}
		}
	}
	if ids, idx := removeID(v.RecordIDs, recordID); idx >= 0 {
		v.RecordIDs = ids
	}
	rec.Active = false
	recAddr := rec.Address
	s.mu.Unlock()

	s.emit(Event{
		Kind:          EventRecordDeactivated,
		Owner:         owner,
		RecordID:      recordID,
		RecordAddress: recAddr,
		Timestamp:     now,
	})
	return nil
}

func (s *InMemory) IsAuthorized(ctx context.Context, recordID uint64, orgID string, at time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.recordByID(recordID)
	if err != nil {
		return false, err
	}
	return rec.Authorized(orgID, at), nil
}

// RebuildReverseIndex recomputes every organization's cached record
// list from the ACLs embedded in the records. The cache is never
// authoritative; this restores it after a detected mismatch.
func (s *InMemory) RebuildReverseIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, org := range s.orgs {
		org.RecordIDs = []uint64{}
	}
	for _, rec := range s.records {
		if !rec.Active {
			continue
		}
		for _, orgID := range rec.liveOrganizations(now) {
			cell, ok := keys.Parse(orgID)
			if !ok {
				continue
			}
			if org, found := s.orgs[cell]; found {
				org.RecordIDs = append(org.RecordIDs, rec.ID)
			}
		}
	}
	return nil
}

// ownedActiveRecord is the lifecycle guard shared by grant and
// revoke: vault active, record present, exact owner match, record
// active. Must be called with the write lock held.
func (s *InMemory) ownedActiveRecord(owner string, recordID uint64) (*HealthRecord, error) {
	v, ok := s.vaults[VaultAddress(owner)]
	if !ok {
		return nil, ErrVaultNotFound
	}
	if !v.Active {
		return nil, ErrVaultInactive
	}
	rec, err := s.recordByID(recordID)
	if err != nil {
		return nil, err
	}
	if rec.Owner != owner {
		return nil, ErrUnauthorized
	}
	if !rec.Active {
		return nil, ErrRecordInactive
	}
	return rec, nil
}

func (s *InMemory) recordByID(recordID uint64) (*HealthRecord, error) {
	cell, ok := s.cells[recordID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec, found := s.records[cell]
	if !found {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func copyVault(v *Vault) Vault {
	out := *v
	out.RecordIDs = append([]uint64(nil), v.RecordIDs...)
	return out
}

func copyOrg(o *Organization) Organization {
	out := *o
	out.RecordIDs = append([]uint64(nil), o.RecordIDs...)
	return out
}

func copyRecord(r *HealthRecord) HealthRecord {
	out := *r
	out.Payload = append([]byte(nil), r.Payload...)
	out.Access = make([]AccessPermission, len(r.Access))
	for i, p := range r.Access {
		if p.ExpiresAt != nil {
			t := *p.ExpiresAt
			p.ExpiresAt = &t
		}
		out.Access[i] = p
	}
	return out
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// removeID returns a copy of ids without the first occurrence of id
// and the index it was found at (-1 when absent). Order is preserved.
func removeID(ids []uint64, id uint64) ([]uint64, int) {
	for i, v := range ids {
		if v == id {
			out := make([]uint64, 0, len(ids)-1)
			out = append(out, ids[:i]...)
			out = append(out, ids[i+1:]...)
			return out, i
		}
	}
	return ids, -1
}
