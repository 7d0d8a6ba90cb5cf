package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"healthlock.org/internal/keys"
	"healthlock.org/internal/vault"
)

// Store implements vault.Service over PostgreSQL. Each mutating
// operation is a single transaction; a partial unique index on
// permissions(record_id, organization_id) where live backstops the
// one-live-grant rule against concurrent writers.
type Store struct {
	db   *sql.DB
	now  func() time.Time
	sink vault.Sink
}

var _ vault.Service = (*Store)(nil)

const pgUniqueViolation = "23505"

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SetSink attaches a fire-and-forget notification sink. Events are
// published only after the owning transaction commits.
func (s *Store) SetSink(sink vault.Sink) { s.sink = sink }

func (s *Store) emit(e vault.Event) {
	if s.sink != nil {
		s.sink.Publish(e)
	}
}

func (s *Store) RegisterOwner(ctx context.Context, owner string) (vault.Vault, error) {
	cell := vault.VaultAddress(owner)
	now := s.now()

	_, err := s.db.ExecContext(ctx, `
		insert into vaults(owner, address, created_at)
		values ($1, $2, $3)
	`, owner, cell.String(), now)
	if isUniqueViolation(err) {
		return vault.Vault{}, vault.ErrVaultExists
	}
	if err != nil {
		return vault.Vault{}, err
	}

	v := vault.Vault{
		Owner:     owner,
		Address:   cell.String(),
		RecordIDs: []uint64{},
		Active:    true,
		CreatedAt: now,
	}
	s.emit(vault.Event{Kind: vault.EventOwnerRegistered, Owner: owner, Timestamp: now})
	return v, nil
}

func (s *Store) GetVault(ctx context.Context, owner string) (vault.Vault, error) {
	return s.loadVault(ctx, s.db, owner)
}

func (s *Store) UpdateProfile(ctx context.Context, owner string, upd vault.ProfileUpdate) (vault.Vault, error) {
	if upd.Name != nil && len(*upd.Name) > vault.MaxVaultNameLen {
		return vault.Vault{}, vault.ErrNameTooLong
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.Vault{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update vaults
		set active = coalesce($2, active),
		    name   = coalesce($3, name),
		    age    = coalesce($4, age)
		where owner = $1
	`, owner, upd.Active, upd.Name, upd.Age)
	if err != nil {
		return vault.Vault{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.Vault{}, vault.ErrVaultNotFound
	}
	v, err := s.loadVault(ctx, tx, owner)
	if err != nil {
		return vault.Vault{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Vault{}, err
	}

	s.emit(vault.Event{Kind: vault.EventProfileUpdated, Owner: owner, Timestamp: s.now()})
	return v, nil
}

func (s *Store) RegisterOrganization(ctx context.Context, owner, name, description, contact string) (vault.Organization, error) {
	if err := vault.ValidateOrganizationInput(name, description, contact); err != nil {
		return vault.Organization{}, err
	}
	cell := vault.OrganizationAddress(owner)
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.Organization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	if err := tx.QueryRowContext(ctx, `
		update counters set value = value + 1
		where name = 'organization_id'
		returning value - 1
	`).Scan(&seq); err != nil {
		return vault.Organization{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into organizations(id, owner, org_seq, name, description, contact, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, cell.String(), owner, seq, name, description, contact, now); err != nil {
		if isUniqueViolation(err) {
			return vault.Organization{}, vault.ErrOrganizationExists
		}
		return vault.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.Organization{}, err
	}

	org := vault.Organization{
		ID:          cell.String(),
		Owner:       owner,
		OrgSeq:      seq,
		Name:        name,
		Description: description,
		Contact:     contact,
		RecordIDs:   []uint64{},
		Active:      true,
		CreatedAt:   now,
	}
	s.emit(vault.Event{
		Kind:             vault.EventOrganizationRegistered,
		Owner:            owner,
		Organization:     org.ID,
		OrganizationName: org.Name,
		Timestamp:        now,
	})
	return org, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (vault.Organization, error) {
	if _, ok := keys.Parse(id); !ok {
		return vault.Organization{}, vault.ErrInvalidOrganization
	}

	var org vault.Organization
	err := s.db.QueryRowContext(ctx, `
		select id, owner, org_seq, name, description, contact, active, created_at
		from organizations where id = $1
	`, id).Scan(&org.ID, &org.Owner, &org.OrgSeq, &org.Name, &org.Description, &org.Contact, &org.Active, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Organization{}, vault.ErrInvalidOrganization
	}
	if err != nil {
		return vault.Organization{}, err
	}

	org.RecordIDs = []uint64{}
	rows, err := s.db.QueryContext(ctx, `
		select record_id from org_records where organization_id = $1 order by record_id asc
	`, id)
	if err != nil {
		return vault.Organization{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rid uint64
		if err := rows.Scan(&rid); err != nil {
			return vault.Organization{}, err
		}
		org.RecordIDs = append(org.RecordIDs, rid)
	}
	return org, rows.Err()
}

func (s *Store) UploadRecord(ctx context.Context, owner string, payload []byte, meta vault.RecordMeta) (vault.HealthRecord, error) {
	if err := vault.ValidateRecordInput(payload, meta); err != nil {
		return vault.HealthRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.HealthRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `select active from vaults where owner = $1 for update`, owner).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.HealthRecord{}, vault.ErrVaultNotFound
	}
	if err != nil {
		return vault.HealthRecord{}, err
	}
	if !active {
		return vault.HealthRecord{}, vault.ErrVaultInactive
	}
	var held int
	if err := tx.QueryRowContext(ctx, `select count(*) from vault_records where owner = $1`, owner).Scan(&held); err != nil {
		return vault.HealthRecord{}, err
	}
	if held >= vault.MaxRecordsPerVault {
		return vault.HealthRecord{}, vault.ErrMaxRecordsReached
	}

	// Rolled back with the rest of the transaction, so a rejected
	// upload never consumes an id.
	var id uint64
	if err := tx.QueryRowContext(ctx, `
		update counters set value = value + 1
		where name = 'record_id'
		returning value - 1
	`).Scan(&id); err != nil {
		return vault.HealthRecord{}, err
	}

	now := s.now()
	cell := vault.RecordAddress(owner, id)
	if _, err := tx.ExecContext(ctx, `
		insert into records(id, owner, address, payload, mime_type, file_size, description, title, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, owner, cell.String(), payload, meta.MimeType, len(payload), meta.Description, meta.Title, now); err != nil {
		return vault.HealthRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into vault_records(owner, record_id) values ($1, $2)
	`, owner, id); err != nil {
		return vault.HealthRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.HealthRecord{}, err
	}

	rec := vault.HealthRecord{
		Owner:       owner,
		ID:          id,
		Address:     cell.String(),
		Payload:     append([]byte(nil), payload...),
		MimeType:    meta.MimeType,
		FileSize:    uint64(len(payload)),
		Description: meta.Description,
		Title:       meta.Title,
		Access:      []vault.AccessPermission{},
		Active:      true,
		CreatedAt:   now,
	}
	s.emit(vault.Event{
		Kind:          vault.EventRecordUploaded,
		Owner:         owner,
		RecordID:      id,
		RecordAddress: rec.Address,
		Timestamp:     now,
	})
	return rec, nil
}

func (s *Store) GetRecord(ctx context.Context, caller string, recordID uint64) (vault.HealthRecord, error) {
	rec, err := s.loadRecord(ctx, s.db, recordID)
	if err != nil {
		return vault.HealthRecord{}, err
	}
	now := s.now()
	if rec.Owner != caller {
		// Non-owners read through their organization's grant.
		orgID := vault.OrganizationAddress(caller).String()
		if !rec.Authorized(orgID, now) {
			return vault.HealthRecord{}, vault.ErrUnauthorized
		}
		s.emit(vault.Event{
			Kind:          vault.EventRecordRetrieved,
			Owner:         rec.Owner,
			RecordID:      rec.ID,
			RecordAddress: rec.Address,
			Requester:     caller,
			Timestamp:     now,
		})
	}
	return rec, nil
}

func (s *Store) GrantAccess(ctx context.Context, owner string, recordID uint64, orgID string, duration *time.Duration) (vault.AccessPermission, error) {
	if duration != nil && *duration <= 0 {
		return vault.AccessPermission{}, vault.ErrInvalidDuration
	}
	if _, ok := keys.Parse(orgID); !ok {
		return vault.AccessPermission{}, vault.ErrInvalidOrganization
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.AccessPermission{}, err
	}
	defer func() { _ = tx.Rollback() }()

	recAddr, err := s.lockOwnedActiveRecord(ctx, tx, owner, recordID)
	if err != nil {
		return vault.AccessPermission{}, err
	}

	var orgActive bool
	var orgName string
	err = tx.QueryRowContext(ctx, `select active, name from organizations where id = $1`, orgID).Scan(&orgActive, &orgName)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.AccessPermission{}, vault.ErrInvalidOrganization
	}
	if err != nil {
		return vault.AccessPermission{}, err
	}
	if !orgActive {
		return vault.AccessPermission{}, vault.ErrOrganizationInactive
	}

	now := s.now()

	// An expired entry that is still flagged live is retired here so
	// the re-grant below stays the only live entry for this pair.
	var lastID int64
	var lastLive bool
	var lastExpires sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select id, live, expires_at from permissions
		where record_id = $1 and organization_id = $2
		order by id desc limit 1
	`, recordID, orgID).Scan(&lastID, &lastLive, &lastExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return vault.AccessPermission{}, err
	case lastLive && (!lastExpires.Valid || lastExpires.Time.After(now)):
		return vault.AccessPermission{}, vault.ErrAccessAlreadyGranted
	case lastLive:
		if _, err := tx.ExecContext(ctx, `update permissions set live = false where id = $1`, lastID); err != nil {
			return vault.AccessPermission{}, err
		}
	}

	var held int
	if err := tx.QueryRowContext(ctx, `select count(*) from permissions where record_id = $1`, recordID).Scan(&held); err != nil {
		return vault.AccessPermission{}, err
	}
	if held >= vault.MaxAccessEntries {
		return vault.AccessPermission{}, vault.ErrMaxAccessReached
	}

	var expiresAt *time.Time
	if duration != nil {
		t := now.Add(*duration)
		expiresAt = &t
	}
	if _, err := tx.ExecContext(ctx, `
		insert into permissions(record_id, organization_id, granted_at, expires_at, live)
		values ($1, $2, $3, $4, true)
	`, recordID, orgID, now, expiresAt); err != nil {
		if isUniqueViolation(err) {
			return vault.AccessPermission{}, vault.ErrAccessAlreadyGranted
		}
		return vault.AccessPermission{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into org_records(organization_id, record_id)
		values ($1, $2) on conflict do nothing
	`, orgID, recordID); err != nil {
		return vault.AccessPermission{}, err
	}
	if err := tx.Commit(); err != nil {
		return vault.AccessPermission{}, err
	}

	s.emit(vault.Event{
		Kind:             vault.EventAccessGranted,
		Owner:            owner,
		RecordID:         recordID,
		RecordAddress:    recAddr,
		Organization:     orgID,
		OrganizationName: orgName,
		ExpiresAt:        expiresAt,
		Timestamp:        now,
	})
	return vault.AccessPermission{Organization: orgID, GrantedAt: now, ExpiresAt: expiresAt, Live: true}, nil
}

func (s *Store) RevokeAccess(ctx context.Context, owner string, recordID uint64, orgID string) error {
	if _, ok := keys.Parse(orgID); !ok {
		return vault.ErrInvalidOrganization
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	recAddr, err := s.lockOwnedActiveRecord(ctx, tx, owner, recordID)
	if err != nil {
		return err
	}
	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from organizations where id = $1`, orgID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrInvalidOrganization
	}
	if err != nil {
		return err
	}

	now := s.now()
	var permID int64
	var live bool
	var expires sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select id, live, expires_at from permissions
		where record_id = $1 and organization_id = $2
		order by id desc limit 1
		for update
	`, recordID, orgID).Scan(&permID, &live, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrAccessNotFound
	}
	if err != nil {
		return err
	}
	if !live || (expires.Valid && !expires.Time.After(now)) {
		return vault.ErrAccessNotFound
	}

	// A live grant must have a mirrored reverse-index entry; its
	// absence is a reportable inconsistency, not something to skip.
	res, err := tx.ExecContext(ctx, `
		delete from org_records where organization_id = $1 and record_id = $2
	`, orgID, recordID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrReverseIndexMismatch
	}
	if _, err := tx.ExecContext(ctx, `update permissions set live = false where id = $1`, permID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.emit(vault.Event{
		Kind:          vault.EventAccessRevoked,
		Owner:         owner,
		RecordID:      recordID,
		RecordAddress: recAddr,
		Organization:  orgID,
		Timestamp:     now,
	})
	return nil
}

func (s *Store) DeactivateRecord(ctx context.Context, owner string, recordID uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var vaultActive bool
	err = tx.QueryRowContext(ctx, `select active from vaults where owner = $1 for update`, owner).Scan(&vaultActive)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrVaultNotFound
	}
	if err != nil {
		return err
	}
	if !vaultActive {
		return vault.ErrVaultInactive
	}

	var recOwner, recAddr string
	var recActive bool
	err = tx.QueryRowContext(ctx, `
		select owner, address, active from records where id = $1 for update
	`, recordID).Scan(&recOwner, &recAddr, &recActive)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	if recOwner != owner {
		return vault.ErrUnauthorized
	}
	if !recActive {
		return vault.ErrRecordAlreadyInactive
	}

	// Cached reverse-index entries go first; after deactivation the
	// ACL no longer authorizes anyone.
	if _, err := tx.ExecContext(ctx, `delete from org_records where record_id = $1`, recordID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from vault_records where owner = $1 and record_id = $2`, owner, recordID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update records set active = false where id = $1`, recordID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.emit(vault.Event{
		Kind:          vault.EventRecordDeactivated,
		Owner:         owner,
		RecordID:      recordID,
		RecordAddress: recAddr,
		Timestamp:     s.now(),
	})
	return nil
}

func (s *Store) IsAuthorized(ctx context.Context, recordID uint64, orgID string, at time.Time) (bool, error) {
	var recActive bool
	var live sql.NullBool
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select r.active, p.live, p.expires_at
		from records r
		left join lateral (
			select live, expires_at from permissions
			where record_id = r.id and organization_id = $2
			order by id desc limit 1
		) p on true
		where r.id = $1
	`, recordID, orgID).Scan(&recActive, &live, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, vault.ErrRecordNotFound
	}
	if err != nil {
		return false, err
	}
	if !recActive || !live.Valid || !live.Bool {
		return false, nil
	}
	if expires.Valid && !expires.Time.After(at) {
		return false, nil
	}
	return true, nil
}

// RebuildReverseIndex recomputes the org_records cache from the
// permission history. The cache is never authoritative; this restores
// it after a detected mismatch.
func (s *Store) RebuildReverseIndex(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from org_records`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into org_records(organization_id, record_id)
		select p.organization_id, p.record_id
		from permissions p
		join records r on r.id = p.record_id
		where r.active and p.live
		  and (p.expires_at is null or p.expires_at > $1)
		  and p.id = (
			select max(q.id) from permissions q
			where q.record_id = p.record_id and q.organization_id = p.organization_id
		  )
		on conflict do nothing
	`, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadVault(ctx context.Context, q querier, owner string) (vault.Vault, error) {
	var v vault.Vault
	err := q.QueryRowContext(ctx, `
		select owner, address, name, age, active, created_at from vaults where owner = $1
	`, owner).Scan(&v.Owner, &v.Address, &v.Name, &v.Age, &v.Active, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Vault{}, vault.ErrVaultNotFound
	}
	if err != nil {
		return vault.Vault{}, err
	}

	v.RecordIDs = []uint64{}
	rows, err := q.QueryContext(ctx, `
		select record_id from vault_records where owner = $1 order by pos asc
	`, owner)
	if err != nil {
		return vault.Vault{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rid uint64
		if err := rows.Scan(&rid); err != nil {
			return vault.Vault{}, err
		}
		v.RecordIDs = append(v.RecordIDs, rid)
	}
	return v, rows.Err()
}

func (s *Store) loadRecord(ctx context.Context, q querier, recordID uint64) (vault.HealthRecord, error) {
	var rec vault.HealthRecord
	err := q.QueryRowContext(ctx, `
		select id, owner, address, payload, mime_type, file_size, description, title, active, created_at
		from records where id = $1
	`, recordID).Scan(&rec.ID, &rec.Owner, &rec.Address, &rec.Payload, &rec.MimeType,
		&rec.FileSize, &rec.Description, &rec.Title, &rec.Active, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.HealthRecord{}, vault.ErrRecordNotFound
	}
	if err != nil {
		return vault.HealthRecord{}, err
	}

	rec.Access = []vault.AccessPermission{}
	rows, err := q.QueryContext(ctx, `
		select organization_id, granted_at, expires_at, live
		from permissions where record_id = $1 order by id asc
	`, recordID)
	if err != nil {
		return vault.HealthRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var p vault.AccessPermission
		var expires sql.NullTime
		if err := rows.Scan(&p.Organization, &p.GrantedAt, &expires, &p.Live); err != nil {
			return vault.HealthRecord{}, err
		}
		if expires.Valid {
			t := expires.Time
			p.ExpiresAt = &t
		}
		rec.Access = append(rec.Access, p)
	}
	return rec, rows.Err()
}

// lockOwnedActiveRecord is the lifecycle guard shared by grant and
// revoke: vault active, record present, exact owner match, record
// active. Both rows stay locked for the rest of the transaction.
func (s *Store) lockOwnedActiveRecord(ctx context.Context, tx *sql.Tx, owner string, recordID uint64) (string, error) {
	var vaultActive bool
	err := tx.QueryRowContext(ctx, `select active from vaults where owner = $1 for update`, owner).Scan(&vaultActive)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vault.ErrVaultNotFound
	}
	if err != nil {
		return "", err
	}
	if !vaultActive {
		return "", vault.ErrVaultInactive
	}

	var recOwner, recAddr string
	var recActive bool
	err = tx.QueryRowContext(ctx, `
		select owner, address, active from records where id = $1 for update
	`, recordID).Scan(&recOwner, &recAddr, &recActive)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vault.ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	if recOwner != owner {
		return "", vault.ErrUnauthorized
	}
	if !recActive {
		return "", vault.ErrRecordInactive
	}
	return recAddr, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
