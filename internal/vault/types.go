package vault

import (
	"time"

	"healthlock.org/internal/keys"
)

// Field and capacity ceilings. Enforced before any mutating write;
// oversized input is rejected, never truncated.
const (
	MaxPayloadBytes    = 1000
	MaxMimeTypeLen     = 100
	MaxDescriptionLen  = 100
	MaxTitleLen        = 50
	MaxVaultNameLen    = 50
	MaxOrgNameLen      = 100
	MaxOrgContactLen   = 200
	MaxOrgDescLen      = 200
	MaxAccessEntries   = 100
	MaxRecordsPerVault = 100
)

// Vault is the per-owner identity record: profile fields plus the
// ordered index of record ids the owner holds. Vaults are never
// deleted, only deactivated.
type Vault struct {
	Owner     string    `json:"owner"`
	Address   string    `json:"address"`
	RecordIDs []uint64  `json:"record_ids"`
	Name      string    `json:"name,omitempty"`
	Age       uint64    `json:"age,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Organization is an institutional actor that can be granted read
// access to records. Identity fields are immutable after
// registration; RecordIDs is a reverse-index cache over the grants
// embedded in each record's ACL, not a second source of truth.
type Organization struct {
	ID          string    `json:"id"` // derived address, one org per owning identity
	Owner       string    `json:"owner"`
	OrgSeq      uint64    `json:"org_seq"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Contact     string    `json:"contact"`
	RecordIDs   []uint64  `json:"record_ids"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// HealthRecord holds one encrypted entry and its embedded ACL. The
// payload is opaque to the service.
type HealthRecord struct {
	Owner       string             `json:"owner"`
	ID          uint64             `json:"id"`
	Address     string             `json:"address"`
	Payload     []byte             `json:"payload"`
	MimeType    string             `json:"mime_type"`
	FileSize    uint64             `json:"file_size"`
	Description string             `json:"description"`
	Title       string             `json:"title"`
	Access      []AccessPermission `json:"access"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
}

// AccessPermission is one ACL entry. Revocation flips Live to false
// and keeps the entry as history; expiry is absolute and evaluated
// lazily at authorization time.
type AccessPermission struct {
	Organization string     `json:"organization"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil means never expires
	Live         bool       `json:"live"`
}

// RecordMeta carries the caller-supplied metadata for an upload.
type RecordMeta struct {
	MimeType    string `json:"mime_type"`
	Description string `json:"description"`
	Title       string `json:"title"`
}

// ProfileUpdate selects which vault profile fields to change. Nil
// fields are left untouched; the record index is never affected.
type ProfileUpdate struct {
	Active *bool   `json:"active,omitempty"`
	Name   *string `json:"name,omitempty"`
	Age    *uint64 `json:"age,omitempty"`
}

// VaultAddress returns the storage cell address of an owner's vault.
func VaultAddress(owner string) keys.Address {
	return keys.Derive(keys.PurposeVault, owner)
}

// RecordAddress returns the storage cell address of a record.
func RecordAddress(owner string, id uint64) keys.Address {
	return keys.Derive(keys.PurposeRecord, owner, id)
}

// OrganizationAddress returns the storage cell address of the single
// organization profile registrable by an identity. Its string form is
// the organization's public id.
func OrganizationAddress(owner string) keys.Address {
	return keys.Derive(keys.PurposeOrganization, owner)
}
