package vault

import "errors"

// Every distinguishable failure gets its own sentinel so callers can
// tell "already granted" from "not authorized" from "capacity
// exceeded". All are detected before any mutating write.
var (
	// Authorization: caller does not match the recorded owner.
	ErrUnauthorized = errors.New("vault: caller is not the owner")

	// State.
	ErrVaultInactive           = errors.New("vault: user vault is deactivated")
	ErrRecordInactive          = errors.New("vault: health record is deactivated")
	ErrRecordAlreadyInactive   = errors.New("vault: health record is already deactivated")
	ErrOrganizationInactive    = errors.New("vault: organization is deactivated")

	// Capacity.
	ErrMaxAccessReached  = errors.New("vault: maximum number of access permissions reached")
	ErrMaxRecordsReached = errors.New("vault: maximum number of records reached")

	// NotFound.
	ErrVaultNotFound       = errors.New("vault: user vault not found")
	ErrRecordNotFound      = errors.New("vault: health record not found")
	ErrAccessNotFound      = errors.New("vault: access not found for this organization")
	ErrInvalidOrganization = errors.New("vault: invalid organization")

	// Duplicate creation / grants.
	ErrVaultExists        = errors.New("vault: user vault already registered")
	ErrOrganizationExists = errors.New("vault: organization already registered for this identity")
	ErrAccessAlreadyGranted = errors.New("vault: access already granted to this organization")

	// Validation.
	ErrPayloadTooLarge    = errors.New("vault: record payload exceeds maximum size")
	ErrMimeTypeTooLong    = errors.New("vault: file type is too long")
	ErrDescriptionTooLong = errors.New("vault: description is too long")
	ErrTitleTooLong       = errors.New("vault: title is too long")
	ErrNameTooLong        = errors.New("vault: name is too long")
	ErrContactTooLong     = errors.New("vault: contact info is too long")
	ErrInvalidDuration    = errors.New("vault: access duration must be positive")

	// Index consistency: the organization's reverse index disagrees
	// with the record's ACL.
	ErrReverseIndexMismatch = errors.New("vault: reverse index entry missing for granted record")
)
