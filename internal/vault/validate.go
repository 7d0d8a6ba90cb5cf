package vault

// ValidateRecordInput checks upload bounds. Oversized input is
// rejected outright; nothing is ever truncated to fit.
func ValidateRecordInput(payload []byte, meta RecordMeta) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if len(meta.MimeType) > MaxMimeTypeLen {
		return ErrMimeTypeTooLong
	}
	if len(meta.Description) > MaxDescriptionLen {
		return ErrDescriptionTooLong
	}
	if len(meta.Title) > MaxTitleLen {
		return ErrTitleTooLong
	}
	return nil
}

// ValidateOrganizationInput checks registration bounds. The name is
// required; contact and description may be empty.
func ValidateOrganizationInput(name, description, contact string) error {
	if name == "" || len(name) > MaxOrgNameLen {
		return ErrNameTooLong
	}
	if len(contact) > MaxOrgContactLen {
		return ErrContactTooLong
	}
	if len(description) > MaxOrgDescLen {
		return ErrDescriptionTooLong
	}
	return nil
}
