// Package keys derives deterministic storage addresses for vault
// entities. Every entity lives in a cell addressed by its purpose tag
// plus the owning identity (and a sequence number for records), so the
// same inputs always resolve to the same cell and two purposes can
// never collide.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Purpose namespaces derived addresses.
type Purpose string

const (
	PurposeVault          Purpose = "user_vault"
	PurposeOrganization   Purpose = "organization"
	PurposeRecord         Purpose = "health_record"
	PurposeRecordCounter  Purpose = "record_counter"
	PurposeOrgCounter     Purpose = "organization_counter"
)

// Address is a fixed-size storage cell address.
type Address [32]byte

// String returns the canonical hex form used in APIs and events.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Derive computes the cell address for a purpose-scoped entity.
// Parts are length-prefixed before hashing so that ("ab","c") and
// ("a","bc") derive distinct addresses.
func Derive(p Purpose, owner string, seq ...uint64) Address {
	h := sha256.New()
	writePart(h, []byte(p))
	writePart(h, []byte(owner))
	for _, s := range seq {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], s)
		writePart(h, buf[:])
	}
	var a Address
	h.Sum(a[:0])
	return a
}

// Parse decodes the hex form back into an Address.
func Parse(s string) (Address, bool) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(Address{}) {
		return Address{}, false
	}
	var a Address
	copy(a[:], raw)
	return a, true
}

func writePart(h interface{ Write([]byte) (int, error) }, part []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(part)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(part)
}
