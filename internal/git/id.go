package git

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// ZeroOID is the special value that Git uses to signal a ref or object does not exist
	ZeroOID = ObjectID("0000000000000000000000000000000000000000")

	// ObjectIDHexLength is the length of the hex representation of a SHA1 object ID.
	ObjectIDHexLength = 40
)

var (
	// ErrInvalidObjectID is returned in case an object ID's string
	// representation is not a valid one.
	ErrInvalidObjectID = errors.New("invalid object ID")

	objectIDRegex = regexp.MustCompile(`\A[0-9a-f]{40}\z`)
)

// ObjectID represents an object ID.
type ObjectID string

// NewObjectIDFromHex constructs a new ObjectID from the given hex
// representation of the object ID. Returns ErrInvalidObjectID if the given
// OID is not valid.
func NewObjectIDFromHex(hex string) (ObjectID, error) {
	if err := ValidateObjectID(hex); err != nil {
		return "", err
	}
	return ObjectID(hex), nil
}

// NewObjectIDFromBytes constructs an ObjectID from its raw 20 byte form.
func NewObjectIDFromBytes(raw []byte) (ObjectID, error) {
	if len(raw) != ObjectIDHexLength/2 {
		return "", fmt.Errorf("%w: %d raw bytes", ErrInvalidObjectID, len(raw))
	}
	return ObjectID(hex.EncodeToString(raw)), nil
}

// ParseObjectIDList parses a comma separated list of object IDs. Blank elements are
// skipped. Elements which fail to parse are returned separately so the caller can
// decide whether to log or to fail.
func ParseObjectIDList(list string) ([]ObjectID, []error) {
	var oids []ObjectID
	var errs []error

	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		oid, err := NewObjectIDFromHex(strings.ToLower(item))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		oids = append(oids, oid)
	}

	return oids, errs
}

// String returns the hex representation of the ObjectID.
func (oid ObjectID) String() string {
	return string(oid)
}

// Bytes returns the byte representation of the ObjectID.
func (oid ObjectID) Bytes() ([]byte, error) {
	decoded, err := hex.DecodeString(string(oid))
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// Short returns the abbreviated form used in log messages.
func (oid ObjectID) Short() string {
	if len(oid) < 8 {
		return string(oid)
	}
	return string(oid[:8])
}

// OrZero returns the ObjectID, or ZeroOID in case it is unset.
func (oid ObjectID) OrZero() ObjectID {
	if oid == "" {
		return ZeroOID
	}
	return oid
}

// ValidateObjectID checks if id is a syntactically correct object ID. Abbreviated
// object IDs are not deemed to be valid. Returns an ErrInvalidObjectID if the
// id is not valid.
func ValidateObjectID(id string) error {
	if objectIDRegex.MatchString(id) {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidObjectID, id)
}

// IsZeroOID returns true when the object ID is unset or the all-zero ID.
func (oid ObjectID) IsZeroOID() bool {
	return oid == "" || oid == ZeroOID
}
