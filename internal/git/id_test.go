package git

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateObjectID(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		oid   string
		valid bool
	}{
		{
			desc:  "valid object ID",
			oid:   "356e7793f9654d51dfb27312a1464062bceb9fa3",
			valid: true,
		},
		{
			desc:  "object ID with non-hex characters fails",
			oid:   "x56e7793f9654d51dfb27312a1464062bceb9fa3",
			valid: false,
		},
		{
			desc:  "object ID with upper-case letters fails",
			oid:   "356E7793F9654D51DFB27312A1464062BCEB9FA3",
			valid: false,
		},
		{
			desc:  "too short object ID fails",
			oid:   "356e7793f9654d51dfb27312a1464062bceb9fa",
			valid: false,
		},
		{
			desc:  "empty string fails",
			oid:   "",
			valid: false,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := ValidateObjectID(tc.oid)
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, fmt.Sprintf("invalid object ID: %q", tc.oid))
			}
		})
	}
}

func TestObjectID_IsZeroOID(t *testing.T) {
	require.True(t, ZeroOID.IsZeroOID())
	require.True(t, ObjectID("").IsZeroOID())
	require.False(t, ObjectID("356e7793f9654d51dfb27312a1464062bceb9fa3").IsZeroOID())
	require.Equal(t, ZeroOID, ObjectID("").OrZero())
}

func TestNewObjectIDFromBytes(t *testing.T) {
	oid, err := NewObjectIDFromBytes([]byte{
		0x35, 0x6e, 0x77, 0x93, 0xf9, 0x65, 0x4d, 0x51, 0xdf, 0xb2,
		0x73, 0x12, 0xa1, 0x46, 0x40, 0x62, 0xbc, 0xeb, 0x9f, 0xa3,
	})
	require.NoError(t, err)
	require.Equal(t, ObjectID("356e7793f9654d51dfb27312a1464062bceb9fa3"), oid)

	raw, err := oid.Bytes()
	require.NoError(t, err)
	require.Len(t, raw, 20)

	_, err = NewObjectIDFromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidObjectID)
}

func TestParseObjectIDList(t *testing.T) {
	oids, errs := ParseObjectIDList("356e7793f9654d51dfb27312a1464062bceb9fa3, ,Bob,8601B85108EFB2ED6B376E92BC73EBF64C654257")
	require.Equal(t, []ObjectID{
		"356e7793f9654d51dfb27312a1464062bceb9fa3",
		"8601b85108efb2ed6b376e92bc73ebf64c654257",
	}, oids)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrInvalidObjectID)

	oids, errs = ParseObjectIDList("")
	require.Empty(t, oids)
	require.Empty(t, errs)
}
