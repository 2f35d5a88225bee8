package git

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Checksum is an order independent hash over a set of references. Two sets of
// references have the same checksum if and only if they contain the same
// name/target pairs (modulo hash collisions). It is used as the identity token of
// a packed-refs snapshot.
// Checksum must not be copied after first use.
type Checksum struct {
	sum big.Int
}

// Add adds a reference to the checksum.
func (c *Checksum) Add(name ReferenceName, target ObjectID) {
	h := sha1.New()
	// hash.Hash will never return an error.
	_, _ = fmt.Fprintf(h, "%s %s", target, name)

	c.update(h.Sum(nil))
}

func (c *Checksum) update(refSum []byte) {
	if c.sum.BitLen() == 0 {
		c.sum.SetBytes(refSum)
	} else {
		var hash big.Int
		hash.SetBytes(refSum)
		c.sum.Xor(&c.sum, &hash)
	}
}

// IsZero returns true when no references have been added to the checksum.
func (c *Checksum) IsZero() bool {
	return c.sum.BitLen() == 0
}

// Bytes returns the checksum as a slice of bytes.
func (c *Checksum) Bytes() []byte {
	return c.sum.Bytes()
}

// String returns the hex representation of the checksum.
func (c *Checksum) String() string {
	return hex.EncodeToString(c.Bytes())
}
