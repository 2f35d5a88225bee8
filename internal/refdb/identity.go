package refdb

import "fmt"

// Identity is the user on whose behalf references are updated. It is recorded in reflog
// entries and forwarded to the replication engine.
type Identity struct {
	Name  string
	Email string
}

// String formats the identity the way reflogs record it.
func (i Identity) String() string {
	name, email := i.Name, i.Email
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
