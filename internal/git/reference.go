package git

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// HeadName is the name of the symbolic reference pointing at the current branch.
	HeadName = ReferenceName("HEAD")
	// RefsPrefix is the common prefix of all fully qualified references.
	RefsPrefix = "refs/"
	// HeadsPrefix is the prefix of branches.
	HeadsPrefix = "refs/heads/"
	// TagsPrefix is the prefix of tags.
	TagsPrefix = "refs/tags/"
)

var (
	// ErrReferenceNotFound represents an error when a reference was not
	// found.
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrInvalidReferenceName is returned when a reference name violates the
	// git-check-ref-format(1) rules.
	ErrInvalidReferenceName = errors.New("invalid reference name")
)

// ReferenceName represents the name of a git reference, e.g.
// "refs/heads/master". It must always contain a fully qualified reference,
// except for HEAD.
type ReferenceName string

// NewReferenceNameFromBranchName returns a new ReferenceName from a given
// branch name. Note that branch is treated as an unqualified branch name.
// This function will thus always prepend "refs/heads/".
func NewReferenceNameFromBranchName(branch string) ReferenceName {
	return ReferenceName(HeadsPrefix + branch)
}

// String returns the string representation of the ReferenceName.
func (r ReferenceName) String() string {
	return string(r)
}

// Branch returns `true` and the branch name if the reference is a branch. E.g.
// if ReferenceName is "refs/heads/master", it will return "master". If it is
// not a branch, `false` is returned.
func (r ReferenceName) Branch() (string, bool) {
	if strings.HasPrefix(r.String(), HeadsPrefix) {
		return r.String()[len(HeadsPrefix):], true
	}
	return "", false
}

// Prefixes returns every directory prefix of the name, shortest first. The
// prefixes of "refs/heads/a/b" are "refs", "refs/heads" and "refs/heads/a".
func (r ReferenceName) Prefixes() []ReferenceName {
	var prefixes []ReferenceName
	s := r.String()
	for i := strings.IndexByte(s, '/'); i > 0; {
		prefixes = append(prefixes, ReferenceName(s[:i]))
		next := strings.IndexByte(s[i+1:], '/')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return prefixes
}

// Conflicts returns true if one of the names is a directory prefix of the other. Two
// such references cannot coexist because one name would have to be both a leaf
// value and a directory.
func (r ReferenceName) Conflicts(other ReferenceName) bool {
	a, b := r.String(), other.String()
	if len(a) == len(b) {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(b, a+"/")
}

// Validate verifies that the name is a well-formed reference name according to
// the rules of git-check-ref-format(1). HEAD is accepted as a special case.
func (r ReferenceName) Validate() error {
	name := r.String()
	if r == HeadName {
		return nil
	}

	invalid := func(reason string) error {
		return fmt.Errorf("%w: %q %s", ErrInvalidReferenceName, name, reason)
	}

	switch {
	case name == "":
		return invalid("is empty")
	case !strings.HasPrefix(name, RefsPrefix):
		return invalid("is not fully qualified")
	case strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."):
		return invalid("has an invalid suffix")
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return invalid("contains an invalid sequence")
	}

	for _, c := range name {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return invalid("contains an invalid character")
		}
	}

	for _, component := range strings.Split(name, "/") {
		if strings.HasPrefix(component, ".") || strings.HasSuffix(component, ".lock") {
			return invalid("has an invalid component")
		}
	}

	return nil
}

// SortReferenceNames sorts the names in place in byte order, which is the order of
// the packed-refs file.
func SortReferenceNames(names []ReferenceName) {
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
}

// Reference represents a Git reference.
type Reference struct {
	// Name is the name of the reference
	Name ReferenceName
	// Target is the target of the reference. For direct references it
	// contains the object ID, for symbolic references it contains the
	// target branch name.
	Target string
	// IsSymbolic tells whether the reference is direct or symbolic
	IsSymbolic bool
}

// NewReference creates a direct reference to an object.
func NewReference(name ReferenceName, target ObjectID) Reference {
	return Reference{
		Name:       name,
		Target:     target.String(),
		IsSymbolic: false,
	}
}

// NewSymbolicReference creates a symbolic reference to another reference.
func NewSymbolicReference(name ReferenceName, target ReferenceName) Reference {
	return Reference{
		Name:       name,
		Target:     target.String(),
		IsSymbolic: true,
	}
}
