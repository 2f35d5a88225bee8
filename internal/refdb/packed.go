package refdb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const (
	packedRefsFile   = "packed-refs"
	packedRefsHeader = "# pack-refs with:"
	packedRefsTraits = packedRefsHeader + " peeled fully-peeled sorted \n"
)

// PackedRef is one entry of the packed log.
type PackedRef struct {
	Name git.ReferenceName
	ID   git.ObjectID
	// Peeled is the object an annotated tag points to. It is empty for other objects.
	Peeled git.ObjectID
}

// fileSnapshot records what a file looked like when it was read. A file whose modification
// time and size are unchanged is assumed to be unchanged, which is only true if writes are
// at least one timestamp tick apart.
type fileSnapshot struct {
	exists  bool
	modTime time.Time
	size    int64
}

func snapshotFromInfo(info os.FileInfo) fileSnapshot {
	return fileSnapshot{exists: true, modTime: info.ModTime(), size: info.Size()}
}

func snapshotOf(path string) (fileSnapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileSnapshot{}, nil
		}
		return fileSnapshot{}, err
	}
	return snapshotFromInfo(info), nil
}

func (s fileSnapshot) equal(other fileSnapshot) bool {
	return s.exists == other.exists && s.modTime.Equal(other.modTime) && s.size == other.size
}

// PackedRefList is an immutable, sorted snapshot of the packed log. It is replaced as a whole
// and never modified in place, so it can be shared freely.
type PackedRefList struct {
	refs     []PackedRef
	snapshot fileSnapshot
	id       string
}

func newPackedRefList(refs []PackedRef, snapshot fileSnapshot) *PackedRefList {
	var checksum git.Checksum
	for _, ref := range refs {
		checksum.Add(ref.Name, ref.ID)
	}

	return &PackedRefList{refs: refs, snapshot: snapshot, id: checksum.String()}
}

// Len returns the number of packed references.
func (l *PackedRefList) Len() int {
	return len(l.refs)
}

// At returns the i-th reference in name order.
func (l *PackedRefList) At(i int) PackedRef {
	return l.refs[i]
}

// Find returns the index of name, or the index it would be inserted at and false.
func (l *PackedRefList) Find(name git.ReferenceName) (int, bool) {
	return findPackedRef(l.refs, name)
}

// Get returns the packed reference with the given name.
func (l *PackedRefList) Get(name git.ReferenceName) (PackedRef, bool) {
	if i, ok := l.Find(name); ok {
		return l.refs[i], true
	}
	return PackedRef{}, false
}

// Refs returns a copy of all packed references.
func (l *PackedRefList) Refs() []PackedRef {
	return append([]PackedRef(nil), l.refs...)
}

// ID identifies the contents of the list. Two lists with the same references have the same ID.
func (l *PackedRefList) ID() string {
	return l.id
}

func findPackedRef(refs []PackedRef, name git.ReferenceName) (int, bool) {
	i := sort.Search(len(refs), func(i int) bool { return refs[i].Name >= name })
	return i, i < len(refs) && refs[i].Name == name
}

// setPackedRef returns a copy of refs with ref inserted or replaced.
func setPackedRef(refs []PackedRef, ref PackedRef) []PackedRef {
	i, ok := findPackedRef(refs, ref.Name)
	result := make([]PackedRef, 0, len(refs)+1)
	result = append(result, refs[:i]...)
	result = append(result, ref)
	if ok {
		i++
	}
	return append(result, refs[i:]...)
}

// removePackedRef returns a copy of refs without name.
func removePackedRef(refs []PackedRef, name git.ReferenceName) []PackedRef {
	i, ok := findPackedRef(refs, name)
	if !ok {
		return refs
	}
	result := make([]PackedRef, 0, len(refs)-1)
	result = append(result, refs[:i]...)
	return append(result, refs[i+1:]...)
}

// parsePackedRefs reads the packed log. Files written without the "sorted" trait are sorted
// after reading.
func parsePackedRefs(r io.Reader) ([]PackedRef, error) {
	var refs []PackedRef
	sorted := false

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			if strings.HasPrefix(line, packedRefsHeader) {
				sorted = strings.Contains(line[len(packedRefsHeader):]+" ", " sorted ")
			}
			continue
		case line[0] == '^':
			if len(refs) == 0 {
				return nil, fmt.Errorf("packed-refs line %d: peeled line without reference", lineNo)
			}
			peeled, err := git.NewObjectIDFromHex(line[1:])
			if err != nil {
				return nil, fmt.Errorf("packed-refs line %d: %w", lineNo, err)
			}
			refs[len(refs)-1].Peeled = peeled
			continue
		}

		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("packed-refs line %d: malformed line %q", lineNo, line)
		}
		oid, err := git.NewObjectIDFromHex(line[:sp])
		if err != nil {
			return nil, fmt.Errorf("packed-refs line %d: %w", lineNo, err)
		}
		refs = append(refs, PackedRef{Name: git.ReferenceName(line[sp+1:]), ID: oid})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading packed-refs: %w", err)
	}

	if !sorted {
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	}

	return refs, nil
}

// writePackedRefs writes refs, which must be sorted, in the packed log format.
func writePackedRefs(w io.Writer, refs []PackedRef) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(packedRefsTraits); err != nil {
		return err
	}

	for _, ref := range refs {
		if _, err := fmt.Fprintf(bw, "%s %s\n", ref.ID, ref.Name); err != nil {
			return err
		}
		if ref.Peeled != "" {
			if _, err := fmt.Fprintf(bw, "^%s\n", ref.Peeled); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}
