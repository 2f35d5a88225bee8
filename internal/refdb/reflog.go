package refdb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const renamedRefLog = "RENAMED-REF"

// ReflogEntry is one recorded change of a reference.
type ReflogEntry struct {
	Old     git.ObjectID
	New     git.ObjectID
	Who     string
	When    time.Time
	Message string
}

// shouldAutoCreateLog tells whether a reflog is started for name when it has none yet.
func shouldAutoCreateLog(name git.ReferenceName) bool {
	if name == git.HeadName {
		return true
	}
	for _, prefix := range []string{git.HeadsPrefix, "refs/remotes/", "refs/notes/"} {
		if strings.HasPrefix(name.String(), prefix) {
			return true
		}
	}
	return false
}

func formatReflogEntry(oldID, newID git.ObjectID, who Identity, when time.Time, message string) string {
	message = strings.ReplaceAll(strings.TrimRight(message, "\n"), "\n", " ")
	return fmt.Sprintf("%s %s %s %d %s\t%s\n",
		oldID.OrZero(), newID.OrZero(), who, when.Unix(), when.Format("-0700"), message)
}

// appendReflog appends an entry to the reflog of name. A missing reflog is only created for
// references whose history is kept by default.
func (db *RefDirectory) appendReflog(name git.ReferenceName, oldID, newID git.ObjectID, who Identity, message string) error {
	path := db.logFor(name)

	flags := os.O_WRONLY | os.O_APPEND
	if shouldAutoCreateLog(name) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating reflog directory: %w", err)
		}
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) && flags&os.O_CREATE == 0 {
			return nil
		}
		return fmt.Errorf("opening reflog: %w", err)
	}

	if _, err := f.WriteString(formatReflogEntry(oldID, newID, who, db.now(), message)); err != nil {
		f.Close()
		return fmt.Errorf("appending reflog: %w", err)
	}

	return f.Close()
}

func parseReflogEntry(line string) (ReflogEntry, error) {
	invalid := func() (ReflogEntry, error) {
		return ReflogEntry{}, fmt.Errorf("malformed reflog entry %q", line)
	}

	tab := strings.IndexByte(line, '\t')
	header, message := line, ""
	if tab >= 0 {
		header, message = line[:tab], line[tab+1:]
	}

	if len(header) < 2*git.ObjectIDHexLength+2 {
		return invalid()
	}
	oldID, err := git.NewObjectIDFromHex(header[:git.ObjectIDHexLength])
	if err != nil {
		return invalid()
	}
	newID, err := git.NewObjectIDFromHex(header[git.ObjectIDHexLength+1 : 2*git.ObjectIDHexLength+1])
	if err != nil {
		return invalid()
	}

	rest := header[2*git.ObjectIDHexLength+2:]
	gt := strings.LastIndexByte(rest, '>')
	if gt < 0 {
		return invalid()
	}
	who := rest[:gt+1]

	fields := strings.Fields(rest[gt+1:])
	if len(fields) != 2 {
		return invalid()
	}
	seconds, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return invalid()
	}
	zone, err := time.Parse("-0700", fields[1])
	if err != nil {
		return invalid()
	}

	return ReflogEntry{
		Old:     oldID,
		New:     newID,
		Who:     who,
		When:    time.Unix(seconds, 0).In(zone.Location()),
		Message: message,
	}, nil
}

// ReadReflog returns the reflog entries of name, oldest first. A reference without a reflog
// has no entries.
func (db *RefDirectory) ReadReflog(name git.ReferenceName) ([]ReflogEntry, error) {
	f, err := os.Open(db.logFor(name))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return nil, err
	} else if info.IsDir() {
		return nil, nil
	}

	var entries []ReflogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		entry, err := parseReflogEntry(scanner.Text())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// renameReflog moves the reflog of from to to. A missing reflog is not an error. The log is
// parked under a temporary name first, so that to may live below the path of from.
func (db *RefDirectory) renameReflog(from, to git.ReferenceName) error {
	src := db.logFor(from)
	if info, err := os.Stat(src); err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	} else if info.IsDir() {
		return nil
	}

	tmp := filepath.Join(db.gitDir, "logs", renamedRefLog)
	if err := os.Rename(src, tmp); err != nil {
		return err
	}
	pruneEmptyParents(filepath.Join(db.gitDir, "logs"), from)

	dst := db.logFor(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// reflogMessage builds the message recorded for an update which ended in result.
func reflogMessage(message string, includeResult bool, result Result) string {
	if !includeResult {
		return message
	}

	var decoration string
	switch result {
	case New:
		decoration = "created"
	case FastForward:
		decoration = "fast-forward"
	case Forced:
		decoration = "forced-update"
	default:
		return message
	}

	if message == "" {
		return decoration
	}
	return message + ": " + decoration
}
