package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
)

const batchCmdName = "batch"

var errEmptyBatch = errors.New("no commands given on standard input")

type batchSubcommand struct {
	atomic     bool
	allowNonFF bool
	message    string
}

func (s *batchSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(batchCmdName, flag.ExitOnError)
	fs.BoolVar(&s.atomic, "atomic", true, "apply all commands or none")
	fs.BoolVar(&s.allowNonFF, "allow-non-ff", false, "allow non-fast-forward updates")
	fs.StringVar(&s.message, "m", "", "reflog message")
	fs.Usage = func() {
		printfErr("Usage of %s:\n", batchCmdName)
		printfErr("  reads lines of \"<old> <new> <ref>\" from standard input and applies them as one batch\n")
		fs.PrintDefaults()
	}
	return fs
}

func (s *batchSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags); err != nil {
		return err
	}

	commands, err := readCommands(env)
	if err != nil {
		return err
	}

	repo, err := env.open()
	if err != nil {
		return err
	}

	batch := repo.Refs().NewBatchUpdate().
		AddCommand(commands...).
		SetAtomic(s.atomic).
		SetAllowNonFastForwards(s.allowNonFF)
	if s.message != "" {
		batch.SetRefLogMessage(s.message, true)
	}

	if err := batch.Execute(ctx, env.user); err != nil {
		return err
	}

	table := env.table("REF", "OLD", "NEW", "RESULT", "MESSAGE")
	failed := 0
	for _, cmd := range batch.Commands() {
		if !cmd.Result.IsSuccess() {
			failed++
		}
		table.Append([]string{cmd.Name.String(), cmd.OldID.String(), cmd.NewID.String(), cmd.Result.String(), cmd.Message})
	}
	table.Render()

	if failed > 0 {
		return fmt.Errorf("%d of %d commands failed", failed, len(commands))
	}
	return nil
}

func readCommands(env environment) ([]*refdb.Command, error) {
	var commands []*refdb.Command

	scanner := bufio.NewScanner(env.stdin)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected \"<old> <new> <ref>\", got %q", line, text)
		}

		oldID, err := git.NewObjectIDFromHex(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		newID, err := git.NewObjectIDFromHex(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		commands = append(commands, refdb.NewCommand(git.ReferenceName(fields[2]), oldID, newID))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(commands) == 0 {
		return nil, errEmptyBatch
	}
	return commands, nil
}
