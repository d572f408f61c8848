// Package botcmd parses bot commands from pull request comment text.
//
// Commands have the form "/ocabot <command> [options]" on a line of their
// own. Multiple commands may appear in one comment.
package botcmd

import (
	"fmt"
	"regexp"

	"github.com/simplesurance/mergebot/internal/branchfmt"
)

var commandRe = regexp.MustCompile(`(?m)^\s*/ocabot +(?P<command>\w+)(?: +(?P<options>.*?))? *$`)

// Kind is the type of a parsed command.
type Kind string

const (
	KindMerge  Kind = "merge"
	KindRebase Kind = "rebase"
)

// Command is a single parsed bot command.
type Command struct {
	Kind Kind
	// Bump is only set for merge commands.
	Bump branchfmt.BumpMode
}

// InvalidCommandError is returned for an unknown command name.
type InvalidCommandError struct {
	Name string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command: %s", e.Name)
}

// InvalidOptionsError is returned when the options of a known command can
// not be parsed.
type InvalidOptionsError struct {
	Name    string
	Options string
}

func (e *InvalidOptionsError) Error() string {
	return fmt.Sprintf("invalid options for command %s: %s", e.Name, e.Options)
}

// Parse extracts all bot commands from a comment text.
// Text without any command yields an empty result, it is not an error.
func Parse(text string) ([]*Command, error) {
	var result []*Command

	for _, mo := range commandRe.FindAllStringSubmatch(text, -1) {
		name, options := mo[1], mo[2]

		switch name {
		case "merge":
			bump, err := branchfmt.ParseBumpMode(options)
			if err != nil {
				return nil, &InvalidOptionsError{Name: name, Options: options}
			}

			result = append(result, &Command{Kind: KindMerge, Bump: bump})

		case "rebase":
			if options != "" {
				return nil, &InvalidOptionsError{Name: name, Options: options}
			}

			result = append(result, &Command{Kind: KindRebase})

		default:
			return nil, &InvalidCommandError{Name: name}
		}
	}

	return result, nil
}

// Usage is the help text posted when a command could not be parsed.
const Usage = "**Supported commands**\n" +
	"* `/ocabot merge major|minor|patch|nobump`\n" +
	"* `/ocabot rebase`\n"
