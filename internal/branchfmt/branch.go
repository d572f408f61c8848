// Package branchfmt encodes and decodes the merge intent of a pull request
// into a git branch name.
//
// The branch name is the only persistent state of a pending merge. It allows
// resuming the workflow from any webhook delivery without a database: the
// target branch, pull request number, requester and version bump mode are all
// recoverable from the name alone.
package branchfmt

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/simplesurance/mergebot/internal/boterr"
)

// BumpMode selects which segment of an addon version is incremented when the
// pull request is merged.
type BumpMode string

const (
	BumpMajor BumpMode = "major"
	BumpMinor BumpMode = "minor"
	BumpPatch BumpMode = "patch"
	BumpNone  BumpMode = "nobump"

	// bumpNoneToken is the wire representation of BumpNone.
	bumpNoneToken = "no"
)

// ParseBumpMode converts a command option into a BumpMode.
// The empty string maps to BumpNone.
func ParseBumpMode(s string) (BumpMode, error) {
	switch s {
	case "major", "minor", "patch":
		return BumpMode(s), nil
	case "nobump", "no", "":
		return BumpNone, nil
	}

	return "", fmt.Errorf("unknown bump mode: %q", s)
}

func (m BumpMode) token() string {
	if m == BumpNone || m == "" {
		return bumpNoneToken
	}

	return string(m)
}

// MergeIntent is the decoded form of a merge-bot branch name.
type MergeIntent struct {
	PR           int
	TargetBranch string
	Requester    string
	Bump         BumpMode
}

// The literal "ocabot-merge" substring is a wire-format guarantee, external
// tooling greps for it. It must never change.
var mergeBotBranchRe = regexp.MustCompile(
	`^(?P<target>.*)-ocabot-merge-pr-(?P<pr>\d+)-by-(?P<requester>.*)-bump-(?P<bump>major|minor|patch|no)$`,
)

// Encode serializes intent into a branch name.
//
// The format is "{target}-ocabot-merge-pr-{pr}-by-{requester}-bump-{mode}"
// where mode is one of major, minor, patch, no.
func Encode(intent *MergeIntent) string {
	return fmt.Sprintf("%s-ocabot-merge-pr-%d-by-%s-bump-%s",
		intent.TargetBranch, intent.PR, intent.Requester, intent.Bump.token())
}

// Decode parses a merge-bot branch name.
// A *boterr.MalformedBranchNameError is returned when the name does not
// match the encoding.
func Decode(branchName string) (*MergeIntent, error) {
	mo := mergeBotBranchRe.FindStringSubmatch(branchName)
	if mo == nil {
		return nil, &boterr.MalformedBranchNameError{BranchName: branchName}
	}

	pr, err := strconv.Atoi(mo[2])
	if err != nil {
		return nil, &boterr.MalformedBranchNameError{BranchName: branchName}
	}

	bump := BumpMode(mo[4])
	if mo[4] == bumpNoneToken {
		bump = BumpNone
	}

	return &MergeIntent{
		PR:           pr,
		TargetBranch: mo[1],
		Requester:    mo[3],
		Bump:         bump,
	}, nil
}

// IsMergeBotBranch is a cheap test whether name is a merge-bot branch.
// It is used by the webhook routing to filter out CI events for unrelated
// branches.
func IsMergeBotBranch(name string) bool {
	return mergeBotBranchRe.MatchString(name)
}

var embeddedBranchRe = regexp.MustCompile(
	`\S*-ocabot-merge-pr-\d+-by-\S+-bump-(?:major|minor|patch|no)\b`,
)

// FindEmbedded scans free text for an embedded merge-bot branch name and
// returns the first match, or the empty string.
//
// Some CI providers do not deliver the branch name in their check-suite
// payloads, only in the free-text output of a related check-run.
func FindEmbedded(text string) string {
	return embeddedBranchRe.FindString(text)
}

var seriesBranchRe = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// IsSeriesBranch returns true if branchName is a release series branch,
// i.e. matches "{major}.{minor}".
func IsSeriesBranch(branchName string) bool {
	return seriesBranchRe.MatchString(branchName)
}

// IsProtectedBranch returns true for branches the bot must never force-push
// or delete: master and all series branches.
func IsProtectedBranch(branchName string) bool {
	if branchName == "master" || branchName == "main" {
		return true
	}

	return seriesBranchRe.MatchString(branchName)
}

// SeriesFromBranch returns the (major, minor) series numbers of a series
// branch name.
func SeriesFromBranch(branchName string) (major, minor int, err error) {
	mo := seriesBranchRe.FindStringSubmatch(branchName)
	if mo == nil {
		return 0, 0, fmt.Errorf("branch %q is not a series branch", branchName)
	}

	major, _ = strconv.Atoi(mo[1])
	minor, _ = strconv.Atoi(mo[2])

	return major, minor, nil
}
