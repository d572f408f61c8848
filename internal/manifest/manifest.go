// Package manifest reads and updates addon manifest files.
//
// An addon is a top-level directory of an addons repository that contains a
// manifest file. The manifest declares the addon name, its version, whether
// it is installable and the GitHub logins of its maintainers.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
)

// ManifestNames are the recognized manifest file names, in lookup order.
var ManifestNames = []string{"manifest.toml", "addon.toml"}

var versionRe = regexp.MustCompile(
	`^(?P<series>\d+\.\d+)\.(?P<major>\d+)\.(?P<minor>\d+)\.(?P<patch>\d+)$`,
)

var manifestVersionRe = regexp.MustCompile(
	`(?m)^(?P<pre>\s*version\s*=\s*")(?P<version>[\d.]+)(?P<post>")`,
)

// ErrNoManifest is wrapped by errors returned when a directory does not
// contain a manifest file.
var ErrNoManifest = fmt.Errorf("no manifest file found")

// Manifest is the parsed content of an addon manifest file.
type Manifest struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Installable bool     `toml:"installable"`
	Maintainers []string `toml:"maintainers"`
}

// Parse parses manifest file content.
// A missing installable key defaults to true.
func Parse(data []byte) (*Manifest, error) {
	m := Manifest{Installable: true}

	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest failed: %w", err)
	}

	return &m, nil
}

// Path returns the path of the manifest file in addonDir or an error wrapping
// ErrNoManifest.
func Path(addonDir string) (string, error) {
	for _, name := range ManifestNames {
		p := filepath.Join(addonDir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w in %s", ErrNoManifest, addonDir)
}

// IsAddonDir returns true if dir contains a manifest file.
func IsAddonDir(dir string) bool {
	_, err := Path(dir)
	return err == nil
}

// Read reads and parses the manifest of addonDir.
func Read(addonDir string) (*Manifest, error) {
	p, err := Path(addonDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// SetVersion rewrites the version value in the manifest file of addonDir.
// Only the version line is touched, the rest of the file is preserved
// byte-for-byte.
func SetVersion(addonDir, version string) error {
	p, err := Path(addonDir)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}

	if !manifestVersionRe.Match(data) {
		return fmt.Errorf("no version key found in %s", p)
	}

	data = manifestVersionRe.ReplaceAll(data, []byte("${pre}"+version+"${post}"))

	return os.WriteFile(p, data, 0o644)
}

// BumpVersion increments the major, minor or patch segment of a
// "{series}.{major}.{minor}.{patch}" version string. Lower segments are
// reset to zero.
func BumpVersion(version, mode string) (string, error) {
	mo := versionRe.FindStringSubmatch(version)
	if mo == nil {
		return "", fmt.Errorf("version %q does not match the expected series.x.y.z pattern", version)
	}

	series := mo[1]
	major, _ := strconv.Atoi(mo[2])
	minor, _ := strconv.Atoi(mo[3])
	patch, _ := strconv.Atoi(mo[4])

	switch mode {
	case "major":
		major++
		minor = 0
		patch = 0
	case "minor":
		minor++
		patch = 0
	case "patch":
		patch++
	default:
		return "", fmt.Errorf("unexpected bump mode %q", mode)
	}

	return fmt.Sprintf("%s.%d.%d.%d", series, major, minor, patch), nil
}

// SeriesFromVersion returns the "{major}.{minor}" series prefix of an addon
// version.
func SeriesFromVersion(version string) (string, error) {
	mo := versionRe.FindStringSubmatch(version)
	if mo == nil {
		return "", fmt.Errorf("version %q does not match the expected series.x.y.z pattern", version)
	}

	return mo[1], nil
}

// AddonDirs enumerates the addon directories in addonsDir.
// When installableOnly is set, addons whose manifest declares
// installable = false are skipped.
func AddonDirs(addonsDir string, installableOnly bool) ([]string, error) {
	entries, err := os.ReadDir(addonsDir)
	if err != nil {
		return nil, err
	}

	var result []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(addonsDir, entry.Name())
		if !IsAddonDir(dir) {
			continue
		}

		if installableOnly {
			m, err := Read(dir)
			if err != nil || !m.Installable {
				continue
			}
		}

		result = append(result, dir)
	}

	return result, nil
}

// ModifiedAddons classifies a list of changed file paths, as produced by
// git diff --name-only, relative to a local checkout in addonsDir.
//
// It returns the set of modified addon names and a flag telling whether
// anything outside an addon directory changed. Files below the
// setup/<addon>/ staging layout count as a change of that addon when the
// staged addon directory exists, otherwise as an other change.
func ModifiedAddons(addonsDir string, changedPaths []string) (addons map[string]struct{}, otherChanges bool) {
	addons = map[string]struct{}{}

	for _, p := range changedPaths {
		if p == "" {
			continue
		}

		parts := strings.Split(filepath.ToSlash(p), "/")
		if len(parts) < 2 {
			// file at the repository root
			otherChanges = true
			continue
		}

		if parts[0] == "setup" {
			addonName := parts[1]
			staged := filepath.Join(addonsDir, "setup", addonName, "addons", addonName)
			if IsAddonDir(staged) {
				addons[addonName] = struct{}{}
			} else {
				otherChanges = true
			}

			continue
		}

		if IsAddonDir(filepath.Join(addonsDir, parts[0])) {
			addons[parts[0]] = struct{}{}
		} else {
			otherChanges = true
		}
	}

	return addons, otherChanges
}
