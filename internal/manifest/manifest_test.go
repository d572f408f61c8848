package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAddon(t *testing.T, addonsDir, name, content string) string {
	t.Helper()

	dir := filepath.Join(addonsDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.toml"), []byte(content), 0o644))

	return dir
}

const addon1Manifest = `name = "addon1"
version = "16.0.1.0.0"
installable = true
maintainers = ["alice"]
`

func TestReadManifest(t *testing.T) {
	addonsDir := t.TempDir()
	dir := writeAddon(t, addonsDir, "addon1", addon1Manifest)

	m, err := Read(dir)
	require.NoError(t, err)

	assert.Equal(t, "addon1", m.Name)
	assert.Equal(t, "16.0.1.0.0", m.Version)
	assert.True(t, m.Installable)
	assert.Equal(t, []string{"alice"}, m.Maintainers)
}

func TestReadManifestMissing(t *testing.T) {
	_, err := Read(t.TempDir())
	require.ErrorIs(t, err, ErrNoManifest)
}

func TestInstallableDefaultsToTrue(t *testing.T) {
	m, err := Parse([]byte(`name = "a"` + "\n" + `version = "16.0.1.0.0"` + "\n"))
	require.NoError(t, err)
	assert.True(t, m.Installable)
}

func TestSetVersionPreservesFile(t *testing.T) {
	addonsDir := t.TempDir()
	content := "# addon1\nname = \"addon1\"\nversion = \"16.0.1.0.0\"\nmaintainers = [\"alice\"]\n"
	dir := writeAddon(t, addonsDir, "addon1", content)

	require.NoError(t, SetVersion(dir, "16.0.1.0.1"))

	data, err := os.ReadFile(filepath.Join(dir, "manifest.toml"))
	require.NoError(t, err)
	assert.Equal(t,
		"# addon1\nname = \"addon1\"\nversion = \"16.0.1.0.1\"\nmaintainers = [\"alice\"]\n",
		string(data),
	)
}

func TestBumpVersion(t *testing.T) {
	testcases := []struct {
		version string
		mode    string
		wanted  string
	}{
		{"12.0.1.0.0", "major", "12.0.2.0.0"},
		{"12.0.1.2.3", "major", "12.0.2.0.0"},
		{"12.0.1.2.3", "minor", "12.0.1.3.0"},
		{"12.0.1.2.3", "patch", "12.0.1.2.4"},
	}

	for _, tc := range testcases {
		result, err := BumpVersion(tc.version, tc.mode)
		require.NoError(t, err)
		assert.Equal(t, tc.wanted, result, "bump %s %s", tc.version, tc.mode)
	}
}

func TestBumpVersionErrors(t *testing.T) {
	_, err := BumpVersion("1.0", "patch")
	require.Error(t, err)

	_, err = BumpVersion("12.0.1.0.0", "biggest")
	require.Error(t, err)
}

func TestSeriesFromVersion(t *testing.T) {
	series, err := SeriesFromVersion("16.0.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "16.0", series)

	_, err = SeriesFromVersion("1.2.3")
	require.Error(t, err)
}

func TestModifiedAddons(t *testing.T) {
	addonsDir := t.TempDir()
	writeAddon(t, addonsDir, "addon1", addon1Manifest)
	writeAddon(t, addonsDir, "addon2", addon1Manifest)

	addons, other := ModifiedAddons(addonsDir, []string{
		"addon1/models.go",
		"addon1/manifest.toml",
		"addon2/data/init.csv",
	})
	assert.Equal(t, map[string]struct{}{"addon1": {}, "addon2": {}}, addons)
	assert.False(t, other)
}

func TestModifiedAddonsOtherChanges(t *testing.T) {
	addonsDir := t.TempDir()
	writeAddon(t, addonsDir, "addon1", addon1Manifest)

	addons, other := ModifiedAddons(addonsDir, []string{
		"addon1/models.go",
		"README.md",
	})
	assert.Equal(t, map[string]struct{}{"addon1": {}}, addons)
	assert.True(t, other)

	_, other = ModifiedAddons(addonsDir, []string{"tools/release.sh"})
	assert.True(t, other)
}

func TestModifiedAddonsSetupLayout(t *testing.T) {
	addonsDir := t.TempDir()
	staged := filepath.Join("setup", "addon1", "addons", "addon1")
	require.NoError(t, os.MkdirAll(filepath.Join(addonsDir, staged), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(addonsDir, staged, "manifest.toml"),
		[]byte(addon1Manifest), 0o644,
	))

	addons, other := ModifiedAddons(addonsDir, []string{"setup/addon1/setup.cfg"})
	assert.Equal(t, map[string]struct{}{"addon1": {}}, addons)
	assert.False(t, other)

	_, other = ModifiedAddons(addonsDir, []string{"setup/unknown/setup.cfg"})
	assert.True(t, other)
}

func TestAddonDirs(t *testing.T) {
	addonsDir := t.TempDir()
	writeAddon(t, addonsDir, "addon1", addon1Manifest)
	writeAddon(t, addonsDir, "addon2", "name = \"addon2\"\nversion = \"16.0.1.0.0\"\ninstallable = false\n")
	require.NoError(t, os.MkdirAll(filepath.Join(addonsDir, "not_an_addon"), 0o755))

	all, err := AddonDirs(addonsDir, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(addonsDir, "addon1"),
		filepath.Join(addonsDir, "addon2"),
	}, all)

	installable, err := AddonDirs(addonsDir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(addonsDir, "addon1")}, installable)
}
