package ppshare

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRegistry creates a registry over a temp hosts file seeded with
// initial content. The DNS cache flush is stubbed out.
func newTestRegistry(t *testing.T, initial string, domains ...string) (*DomainRegistry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(initial), 0644))
	dr := NewDomainRegistry(NewTestLogger("test"), path, domains, false)
	dr.flush = nil
	return dr, path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestInstallIdempotent(t *testing.T) {
	dr, path := newTestRegistry(t, "127.0.0.1 localhost\n", "paper", "blog.paper")

	require.NoError(t, dr.Install())
	first := readFile(t, path)

	require.NoError(t, dr.Install())
	second := readFile(t, path)

	// Byte-identical after the second call; never two managed blocks.
	assert.Equal(t, first, second)
	assert.Equal(t, 1, strings.Count(second, HostsMarkerStart))
	assert.Equal(t, 1, strings.Count(second, HostsMarkerEnd))
	assert.True(t, dr.Installed())
}

func TestInstallPreservesUnrelatedContentSorted(t *testing.T) {
	dr, path := newTestRegistry(t, "127.0.0.1 localhost\n", "paper", "blog.paper")

	require.NoError(t, dr.Install())
	content := readFile(t, path)

	assert.Contains(t, content, "127.0.0.1 localhost\n")
	start := strings.Index(content, HostsMarkerStart)
	end := strings.Index(content, HostsMarkerEnd)
	require.Greater(t, end, start)
	block := content[start+len(HostsMarkerStart) : end]
	// Exactly two mapping lines, lexicographically sorted.
	assert.Equal(t, "\n127.0.0.1 blog.paper\n127.0.0.1 paper\n", block)
}

func TestRemoveRestoresOriginal(t *testing.T) {
	original := "# comment\n127.0.0.1 localhost\n"
	dr, path := newTestRegistry(t, original, "paper", "blog.paper")

	require.NoError(t, dr.Install())
	require.NoError(t, dr.Remove())

	assert.Equal(t, original, readFile(t, path))
	assert.False(t, dr.Installed())
}

func TestRemoveWithoutBlockIsNoOp(t *testing.T) {
	original := "127.0.0.1 localhost\n"
	dr, path := newTestRegistry(t, original, "paper")

	require.NoError(t, dr.Remove())
	assert.Equal(t, original, readFile(t, path))
}

func TestAddDomain(t *testing.T) {
	dr, path := newTestRegistry(t, "", "paper")
	require.NoError(t, dr.Install())

	assert.True(t, dr.AddDomain("x"))
	assert.False(t, dr.AddDomain("x"))

	content := readFile(t, path)
	assert.Equal(t, 1, strings.Count(content, "127.0.0.1 x\n"))
	assert.Equal(t, 1, strings.Count(content, HostsMarkerStart))
	assert.Equal(t, []string{"paper", "x"}, dr.Domains())
}

func TestAddDomainNormalizes(t *testing.T) {
	dr, _ := newTestRegistry(t, "")
	assert.True(t, dr.AddDomain("  Blog.Paper "))
	assert.False(t, dr.AddDomain("blog.paper"))
	assert.False(t, dr.AddDomain(""))
	assert.Equal(t, []string{"blog.paper"}, dr.Domains())
}

func TestInstallReplacesStaleBlock(t *testing.T) {
	// A stale block from a crashed previous run is fully replaced, not
	// appended to.
	stale := "127.0.0.1 localhost\n" + HostsMarkerStart + "\n127.0.0.1 gone.paper\n" + HostsMarkerEnd + "\n"
	dr, path := newTestRegistry(t, stale, "paper")

	require.NoError(t, dr.Install())
	content := readFile(t, path)

	assert.NotContains(t, content, "gone.paper")
	assert.Contains(t, content, "127.0.0.1 paper\n")
	assert.Equal(t, 1, strings.Count(content, HostsMarkerStart))
}

func TestInstallScenario(t *testing.T) {
	// DomainSet = {paper, blog.paper}, file initially holds one unrelated
	// line; install adds the sorted block, remove returns to the original.
	dr, path := newTestRegistry(t, "127.0.0.1 localhost\n", "paper", "blog.paper")

	require.NoError(t, dr.Install())
	content := readFile(t, path)
	require.Contains(t, content, "127.0.0.1 localhost\n")
	require.Contains(t, content,
		HostsMarkerStart+"\n127.0.0.1 blog.paper\n127.0.0.1 paper\n"+HostsMarkerEnd+"\n")

	require.NoError(t, dr.Remove())
	assert.Equal(t, "127.0.0.1 localhost\n", readFile(t, path))
}

func TestDisabledRegistryNeverTouchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("original\n"), 0644))
	dr := NewDomainRegistry(NewTestLogger("test"), path, []string{"paper"}, true)
	dr.flush = nil

	require.NoError(t, dr.Install())
	assert.True(t, dr.AddDomain("x"))
	require.NoError(t, dr.Remove())

	assert.Equal(t, "original\n", readFile(t, path))
	assert.False(t, dr.Installed())
}

func TestInstallMissingFileCreatesIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	dr := NewDomainRegistry(NewTestLogger("test"), path, []string{"paper"}, false)
	dr.flush = nil

	require.NoError(t, dr.Install())
	assert.Contains(t, readFile(t, path), "127.0.0.1 paper\n")
}

func TestBlockIntact(t *testing.T) {
	dr, path := newTestRegistry(t, "127.0.0.1 localhost\n", "paper")

	assert.False(t, dr.BlockIntact())
	require.NoError(t, dr.Install())
	assert.True(t, dr.BlockIntact())

	// An external writer wiping the file loses the block.
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0644))
	assert.False(t, dr.BlockIntact())

	require.NoError(t, dr.Install())
	assert.True(t, dr.BlockIntact())
}

func TestStripManagedBlockNormalizesTrailingNewline(t *testing.T) {
	in := "a\n" + HostsMarkerStart + "\n127.0.0.1 x\n" + HostsMarkerEnd
	assert.Equal(t, "a", stripManagedBlock(in))

	in = "a\n" + HostsMarkerStart + "\n127.0.0.1 x\n" + HostsMarkerEnd + "\nb\n"
	assert.Equal(t, "a\nb\n", stripManagedBlock(in))
}

func TestInstallPermissionDeniedDegrades(t *testing.T) {
	dr, path := newTestRegistry(t, "127.0.0.1 localhost\n", "paper")
	dr.write = func(string, []byte) error {
		return fmt.Errorf("open %s: %w", path, os.ErrPermission)
	}

	err := dr.Install()
	require.ErrorIs(t, err, os.ErrPermission)
	// Degraded, not fatal: the registry reports the warning state the
	// startup banner keys off, and the file is untouched.
	assert.False(t, dr.Installed())
	assert.Equal(t, "127.0.0.1 localhost\n", readFile(t, path))

	// AddDomain still maintains the in-memory set while writes fail.
	assert.True(t, dr.AddDomain("late.paper"))
	assert.False(t, dr.Installed())
	assert.Contains(t, dr.Domains(), "late.paper")

	// Once writes work again (say, after a sudo restart), Install recovers.
	dr.write = writeFileAtomic
	require.NoError(t, dr.Install())
	assert.True(t, dr.Installed())
	assert.Contains(t, readFile(t, path), "127.0.0.1 late.paper\n")
}
