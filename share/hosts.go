package ppshare

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Sentinel marker lines bracketing the managed hosts-file block. Every line
// between them is a loopback mapping owned by this process.
const (
	HostsMarkerStart = "### PAPER-START ###"
	HostsMarkerEnd   = "### PAPER-END ###"
)

// DefaultHostsFilePath returns the platform hosts-file path.
func DefaultHostsFilePath() string {
	if runtime.GOOS == "windows" {
		return `C:\Windows\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// DomainRegistry owns the set of locally-mapped domain names and the
// on-disk managed block that maps them to the loopback address. All
// operations are safe for concurrent use; none of them is ever fatal to
// the process — hosts-file patching is an enhancement, and on failure the
// registry degrades to a warning state while the relay keeps serving.
type DomainRegistry struct {
	*Logger
	lock      sync.Mutex
	path      string
	domains   map[string]struct{}
	installed bool
	disabled  bool

	// flush is invoked best-effort after each successful install. Replaced
	// in tests.
	flush func(*Logger) error

	// write persists file content. Defaults to writeFileAtomic; replaced in
	// tests to exercise write-failure paths.
	write func(path string, data []byte) error
}

// NewDomainRegistry creates a registry managing the hosts file at path,
// seeded with the given domains. If disabled, Install and Remove become
// no-ops and only the in-memory set is maintained.
func NewDomainRegistry(logger *Logger, path string, seed []string, disabled bool) *DomainRegistry {
	dr := &DomainRegistry{
		Logger:   logger.Fork("hosts"),
		path:     path,
		domains:  make(map[string]struct{}, len(seed)),
		disabled: disabled,
		flush:    flushDNSCache,
		write:    writeFileAtomic,
	}
	for _, d := range seed {
		dr.domains[d] = struct{}{}
	}
	return dr
}

// Installed reports whether the managed block is currently believed to be
// present in the hosts file.
func (dr *DomainRegistry) Installed() bool {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	return dr.installed
}

// Domains returns a sorted snapshot of the domain set.
func (dr *DomainRegistry) Domains() []string {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	return dr.sortedDomainsLocked()
}

func (dr *DomainRegistry) sortedDomainsLocked() []string {
	out := make([]string, 0, len(dr.domains))
	for d := range dr.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Install idempotently ensures the managed block exists in the hosts file
// containing exactly the current domain set, sorted. An existing managed
// block is replaced, never appended to; unrelated file content is preserved.
// Permission denied degrades to a warning state. The returned error is
// advisory — callers must treat every failure as non-fatal.
func (dr *DomainRegistry) Install() error {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	return dr.installLocked()
}

func (dr *DomainRegistry) installLocked() error {
	if dr.disabled {
		return nil
	}

	content, err := dr.readHostsFile()
	if err != nil {
		return err
	}

	updated := stripManagedBlock(content)
	if updated != "" && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += dr.renderBlockLocked()

	if err := dr.write(dr.path, []byte(updated)); err != nil {
		if errors.Is(err, os.ErrPermission) {
			dr.installed = false
			dr.WLogf("no permission to write %s; run with sudo for automatic domain resolution, or use the PAC route", dr.path)
			return err
		}
		dr.ELogf("failed to update %s: %s", dr.path, err)
		return err
	}

	dr.installed = true
	dr.ILogf("installed %d domain mappings into %s", len(dr.domains), dr.path)

	// Best-effort, never retried.
	if dr.flush != nil {
		if err := dr.flush(dr.Logger); err != nil {
			dr.WLogf("DNS cache flush failed (ignored): %s", err)
		}
	}
	return nil
}

// AddDomain inserts name into the domain set and synchronously re-installs
// the managed block. Returns true iff the domain was newly added; a known
// domain is a no-op returning false.
func (dr *DomainRegistry) AddDomain(name string) bool {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return false
	}

	dr.lock.Lock()
	defer dr.lock.Unlock()
	if _, known := dr.domains[name]; known {
		return false
	}
	dr.domains[name] = struct{}{}
	dr.DLogf("registering domain %q", name)
	if err := dr.installLocked(); err != nil {
		dr.DLogf("hosts update after registering %q failed (ignored): %s", name, err)
	}
	return true
}

// Remove strips the managed block entirely, leaving the rest of the file
// untouched. Safe no-op if no managed block is present. Always attempted at
// shutdown so no stale loopback mappings outlive the process.
func (dr *DomainRegistry) Remove() error {
	dr.lock.Lock()
	defer dr.lock.Unlock()

	if dr.disabled {
		return nil
	}

	content, err := dr.readHostsFile()
	if err != nil {
		return err
	}

	updated := stripManagedBlock(content)
	if updated == content {
		dr.installed = false
		return nil
	}

	if err := dr.write(dr.path, []byte(updated)); err != nil {
		if errors.Is(err, os.ErrPermission) {
			dr.WLogf("no permission to clean up %s", dr.path)
		} else {
			dr.ELogf("failed to clean up %s: %s", dr.path, err)
		}
		return err
	}

	dr.installed = false
	dr.ILogf("cleaned up managed block in %s", dr.path)
	return nil
}

// BlockIntact reports whether the hosts file currently contains exactly the
// managed block the registry would render. Used by the watcher to decide
// whether an external change needs repair.
func (dr *DomainRegistry) BlockIntact() bool {
	dr.lock.Lock()
	defer dr.lock.Unlock()

	content, err := dr.readHostsFile()
	if err != nil {
		return false
	}
	return strings.Contains(content, dr.renderBlockLocked())
}

func (dr *DomainRegistry) readHostsFile() (string, error) {
	data, err := os.ReadFile(dr.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		dr.ELogf("failed to read %s: %s", dr.path, err)
		return "", err
	}
	return string(data), nil
}

// renderBlockLocked generates the managed block: sorted, one loopback
// mapping per line, bracketed by the sentinel markers.
func (dr *DomainRegistry) renderBlockLocked() string {
	var b strings.Builder
	b.WriteString(HostsMarkerStart)
	b.WriteByte('\n')
	for _, d := range dr.sortedDomainsLocked() {
		fmt.Fprintf(&b, "127.0.0.1 %s\n", d)
	}
	b.WriteString(HostsMarkerEnd)
	b.WriteByte('\n')
	return b.String()
}

// stripManagedBlock removes every managed block (inclusive of markers) from
// content, preserving all other lines.
func stripManagedBlock(content string) string {
	if !strings.Contains(content, HostsMarkerStart) {
		return content
	}
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	kept := make([]string, 0, len(lines))
	skip := false
	for _, line := range lines {
		if strings.Contains(line, HostsMarkerStart) {
			skip = true
			continue
		}
		if strings.Contains(line, HostsMarkerEnd) {
			skip = false
			continue
		}
		if !skip {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, "\n")
	if out != "" && hadTrailingNewline {
		out += "\n"
	}
	return out
}

// writeFileAtomic writes data to a temp file in the target's directory and
// renames it over the target, so a crash mid-write can never leave a
// half-written hosts file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".paper-hosts-*")
	if err != nil {
		// Some systems forbid creating files in the hosts directory while
		// still allowing writes to the hosts file itself; fall back to an
		// in-place rewrite in that case.
		return os.WriteFile(path, data, 0644)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
