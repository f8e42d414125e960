// Package catalog implements the durable, append-only registry of table
// versions (spec.md section 4.3): a map from (table, version) to an
// immutable TableVersion manifest.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/internal/framing"
	"github.com/rhizodata/rhizo/rhizoerr"
	"go.uber.org/zap"
)

// tableNamePattern matches spec.md section 3's identifier rule.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxTableNameLen is spec.md section 3's table name length limit.
const maxTableNameLen = 128

// ValidateTableName normalizes name to lowercase and rejects anything that
// is not a safe identifier, restoring the path-traversal defense-in-depth
// the original Python facade's _validate_table_name performed explicitly
// (original_source/python/rhizo/engine.py).
func ValidateTableName(name string) (string, error) {
	if name == "" {
		return "", rhizoerr.InvalidTableName(name, "table name cannot be empty")
	}
	normalized := toLower(name)
	if len(normalized) > maxTableNameLen {
		return "", rhizoerr.InvalidTableName(name, fmt.Sprintf("too long (max %d chars)", maxTableNameLen))
	}
	if !tableNamePattern.MatchString(normalized) {
		return "", rhizoerr.InvalidTableName(name, "must start with a letter or underscore and contain only letters, numbers, and underscores")
	}
	for _, bad := range []string{"..", "/", "\\", "\x00"} {
		if contains(name, bad) {
			return "", rhizoerr.InvalidTableName(name, "contains forbidden character sequence")
		}
	}
	return normalized, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// TableVersion is an immutable manifest for one version of one table.
type TableVersion struct {
	TableName      string      `json:"table_name"`
	Version        int64       `json:"version"`
	ChunkHashes    []hash.Hash `json:"chunk_hashes"`
	ParentVersion  *int64      `json:"parent_version,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	Metadata       string      `json:"metadata,omitempty"`
}

// tableState is the in-memory index for one table: every committed version
// plus the highest version number, so reads never need to scan the manifest
// directory.
type tableState struct {
	mu       sync.Mutex // serializes commit() for this table
	versions map[int64]*TableVersion
	latest   int64
}

// Catalog is the durable version registry, rooted at a single directory
// with one subdirectory per table (spec.md section 6's <root>/catalog/).
type Catalog struct {
	root string
	log  *zap.Logger

	mu     sync.RWMutex // protects tables map membership (not per-table state)
	tables map[string]*tableState
}

// Open loads (or creates) a catalog rooted at dir, replaying every existing
// manifest into the in-memory index.
func Open(dir string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rhizoerr.IO("mkdir", dir, err)
	}
	c := &Catalog{root: dir, log: log, tables: make(map[string]*tableState)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, rhizoerr.IO("readdir", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := c.loadTable(e.Name()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) loadTable(table string) error {
	dir := filepath.Join(c.root, table)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return rhizoerr.IO("readdir", dir, err)
	}
	st := &tableState{versions: make(map[int64]*TableVersion)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return rhizoerr.IO("read", path, err)
		}
		var tv TableVersion
		if err := framing.Decode(bytes.NewReader(b), &tv); err != nil {
			return rhizoerr.CorruptedManifest(path, err)
		}
		st.versions[tv.Version] = &tv
		if tv.Version > st.latest {
			st.latest = tv.Version
		}
	}
	c.tables[table] = st
	return nil
}

// Commit assigns the next dense version number for tv.TableName, writes its
// manifest durably, and returns the assigned version. It is atomic with
// respect to concurrent commits on the same table via a per-table lock
// (spec.md section 4.3); commits on distinct tables never contend.
func (c *Catalog) Commit(tv TableVersion) (int64, error) {
	table, err := ValidateTableName(tv.TableName)
	if err != nil {
		return 0, err
	}
	if len(tv.ChunkHashes) == 0 {
		return 0, rhizoerr.EmptyTable(table)
	}
	tv.TableName = table

	st := c.tableStateFor(table)
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.latest + 1
	tv.Version = next
	if next > 1 {
		parent := next - 1
		tv.ParentVersion = &parent
	}
	if tv.CreatedAt == 0 {
		tv.CreatedAt = time.Now().Unix()
	}

	dir := filepath.Join(c.root, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, rhizoerr.IO("mkdir", dir, err)
	}
	path := filepath.Join(dir, manifestFilename(next))

	frame, err := framing.Encode(tv)
	if err != nil {
		return 0, err
	}
	if err := writeAtomic(path, frame); err != nil {
		return 0, err
	}

	st.versions[next] = &tv
	st.latest = next

	c.log.Info("catalog commit",
		zap.String("table", table),
		zap.Int64("version", next),
		zap.Int("chunks", len(tv.ChunkHashes)))
	return next, nil
}

func (c *Catalog) tableStateFor(table string) *tableState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tables[table]
	if !ok {
		st = &tableState{versions: make(map[int64]*TableVersion)}
		c.tables[table] = st
	}
	return st
}

// ListTables returns every known table name, sorted.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListVersions returns every committed version of table, ascending.
func (c *Catalog) ListVersions(table string) ([]int64, error) {
	table, err := ValidateTableName(table)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	st, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return nil, rhizoerr.TableNotFound(table)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]int64, 0, len(st.versions))
	for v := range st.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Latest is a sentinel passed to GetVersion to request the latest version.
const Latest int64 = -1

// GetVersion fetches one TableVersion manifest, or the latest if version is
// catalog.Latest.
func (c *Catalog) GetVersion(table string, version int64) (*TableVersion, error) {
	table, err := ValidateTableName(table)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	st, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return nil, rhizoerr.TableNotFound(table)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if version == Latest {
		version = st.latest
	}
	tv, ok := st.versions[version]
	if !ok {
		return nil, rhizoerr.VersionNotFound(table, version)
	}
	cp := *tv
	return &cp, nil
}

// LatestVersion returns the highest committed version for table, or 0 if
// the table has never been committed.
func (c *Catalog) LatestVersion(table string) (int64, error) {
	table, err := ValidateTableName(table)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	st, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latest, nil
}

// DeleteVersion removes a dangling tail version from the catalog: recovery
// uses this to roll back a commit whose changelog entry never made it to
// durable storage (spec.md section 4.5's "dangling catalog entries for
// that tx_id are removed"). It only ever removes the current latest
// version of a table, refusing to tear a hole in the middle of the chain.
func (c *Catalog) DeleteVersion(table string, version int64) error {
	table, err := ValidateTableName(table)
	if err != nil {
		return err
	}
	c.mu.RLock()
	st, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return rhizoerr.TableNotFound(table)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.latest != version {
		return rhizoerr.New(rhizoerr.KindIO, "catalog: refusing to delete non-tail version %d (latest is %d) for table %q", version, st.latest, table)
	}
	path := filepath.Join(c.root, table, manifestFilename(version))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rhizoerr.IO("remove", path, err)
	}
	tv := st.versions[version]
	delete(st.versions, version)
	if tv != nil && tv.ParentVersion != nil {
		st.latest = *tv.ParentVersion
	} else {
		st.latest = 0
	}
	return nil
}

func manifestFilename(version int64) string {
	return fmt.Sprintf("%020d", version)
}

// writeAtomic writes b to path via a temp file + fsync + rename, the same
// crash-safe write pattern cas.Store.Put uses for chunk bodies.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return rhizoerr.IO("create temp", path, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		return rhizoerr.IO("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return rhizoerr.IO("fsync", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return rhizoerr.IO("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return rhizoerr.IO("rename", path, err)
	}
	success = true
	return nil
}
