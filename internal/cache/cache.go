// Package cache implements the result cache: a fingerprint computed over
// an execution's command, arguments, environment, inputs, outputs, limits
// and priority tag maps to a previously observed terminal result, letting
// the scheduler skip the sandbox entirely on a cache hit.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"gradedag/internal/dag"
	"gradedag/internal/store"
)

// Fingerprint is the cache key: a digest over everything that determines
// an execution's outcome.
type Fingerprint string

// Entry is what Get/Put store and retrieve: the terminal result plus the
// store keys of every declared output, keyed by the same sandbox-relative
// path the execution declared them at.
type Entry struct {
	Result  dag.Result
	Stdout  store.Key
	Stderr  store.Key
	Outputs map[string]store.Key
}

type fingerprintInput struct {
	System   string
	Local    string
	Args     []string
	Env      [][2]string
	Stdin    string
	Inputs   []fingerprintFile
	Outputs  []string
	Limits   dag.Limits
	Priority int64
}

type fingerprintFile struct {
	Path       string
	Key        store.Key
	Executable bool
}

// Compute derives the fingerprint of an execution given the resolved
// store keys of its inputs (the execution's own struct only has file
// uuids; the caller resolves those to content keys once they're ready).
func Compute(e *dag.Execution, stdinKey store.Key, inputKeys map[string]store.Key) Fingerprint {
	fi := fingerprintInput{
		System: e.Command.System,
		Args:   e.Args,
		Limits: e.Limits,
		Priority: e.PriorityTag,
	}
	if e.Command.IsLocal() {
		fi.Local = e.Command.Local.String()
	}
	if e.HasStdin {
		fi.Stdin = string(stdinKey)
	}
	for path, in := range e.Inputs {
		fi.Inputs = append(fi.Inputs, fingerprintFile{Path: path, Key: inputKeys[path], Executable: in.Executable})
	}
	sort.Slice(fi.Inputs, func(i, j int) bool { return fi.Inputs[i].Path < fi.Inputs[j].Path })
	for path := range e.Outputs {
		fi.Outputs = append(fi.Outputs, path)
	}
	sort.Strings(fi.Outputs)
	for k, v := range e.Env {
		fi.Env = append(fi.Env, [2]string{k, v})
	}
	sort.Slice(fi.Env, func(i, j int) bool { return fi.Env[i][0] < fi.Env[j][0] })

	blob, _ := json.Marshal(fi)
	sum := sha256.Sum256(blob)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Cache is a SQLite-backed fingerprint -> Entry table, one row per
// fingerprint, persisted across process restarts in the database file
// given to Open.
type Cache struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	entry_json  TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
`

// Open opens (creating if needed) a result cache database at path, with
// WAL journal mode for crash consistency under concurrent scheduler
// access.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Get looks up a fingerprint, returning ok=false on a miss.
func (c *Cache) Get(fp Fingerprint) (entry Entry, ok bool, err error) {
	var status, entryJSON string
	row := c.db.QueryRow(`SELECT status, entry_json FROM cache_entries WHERE fingerprint = ?`, string(fp))
	switch err := row.Scan(&status, &entryJSON); err {
	case nil:
	case sql.ErrNoRows:
		return Entry{}, false, nil
	default:
		return Entry{}, false, fmt.Errorf("cache: get: %w", err)
	}
	if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode entry: %w", err)
	}
	return entry, true, nil
}

// Put stores an entry under fingerprint, overwriting any prior entry.
// Only Success results are worth caching — callers are expected to
// enforce that, but Put itself does not refuse other statuses, to keep
// the cache's own invariants separate from scheduler policy.
func (c *Cache) Put(fp Fingerprint, entry Entry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO cache_entries (fingerprint, status, entry_json, created_at) VALUES (?, ?, ?, strftime('%s','now'))
		 ON CONFLICT(fingerprint) DO UPDATE SET status=excluded.status, entry_json=excluded.entry_json`,
		string(fp), entry.Result.Status.String(), string(blob),
	)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}
