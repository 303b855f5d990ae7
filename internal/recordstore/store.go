package recordstore

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/resilience"
)

const defaultLockTimeout = 10 * time.Second

// Store is the durable home of memory records and their version chains.
// Writes go through temp-file-plus-rename atomic I/O; concurrent updates to
// the same id are serialized by a per-record advisory file lock.
type Store struct {
	root                 string
	recordsDir           string
	versionsDir          string
	quarantineDir        string
	lock                 *resilience.FileLock
	lockTimeout          time.Duration
	maxVersionsPerRecord int

	mu               sync.RWMutex
	contentHashIndex map[string]string // current content-hash -> id, for Put idempotency (I2)
}

// NewStore opens (creating if necessary) a record store rooted at dir.
func NewStore(dir string, maxVersionsPerRecord int) (*Store, error) {
	if maxVersionsPerRecord <= 0 {
		maxVersionsPerRecord = 10
	}

	s := &Store{
		root:                 dir,
		recordsDir:           filepath.Join(dir, "records"),
		versionsDir:          filepath.Join(dir, "versions"),
		quarantineDir:        filepath.Join(dir, "quarantine"),
		lock:                 resilience.NewFileLock(filepath.Join(dir, "locks")),
		lockTimeout:          defaultLockTimeout,
		maxVersionsPerRecord: maxVersionsPerRecord,
		contentHashIndex:     make(map[string]string),
	}

	for _, d := range []string{s.recordsDir, s.versionsDir, s.quarantineDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}

	logging.Store("record store opened at %s (%d records)", dir, len(s.contentHashIndex))
	return s, nil
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		return fmt.Errorf("list records directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".record") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".record")
		rec, err := s.readRecord(id)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping unreadable record %s during index rebuild: %v", id, err)
			continue
		}
		s.contentHashIndex[rec.ContentHash] = rec.ID
	}
	return nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.recordsDir, id+".record")
}

// Put writes a new record. If a live record already carries the same
// content-hash (I2), Put is idempotent: no write occurs and the existing
// record's id is returned.
func (s *Store) Put(content string, tags []string, salience, confidence float64, project, originSession string) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Put")
	defer timer.Stop()

	if err := ValidateContent(content); err != nil {
		return "", memerr.Wrap(memerr.InvalidInput, "content exceeds size limit", err)
	}

	hash := ContentHash(content)

	s.mu.RLock()
	existingID, dup := s.contentHashIndex[hash]
	s.mu.RUnlock()
	if dup {
		logging.StoreDebug("Put: idempotent duplicate of %s (content-hash %s)", existingID, hash)
		return existingID, nil
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            hash,
		Content:       content,
		Tags:          tags,
		Salience:      salience,
		Confidence:    confidence,
		CreatedAt:     now,
		UpdatedAt:     now,
		Project:       project,
		OriginSession: originSession,
		Version:       1,
		ContentHash:   hash,
		Unknown:       make(map[string]string),
	}

	held, err := s.lock.LockWithTimeout(rec.ID, s.lockTimeout)
	if err != nil {
		return "", memerr.Wrap(memerr.StoreError, "acquire record lock", err)
	}
	defer held.Close()

	// Re-check under lock: another writer may have raced us to the same
	// content-hash between the optimistic check above and lock acquisition.
	s.mu.RLock()
	existingID, dup = s.contentHashIndex[hash]
	s.mu.RUnlock()
	if dup {
		return existingID, nil
	}

	if err := s.writeRecord(rec); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.contentHashIndex[hash] = rec.ID
	s.mu.Unlock()

	logging.Store("Put: created record %s (content-hash %s)", rec.ID, hash)
	return rec.ID, nil
}

// LookupByContentHash returns the id currently holding the given
// content-hash, if any. Used by the dedup filter's exact-match stage (C7);
// Put already applies this check internally for idempotency (I2).
func (s *Store) LookupByContentHash(hash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.contentHashIndex[hash]
	return id, ok
}

// Get returns the record with the given id, or a NotFound error. Archived
// records are still retrievable by id (I3).
func (s *Store) Get(id string) (*Record, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Get")
	defer timer.Stop()
	return s.readRecord(id)
}

// Content resolves id to its current content, satisfying dedup.ContentLookup
// for the near-textual and model-assisted stages. A false second return
// means id does not exist.
func (s *Store) Content(id string) (string, bool) {
	rec, err := s.readRecord(id)
	if err != nil {
		return "", false
	}
	return rec.Content, true
}

// readRecord loads and parses a record file, quarantining it on parse
// failure rather than returning malformed data.
func (s *Store) readRecord(id string) (*Record, error) {
	path := s.recordPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerr.New(memerr.NotFound, fmt.Sprintf("record %s not found", id))
		}
		return nil, memerr.Wrap(memerr.StoreError, fmt.Sprintf("read record %s", id), err)
	}

	rec, err := deserialize(data)
	if err != nil {
		s.quarantine(id, data)
		return nil, memerr.Wrap(memerr.Corrupt, fmt.Sprintf("record %s failed to parse, quarantined", id), err)
	}
	return rec, nil
}

func (s *Store) quarantine(id string, data []byte) {
	path := filepath.Join(s.quarantineDir, fmt.Sprintf("%s-%d.record", id, time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.Get(logging.CategoryStore).Error("failed to quarantine record %s: %v", id, err)
		return
	}
	_ = os.Remove(s.recordPath(id))
	logging.Get(logging.CategoryStore).Warn("quarantined corrupt record %s -> %s", id, path)
}

// writeRecord persists rec atomically.
func (s *Store) writeRecord(rec *Record) error {
	data := serialize(rec)
	if err := resilience.WriteFileAtomic(s.recordPath(rec.ID), data, 0644); err != nil {
		return memerr.Wrap(memerr.StoreError, fmt.Sprintf("write record %s", rec.ID), err)
	}
	return nil
}

// Patch describes the mutable fields an Update call may change.
type Patch struct {
	Content        *string
	Tags           []string
	Salience       *float64
	Confidence     *float64
	Confirmations  *int
	Contradictions *int
	Archived       *bool
	Project        *string
}

// Update reads the current record, applies patch, appends a version entry
// for the pre-update state, and atomically commits the new record.
// Concurrent updates to the same id are serialized by the per-record lock;
// if expectedVersion is non-zero and does not match the record's current
// version at lock-acquisition time, Update fails with StaleWrite.
func (s *Store) Update(id string, expectedVersion int, reason string, patch Patch) (*Record, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Update")
	defer timer.Stop()

	held, err := s.lock.LockWithTimeout(id, s.lockTimeout)
	if err != nil {
		return nil, memerr.Wrap(memerr.StoreError, "acquire record lock", err)
	}
	defer held.Close()

	current, err := s.readRecord(id)
	if err != nil {
		return nil, err
	}

	if expectedVersion != 0 && current.Version != expectedVersion {
		return nil, memerr.New(memerr.StaleWrite, fmt.Sprintf("record %s: expected version %d, found %d", id, expectedVersion, current.Version))
	}

	priorContent := current.Content
	priorVersion := current.Version
	priorHash := current.ContentHash

	if patch.Content != nil {
		if err := ValidateContent(*patch.Content); err != nil {
			return nil, memerr.Wrap(memerr.InvalidInput, "content exceeds size limit", err)
		}
		current.Content = *patch.Content
		current.ContentHash = ContentHash(current.Content)
	}
	if patch.Tags != nil {
		current.Tags = patch.Tags
	}
	if patch.Salience != nil {
		current.Salience = *patch.Salience
	}
	if patch.Confidence != nil {
		current.Confidence = *patch.Confidence
	}
	if patch.Confirmations != nil {
		current.Confirmations = *patch.Confirmations
	}
	if patch.Contradictions != nil {
		current.Contradictions = *patch.Contradictions
	}
	if patch.Archived != nil {
		current.Archived = *patch.Archived
	}
	if patch.Project != nil {
		current.Project = *patch.Project
	}

	current.Version = priorVersion + 1
	current.UpdatedAt = time.Now().UTC()

	version := Version{
		Number:       priorVersion,
		PriorContent: priorContent,
		Timestamp:    current.UpdatedAt,
		Reason:       reason,
	}
	if err := s.writeVersion(id, version); err != nil {
		return nil, err
	}

	if err := s.writeRecord(current); err != nil {
		return nil, err
	}

	if current.ContentHash != priorHash {
		s.mu.Lock()
		delete(s.contentHashIndex, priorHash)
		s.contentHashIndex[current.ContentHash] = id
		s.mu.Unlock()
	}

	if err := s.pruneVersions(id); err != nil {
		logging.Get(logging.CategoryStore).Warn("version pruning for %s had issues: %v", id, err)
	}

	logging.Store("Update: record %s -> version %d (reason=%s)", id, current.Version, reason)
	return current, nil
}

// Archive marks a record archived (I3: excluded from default retrieval,
// still retrievable by id). The version chain records the reason as
// "archived: " followed by reason.
func (s *Store) Archive(id, reason string) error {
	archived := true
	_, err := s.Update(id, 0, "archived: "+reason, Patch{Archived: &archived})
	return err
}

func (s *Store) versionDir(id string) string {
	return filepath.Join(s.versionsDir, id)
}

func (s *Store) writeVersion(id string, v Version) error {
	dir := s.versionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return memerr.Wrap(memerr.StoreError, "create version directory", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return memerr.Wrap(memerr.StoreError, "marshal version entry", err)
	}
	path := filepath.Join(dir, strconv.Itoa(v.Number)+".version")
	if err := resilience.WriteFileAtomic(path, data, 0644); err != nil {
		return memerr.Wrap(memerr.StoreError, fmt.Sprintf("write version %d for %s", v.Number, id), err)
	}
	return nil
}

// manifest lists the version numbers pruned from a record's version chain,
// plus the content-hash each one had, so history is auditable even after
// the raw content is gone.
type manifest struct {
	Pruned []prunedEntry `json:"pruned"`
}

type prunedEntry struct {
	Number      int    `json:"number"`
	ContentHash string `json:"content_hash"`
}

func (s *Store) manifestPath(id string) string {
	return filepath.Join(s.versionDir(id), "manifest.json")
}

// pruneVersions keeps only the most recent maxVersionsPerRecord version
// files for id, recording anything removed in the manifest.
func (s *Store) pruneVersions(id string) error {
	dir := s.versionDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list version directory: %w", err)
	}

	var numbers []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".version") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".version"))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	if len(numbers) <= s.maxVersionsPerRecord {
		return nil
	}
	sort.Ints(numbers)

	toPrune := numbers[:len(numbers)-s.maxVersionsPerRecord]
	m := s.loadManifest(id)

	for _, n := range toPrune {
		path := filepath.Join(dir, strconv.Itoa(n)+".version")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var v Version
		hash := ""
		if err := json.Unmarshal(data, &v); err == nil {
			hash = ContentHash(v.PriorContent)
		}
		m.Pruned = append(m.Pruned, prunedEntry{Number: n, ContentHash: hash})
		if err := os.Remove(path); err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to prune version %d for %s: %v", n, id, err)
		}
	}

	return s.saveManifest(id, m)
}

func (s *Store) loadManifest(id string) manifest {
	data, err := os.ReadFile(s.manifestPath(id))
	if err != nil {
		return manifest{}
	}
	var m manifest
	_ = json.Unmarshal(data, &m)
	return m
}

func (s *Store) saveManifest(id string, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return resilience.WriteFileAtomic(s.manifestPath(id), data, 0644)
}

// Versions returns a lazy sequence of a record's historical version
// entries, in ascending version-number order. Entries pruned past
// MaxVersionsPerRecord are omitted but remain listed in the manifest.
func (s *Store) Versions(id string) iter.Seq[Version] {
	return func(yield func(Version) bool) {
		dir := s.versionDir(id)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		var numbers []int
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".version") {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".version"))
			if err != nil {
				continue
			}
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
		for _, n := range numbers {
			data, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(n)+".version"))
			if err != nil {
				continue
			}
			var v Version
			if err := json.Unmarshal(data, &v); err != nil {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// ListFilter narrows List's result set.
type ListFilter struct {
	Project         string // empty means any project
	Tags            []string
	MinSalience     float64
	IncludeArchived bool
}

func (f ListFilter) matches(r *Record) bool {
	if !f.IncludeArchived && r.Archived {
		return false
	}
	if f.Project != "" && r.Project != "" && r.Project != f.Project {
		return false
	}
	if r.Salience < f.MinSalience {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns a lazy sequence of records matching filter.
func (s *Store) List(filter ListFilter) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		entries, err := os.ReadDir(s.recordsDir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".record") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".record")
			rec, err := s.readRecord(id)
			if err != nil {
				continue
			}
			if !filter.matches(rec) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// QuarantinedIDs lists the ids of records currently held in quarantine, for
// the maintenance task to surface.
func (s *Store) QuarantinedIDs() ([]string, error) {
	entries, err := os.ReadDir(s.quarantineDir)
	if err != nil {
		return nil, fmt.Errorf("list quarantine directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}
