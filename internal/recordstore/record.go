// Package recordstore is the durable home of memory records and their
// version chains (C1): one file per record under a content-addressed
// identifier, atomic writes via the resilience substrate, and a manifest of
// pruned versions per record.
package recordstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxContentBytes is the size limit on a record's content (§8 B4: 64 KiB
// accepts, 64 KiB + 1 byte rejects).
const maxContentBytes = 64 * 1024

// Record is a memory record: the unit of storage, search, and scheduling.
type Record struct {
	ID             string
	Content        string
	Tags           []string
	Salience       float64
	Confidence     float64
	Confirmations  int
	Contradictions int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	OriginSession  string
	Project        string
	Archived       bool
	Version        int
	ContentHash    string

	// Unknown preserves metadata keys not recognized by this version of the
	// format, so round-tripping an older or newer record never drops data.
	Unknown map[string]string
}

// Version is one entry in a record's version chain.
type Version struct {
	Number       int
	PriorContent string
	Timestamp    time.Time
	Reason       string // user-edit, dedup-merge, contradiction-resolved, rollback
}

const (
	ReasonUserEdit             = "user-edit"
	ReasonDedupMerge           = "dedup-merge"
	ReasonContradictionResolved = "contradiction-resolved"
	ReasonRollback             = "rollback"
	ReasonPromotion            = "promoted-to-global"
)

// ContentHash computes the content-hash used both as the record's stable
// identifier and as the embedding cache key: SHA-256 of the normalized
// (trimmed) content, truncated to 128 bits, lowercase hex.
func ContentHash(content string) string {
	normalized := strings.TrimSpace(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// ValidateContent enforces the size invariant (B4): content up to 64 KiB is
// accepted, anything larger returns a plain error (not tagged with a memerr
// kind; Store.Put and Store.Update wrap it as InvalidInput).
func ValidateContent(content string) error {
	if len(content) > maxContentBytes {
		return fmt.Errorf("content exceeds %d bytes (got %d)", maxContentBytes, len(content))
	}
	return nil
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// serialize renders a record in the §6 metadata-header format: lowercase
// key-value lines, a blank line, then the raw content.
func serialize(r *Record) []byte {
	var b strings.Builder

	writeKV := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}

	writeKV("id", r.ID)
	writeKV("created_at", r.CreatedAt.UTC().Format(rfc3339Milli))
	writeKV("updated_at", r.UpdatedAt.UTC().Format(rfc3339Milli))
	writeKV("version", strconv.Itoa(r.Version))
	writeKV("salience", strconv.FormatFloat(r.Salience, 'f', -1, 64))
	writeKV("confidence", strconv.FormatFloat(r.Confidence, 'f', -1, 64))
	writeKV("confirmations", strconv.Itoa(r.Confirmations))
	writeKV("contradictions", strconv.Itoa(r.Contradictions))
	writeKV("tags", strings.Join(r.Tags, ","))
	if r.Project != "" {
		writeKV("project", r.Project)
	}
	if r.OriginSession != "" {
		writeKV("origin_session", r.OriginSession)
	}
	writeKV("archived", strconv.FormatBool(r.Archived))
	writeKV("content_hash", r.ContentHash)

	// Preserve unknown keys so older/newer writers never lose data.
	keys := make([]string, 0, len(r.Unknown))
	for k := range r.Unknown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeKV(k, r.Unknown[k])
	}

	b.WriteString("\n")
	b.WriteString(r.Content)
	return []byte(b.String())
}

// knownKeys are the metadata keys this version of the format understands;
// anything else read back goes into Record.Unknown.
var knownKeys = map[string]bool{
	"id": true, "created_at": true, "updated_at": true, "version": true,
	"salience": true, "confidence": true, "confirmations": true,
	"contradictions": true, "tags": true, "project": true,
	"origin_session": true, "archived": true, "content_hash": true,
}

// deserialize parses the §6 metadata-header format back into a Record.
// Malformed input (missing blank-line separator, unparsable required
// field) returns an error; the caller quarantines the offending file.
func deserialize(data []byte) (*Record, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), maxContentBytes*2)

	meta := make(map[string]string)
	var sawBlank bool
	var contentStart int
	lineStart := 0

	for scanner.Scan() {
		line := scanner.Text()
		lineStart += len(line) + 1
		if line == "" {
			sawBlank = true
			contentStart = lineStart
			break
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return nil, fmt.Errorf("malformed metadata line: %q", line)
		}
		key := line[:idx]
		val := line[idx+2:]
		meta[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if !sawBlank {
		return nil, fmt.Errorf("missing blank-line separator between metadata and content")
	}

	content := ""
	if contentStart < len(data) {
		content = string(data[contentStart:])
	}

	r := &Record{Content: content, Unknown: make(map[string]string)}

	var ok bool
	if r.ID, ok = meta["id"]; !ok || r.ID == "" {
		return nil, fmt.Errorf("missing required field: id")
	}

	createdAt, err := parseTime(meta["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	r.CreatedAt = createdAt

	updatedAt, err := parseTime(meta["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	r.UpdatedAt = updatedAt

	if r.Version, err = strconv.Atoi(meta["version"]); err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	if r.Salience, err = strconv.ParseFloat(meta["salience"], 64); err != nil {
		return nil, fmt.Errorf("parse salience: %w", err)
	}
	if r.Confidence, err = strconv.ParseFloat(meta["confidence"], 64); err != nil {
		return nil, fmt.Errorf("parse confidence: %w", err)
	}
	if r.Confirmations, err = strconv.Atoi(meta["confirmations"]); err != nil {
		return nil, fmt.Errorf("parse confirmations: %w", err)
	}
	if r.Contradictions, err = strconv.Atoi(meta["contradictions"]); err != nil {
		return nil, fmt.Errorf("parse contradictions: %w", err)
	}
	if tags := meta["tags"]; tags != "" {
		r.Tags = strings.Split(tags, ",")
	}
	r.Project = meta["project"]
	r.OriginSession = meta["origin_session"]
	if r.Archived, err = strconv.ParseBool(meta["archived"]); err != nil {
		return nil, fmt.Errorf("parse archived: %w", err)
	}
	r.ContentHash = meta["content_hash"]

	for k, v := range meta {
		if !knownKeys[k] {
			r.Unknown[k] = v
		}
	}

	return r, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(rfc3339Milli, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
