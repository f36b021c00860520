package controlplane

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/conductor/internal/log"
)

// storeDocument is the on-disk shape of the registry file.
type storeDocument struct {
	Version  int                     `json:"version"`
	Sessions map[string]*ChildRecord `json:"sessions"`
}

func emptyDocument() *storeDocument {
	return &storeDocument{Version: SchemaVersion, Sessions: make(map[string]*ChildRecord)}
}

// Store persists the registry document with atomic temp-file + rename writes.
//
// Durability is best-effort: read failures yield an empty store and write
// failures are swallowed. The supervisor re-derives state from host events,
// so losing a single mutation is recoverable; failing the operation is not.
type Store struct {
	path string
	// legacyDir is the pre-v2 per-child file directory, folded into the
	// document once on first load.
	legacyDir string
}

// NewStore creates a store backed by the file at path. legacyDir may be
// empty when no migration source exists.
func NewStore(path, legacyDir string) *Store {
	return &Store{path: path, legacyDir: legacyDir}
}

// Path returns the canonical registry file location.
func (s *Store) Path() string { return s.path }

// Load reads the registry document. Missing files, parse errors, and unknown
// versions all yield an empty store.
func (s *Store) Load() *storeDocument {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			if doc := s.migrateLegacy(); doc != nil {
				return doc
			}
		} else {
			log.Warn(log.CatRegistry, "Registry unreadable, starting empty", "path", s.path, "error", err.Error())
		}
		return emptyDocument()
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn(log.CatRegistry, "Registry corrupt, starting empty", "path", s.path, "error", err.Error())
		return emptyDocument()
	}

	return normalizeDocument(&doc)
}

// Save writes the document atomically. Errors are logged and swallowed.
func (s *Store) Save(doc *storeDocument) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.ErrorErr(log.CatRegistry, "Failed to encode registry", err)
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatRegistry, "Failed to create registry directory", err, "dir", dir)
		return
	}

	// pid+timestamp keeps concurrent writers from clobbering each other's
	// temp file; the rename decides who wins.
	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.%d.%d.tmp",
		filepath.Base(s.path), os.Getpid(), time.Now().UnixNano()))

	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		log.ErrorErr(log.CatRegistry, "Failed to write registry temp file", err, "path", tempPath)
		return
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		log.ErrorErr(log.CatRegistry, "Failed to publish registry", err, "path", s.path)
		_ = os.Remove(tempPath)
	}
}

// normalizeDocument fills defaults and discards records the current schema
// cannot represent.
func normalizeDocument(doc *storeDocument) *storeDocument {
	switch doc.Version {
	case 1, SchemaVersion:
		// Version 1 documents carry the same shape minus later fields;
		// normalization below supplies the defaults.
	default:
		log.Warn(log.CatRegistry, "Unknown registry version, starting empty", "version", doc.Version)
		return emptyDocument()
	}

	out := emptyDocument()
	for id, record := range doc.Sessions {
		if record == nil || id == "" {
			continue
		}
		out.Sessions[id] = normalizeRecord(id, record)
	}
	return out
}

// normalizeRecord fills a record's missing fields with defaults.
func normalizeRecord(id string, record *ChildRecord) *ChildRecord {
	record.Version = SchemaVersion
	if record.Registration.ChildSessionID == "" {
		record.Registration.ChildSessionID = id
	}
	if record.Tracking.State == "" {
		record.Tracking.State = StateCreated
	}
	if record.PendingForwardRequests == nil {
		record.PendingForwardRequests = []PendingForwardRequest{}
	}
	return record
}

// migrateLegacy folds the pre-v2 per-child file directory into a single
// document, writes it, and retires the directory. Returns nil when there is
// nothing to migrate.
func (s *Store) migrateLegacy() *storeDocument {
	if s.legacyDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.legacyDir)
	if err != nil {
		return nil
	}

	doc := emptyDocument()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.legacyDir, entry.Name()))
		if err != nil {
			continue
		}
		var record ChildRecord
		if err := json.Unmarshal(data, &record); err != nil {
			log.Warn(log.CatRegistry, "Skipping unreadable legacy record", "file", entry.Name(), "error", err.Error())
			continue
		}
		id := record.Registration.ChildSessionID
		if id == "" {
			id = strings.TrimSuffix(entry.Name(), ".json")
		}
		doc.Sessions[id] = normalizeRecord(id, &record)
	}

	if len(doc.Sessions) == 0 {
		return nil
	}

	log.Info(log.CatRegistry, "Migrated legacy registry", "records", len(doc.Sessions))
	s.Save(doc)
	// Retire the source so migration runs once. Best-effort.
	_ = os.Rename(s.legacyDir, s.legacyDir+".migrated")

	return doc
}
