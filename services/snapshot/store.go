// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot implements versioned project state with
// non-destructive rollback.
//
// Every generation persists a full materialized file set as a new
// snapshot version. Versions per project are strictly increasing and
// gapless; rollback never deletes history, it only moves the project's
// current pointer to an existing version. Optimistic concurrency on the
// parent version keeps two concurrent generations from silently
// clobbering each other's base.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/storage/badgerstore"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrStaleParent means the supplied parent version is no longer the
	// project's current version. The caller's base is outdated; the
	// write is rejected with no side effect.
	ErrStaleParent = errors.New("parent version is not the current version")

	// ErrVersionNotFound means the requested snapshot version does not
	// exist for the project.
	ErrVersionNotFound = errors.New("snapshot version not found")
)

// ============================================================================
// Data model
// ============================================================================

// Snapshot is one immutable version of a project's files.
type Snapshot struct {
	ProjectID     string            `json:"project_id"`
	Version       int64             `json:"version"`
	ParentVersion int64             `json:"parent_version"`
	Files         map[string]string `json:"files"`
	Summary       string            `json:"summary,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Info is the listing view of a snapshot, without file contents.
type Info struct {
	Version       int64     `json:"version"`
	ParentVersion int64     `json:"parent_version"`
	FileCount     int       `json:"file_count"`
	Summary       string    `json:"summary,omitempty"`
	Current       bool      `json:"current"`
	CreatedAt     time.Time `json:"created_at"`
}

// projectMeta tracks the two per-project counters: the highest version
// ever created and the version the current pointer references.
type projectMeta struct {
	ProjectID      string `json:"project_id"`
	LatestVersion  int64  `json:"latest_version"`
	CurrentVersion int64  `json:"current_version"`
}

const (
	metaPrefix    = "snap/meta/"
	versionPrefix = "snap/v/"
)

func metaKey(projectID string) []byte { return []byte(metaPrefix + projectID) }

func versionKey(projectID string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", versionPrefix, projectID, version))
}

// ============================================================================
// Store
// ============================================================================

// Store persists snapshots in BadgerDB. Safe for concurrent use;
// concurrent creates for the same project are serialized by the
// optimistic parent-version check, not by a lock.
type Store struct {
	store  *badgerstore.Store
	logger *logging.Logger
}

// NewStore creates a snapshot store on top of the given Badger store.
func NewStore(store *badgerstore.Store, logger *logging.Logger) *Store {
	return &Store{store: store, logger: logger}
}

// Create writes a new snapshot version.
//
// Description:
//
//	Assigns the next monotonic version for the project and advances the
//	current pointer to it. parentVersion must equal the project's
//	current version at write time; a mismatch — including one caused by
//	a concurrent create committing first — fails with ErrStaleParent
//	and writes nothing. The first snapshot of a project uses
//	parentVersion 0.
//
// Outputs:
//   - *Snapshot: the stored version.
//   - error: ErrStaleParent or a storage error.
func (s *Store) Create(ctx context.Context, projectID string, files map[string]string, parentVersion int64, summary string) (*Snapshot, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	snap := &Snapshot{
		ProjectID:     projectID,
		ParentVersion: parentVersion,
		Files:         files,
		Summary:       summary,
		CreatedAt:     time.Now().UTC(),
	}

	err := s.store.WithTxn(ctx, func(txn *badger.Txn) error {
		meta, err := readMeta(txn, projectID)
		if err != nil {
			return err
		}
		if parentVersion != meta.CurrentVersion {
			return fmt.Errorf("project %s: parent %d, current %d: %w",
				projectID, parentVersion, meta.CurrentVersion, ErrStaleParent)
		}

		snap.Version = meta.LatestVersion + 1
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(projectID, snap.Version), data); err != nil {
			return err
		}

		meta.LatestVersion = snap.Version
		meta.CurrentVersion = snap.Version
		return writeMeta(txn, meta)
	})
	if err != nil {
		// Two creates raced on the same base: the loser's read set
		// conflicts, which is the same staleness the version check
		// catches when the timing is wider.
		if badgerstore.IsConflict(err) {
			return nil, fmt.Errorf("project %s: concurrent create: %w", projectID, ErrStaleParent)
		}
		return nil, err
	}

	s.logger.Info("snapshot created",
		"project_id", projectID,
		"version", snap.Version,
		"parent_version", parentVersion,
		"files", len(files),
	)
	return snap, nil
}

// Rollback moves the project's current pointer to an existing version.
//
// Description:
//
//	Fails with ErrVersionNotFound when targetVersion was never created
//	for the project; the pointer is unchanged in that case. No versions
//	are deleted: a later Create builds on the rolled-back version as
//	its parent while the version counter keeps climbing.
//
// Outputs:
//   - int64: the new current pointer (equal to targetVersion).
//   - error: ErrVersionNotFound or a storage error.
func (s *Store) Rollback(ctx context.Context, projectID string, targetVersion int64) (int64, error) {
	err := s.store.WithTxn(ctx, func(txn *badger.Txn) error {
		meta, err := readMeta(txn, projectID)
		if err != nil {
			return err
		}
		if targetVersion < 1 || targetVersion > meta.LatestVersion {
			return fmt.Errorf("project %s version %d: %w", projectID, targetVersion, ErrVersionNotFound)
		}
		if _, err := txn.Get(versionKey(projectID, targetVersion)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("project %s version %d: %w", projectID, targetVersion, ErrVersionNotFound)
		} else if err != nil {
			return err
		}

		meta.CurrentVersion = targetVersion
		return writeMeta(txn, meta)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("project rolled back", "project_id", projectID, "version", targetVersion)
	return targetVersion, nil
}

// Get loads one snapshot version.
func (s *Store) Get(ctx context.Context, projectID string, version int64) (*Snapshot, error) {
	var snap *Snapshot
	err := s.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		snap, err = readSnapshot(txn, projectID, version)
		return err
	})
	return snap, err
}

// Current loads the snapshot the current pointer references. A project
// with no snapshots yet returns ErrVersionNotFound.
func (s *Store) Current(ctx context.Context, projectID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		meta, err := readMeta(txn, projectID)
		if err != nil {
			return err
		}
		if meta.CurrentVersion == 0 {
			return fmt.Errorf("project %s has no snapshots: %w", projectID, ErrVersionNotFound)
		}
		snap, err = readSnapshot(txn, projectID, meta.CurrentVersion)
		return err
	})
	return snap, err
}

// CurrentVersion returns the current pointer, 0 when the project has no
// snapshots.
func (s *Store) CurrentVersion(ctx context.Context, projectID string) (int64, error) {
	var version int64
	err := s.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		meta, err := readMeta(txn, projectID)
		if err != nil {
			return err
		}
		version = meta.CurrentVersion
		return nil
	})
	return version, err
}

// List returns snapshot summaries for a project, newest first.
func (s *Store) List(ctx context.Context, projectID string) ([]Info, error) {
	prefix := []byte(versionPrefix + projectID + "/")
	var infos []Info

	err := s.store.WithReadTxn(ctx, func(txn *badger.Txn) error {
		meta, err := readMeta(txn, projectID)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			infos = append(infos, Info{
				Version:       snap.Version,
				ParentVersion: snap.ParentVersion,
				FileCount:     len(snap.Files),
				Summary:       snap.Summary,
				Current:       snap.Version == meta.CurrentVersion,
				CreatedAt:     snap.CreatedAt,
			})
		}
		return nil
	})
	return infos, err
}

// ============================================================================
// Transaction helpers
// ============================================================================

func readMeta(txn *badger.Txn, projectID string) (*projectMeta, error) {
	item, err := txn.Get(metaKey(projectID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &projectMeta{ProjectID: projectID}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := &projectMeta{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, meta)
	})
	return meta, err
}

func writeMeta(txn *badger.Txn, meta *projectMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(meta.ProjectID), data)
}

func readSnapshot(txn *badger.Txn, projectID string, version int64) (*Snapshot, error) {
	item, err := txn.Get(versionKey(projectID, version))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("project %s version %d: %w", projectID, version, ErrVersionNotFound)
	}
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, snap)
	})
	return snap, err
}
