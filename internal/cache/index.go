package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/respcache/respcache/internal/lock"
	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

// indexVersion is bumped whenever the persisted layout changes. An index
// with another version is discarded along with its payloads.
const indexVersion = 1

type indexFile struct {
	Version int           `json:"version"`
	NextSeq uint64        `json:"next_seq"`
	Entries []indexRecord `json:"entries"`
}

type indexRecord struct {
	CacheEntry
	KeyHash string `json:"key_hash"`
}

// Save writes the index through the payload store. Concurrent saves are
// serialized; the last one wins.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	entries := s.Entries()
	doc := indexFile{
		Version: indexVersion,
		NextSeq: s.seq.Load(),
		Entries: make([]indexRecord, 0, len(entries)),
	}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, indexRecord{
			CacheEntry: e,
			KeyHash:    fmt.Sprintf("%016x", e.Key.Hash()),
		})
	}

	w, err := s.payloads.OpenWrite(ctx, s.indexLocation)
	if err != nil {
		return s.indexSaveError(err)
	}
	if err := json.NewEncoder(w).Encode(&doc); err != nil {
		_ = w.Abort()
		return s.indexSaveError(err)
	}
	if err := w.Commit(); err != nil {
		return s.indexSaveError(err)
	}
	return nil
}

func (s *Store) indexSaveError(err error) error {
	s.recordPayloadError("index_save", err)
	return errors.Wrap(err, errors.ErrCodeIndexSave, "failed to save index").
		WithComponent(component).
		WithOperation("save").
		WithDetail("location", s.indexLocation)
}

// Load replaces the in-memory index with the persisted one. Records whose
// payload is missing are dropped. A missing, unreadable or outdated index
// starts the store empty. When the payload store can list its contents,
// payloads no record references are deleted. Load must run before the
// store is shared.
func (s *Store) Load(ctx context.Context) error {
	doc, err := s.readIndex(ctx)
	if err != nil {
		return err
	}

	entries := make(map[string]*record, len(doc.Entries))
	var total int64
	maxSeq := doc.NextSeq
	for _, ir := range doc.Entries {
		e := ir.CacheEntry
		if ir.KeyHash != fmt.Sprintf("%016x", e.Key.Hash()) || e.Location == "" || e.SizeBytes < 0 {
			s.logger.Log(types.SeverityWarn, component, "skipping malformed index record", nil)
			continue
		}
		exists, err := s.payloads.Exists(ctx, e.Location)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeIndexLoad, "failed to verify payload").
				WithComponent(component).
				WithOperation("load").
				WithDetail("location", e.Location)
		}
		if !exists {
			continue
		}
		fp := e.Key.Fingerprint()
		if prev, ok := entries[fp]; ok {
			if prev.seq > e.Seq {
				continue
			}
			total -= prev.size
		}
		entries[fp] = newRecord(e)
		total += e.SizeBytes
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}

	g := lock.Write(&s.mu)
	s.entries = entries
	s.totalSize.Store(total)
	s.count.Store(int64(len(entries)))
	if maxSeq > s.seq.Load() {
		s.seq.Store(maxSeq)
	}
	g.Unlock()

	if _, err := s.deleteUnused(ctx); err != nil {
		s.logger.Log(types.SeverityWarn, component, "failed to remove unreferenced payloads", err)
	}
	s.reportSize()
	return nil
}

func (s *Store) readIndex(ctx context.Context) (indexFile, error) {
	rc, err := s.payloads.OpenRead(ctx, s.indexLocation)
	if err != nil {
		if stderrors.Is(err, types.ErrPayloadNotFound) {
			return indexFile{}, nil
		}
		return indexFile{}, errors.Wrap(err, errors.ErrCodeIndexLoad, "failed to open index").
			WithComponent(component).
			WithOperation("load")
	}
	defer rc.Close()

	var doc indexFile
	if err := json.NewDecoder(io.LimitReader(rc, 1<<30)).Decode(&doc); err != nil {
		s.logger.Log(types.SeverityWarn, component, "discarding unreadable index", err)
		return indexFile{}, nil
	}
	if doc.Version != indexVersion {
		s.logger.Log(types.SeverityInfo, component,
			fmt.Sprintf("discarding index version %d", doc.Version), nil)
		return indexFile{}, nil
	}
	return doc, nil
}

// deleteUnused removes payloads that no record references.
func (s *Store) deleteUnused(ctx context.Context) (int, error) {
	lister, ok := s.payloads.(types.Lister)
	if !ok {
		return 0, nil
	}
	locations, err := lister.List(ctx)
	if err != nil {
		return 0, err
	}

	g := lock.Read(&s.mu)
	referenced := make(map[string]struct{}, len(s.entries)+1)
	for _, rec := range s.entries {
		referenced[rec.location] = struct{}{}
	}
	g.Unlock()
	referenced[s.indexLocation] = struct{}{}

	removed := 0
	for _, loc := range locations {
		if _, ok := referenced[loc]; ok {
			continue
		}
		if err := s.payloads.Delete(ctx, loc); err != nil {
			s.logger.Log(types.SeverityWarn, component, "failed to delete unreferenced payload "+loc, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Log(types.SeverityInfo, component, fmt.Sprintf("removed %d unreferenced payloads", removed), nil)
	}
	return removed, nil
}
