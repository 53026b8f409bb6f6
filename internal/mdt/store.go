package mdt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TicketStoreOptions configures a TicketStore. Dirs and Allocator are
// required; Codec defaults to the front-matter codec.
type TicketStoreOptions struct {
	Dirs      TicketDirResolver
	Allocator *Allocator
	Codec     Codec
	Logger    Logger
}

// TicketStore performs the file-per-ticket CRUD operations. It holds no
// authoritative in-memory state: the filesystem is the single source of
// truth, and every listing re-reads the directory. Change notification
// is the watchers' job; the store only writes files.
type TicketStore struct {
	dirs   TicketDirResolver
	alloc  *Allocator
	codec  Codec
	logger Logger
}

func NewTicketStore(opts TicketStoreOptions) (*TicketStore, error) {
	if opts.Dirs == nil {
		return nil, fmt.Errorf("%w: ticket dir resolver is required", ErrInvalidInput)
	}
	if opts.Allocator == nil {
		return nil, fmt.Errorf("%w: allocator is required", ErrInvalidInput)
	}
	codec := opts.Codec
	if codec == nil {
		codec = NewFrontMatterCodec()
	}
	return &TicketStore{
		dirs:   opts.Dirs,
		alloc:  opts.Allocator,
		codec:  codec,
		logger: opts.Logger,
	}, nil
}

// List returns the project's full ticket listing, sorted by sequence.
// This is the full-resync backstop clients poll when the push channel
// is silent or gapped.
func (s *TicketStore) List(projectCode string) ([]TicketSummary, error) {
	dir, err := s.dirs.TicketDir(projectCode)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []TicketSummary{}, nil
		}
		return nil, err
	}
	summaries := make([]TicketSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, ok := parseTicketFileName(projectCode, entry.Name())
		if !ok {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		summaries = append(summaries, TicketSummary{
			Key:       TicketKey(projectCode, seq),
			Sequence:  seq,
			FileName:  entry.Name(),
			Size:      info.Size(),
			UpdatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Sequence < summaries[j].Sequence
	})
	return summaries, nil
}

// Read loads and parses one ticket.
func (s *TicketStore) Read(projectCode, key string) (Ticket, error) {
	seq, err := ParseTicketKey(projectCode, key)
	if err != nil {
		return Ticket{}, err
	}
	dir, err := s.dirs.TicketDir(projectCode)
	if err != nil {
		return Ticket{}, err
	}
	path := ticketFilePath(dir, projectCode, seq)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, key)
		}
		return Ticket{}, err
	}
	meta, body, err := s.codec.Parse(data)
	if err != nil {
		return Ticket{}, err
	}
	ticket := Ticket{
		Key:         key,
		ProjectCode: projectCode,
		Sequence:    seq,
		Attributes:  meta,
		Body:        body,
	}
	if info, statErr := os.Stat(path); statErr == nil {
		ticket.UpdatedAt = info.ModTime().UTC()
	}
	return ticket, nil
}

// Create allocates a sequence number and writes the ticket file. If the
// write fails after allocation, the number stays burned: gaps are
// acceptable, duplicates are not.
func (s *TicketStore) Create(ctx context.Context, projectCode string, draft DraftTicket) (Ticket, error) {
	dir, err := s.dirs.TicketDir(projectCode)
	if err != nil {
		return Ticket{}, err
	}
	seq, err := s.alloc.Allocate(ctx, projectCode)
	if err != nil {
		return Ticket{}, err
	}
	data, err := s.codec.Serialize(draft.Attributes, draft.Body)
	if err != nil {
		return Ticket{}, err
	}
	path := ticketFilePath(dir, projectCode, seq)
	if _, statErr := os.Stat(path); statErr == nil {
		return Ticket{}, fmt.Errorf("%w: ticket file %s", ErrExists, filepath.Base(path))
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		logf(s.logger, "store: create %s-%d failed, sequence burned: %v", projectCode, seq, err)
		return Ticket{}, err
	}
	return Ticket{
		Key:         TicketKey(projectCode, seq),
		ProjectCode: projectCode,
		Sequence:    seq,
		Attributes:  draft.Attributes,
		Body:        draft.Body,
	}, nil
}

// Update rewrites an existing ticket file. Last write wins; there is no
// revision check beyond existence.
func (s *TicketStore) Update(projectCode, key string, draft DraftTicket) (Ticket, error) {
	seq, err := ParseTicketKey(projectCode, key)
	if err != nil {
		return Ticket{}, err
	}
	dir, err := s.dirs.TicketDir(projectCode)
	if err != nil {
		return Ticket{}, err
	}
	path := ticketFilePath(dir, projectCode, seq)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Ticket{}, fmt.Errorf("%w: ticket %s", ErrNotFound, key)
		}
		return Ticket{}, err
	}
	data, err := s.codec.Serialize(draft.Attributes, draft.Body)
	if err != nil {
		return Ticket{}, err
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return Ticket{}, err
	}
	return Ticket{
		Key:         key,
		ProjectCode: projectCode,
		Sequence:    seq,
		Attributes:  draft.Attributes,
		Body:        draft.Body,
	}, nil
}

// Delete removes the ticket file. The sequence number is never reused.
func (s *TicketStore) Delete(projectCode, key string) error {
	seq, err := ParseTicketKey(projectCode, key)
	if err != nil {
		return err
	}
	dir, err := s.dirs.TicketDir(projectCode)
	if err != nil {
		return err
	}
	path := ticketFilePath(dir, projectCode, seq)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: ticket %s", ErrNotFound, key)
		}
		return err
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename so a
// concurrent reader (or the watcher) never observes a partial write.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
