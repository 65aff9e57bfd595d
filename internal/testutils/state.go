/*
Mailmirror - one-way IMAP mailbox replication tool.
Copyright © 2024 Max Mazurov <fox.cpp@disroot.org>, Mailmirror contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/foxcpp/mailmirror/internal/state"
)

// UIDRecord mirrors a single claim/finalize slot held by MemStore.
type UIDRecord struct {
	Status      string
	MessageID   string
	ContentHash string
}

// FailRecord mirrors a failure counter held by MemStore.
type FailRecord struct {
	RetryCount int
	LastError  string
}

// MemStore is an in-memory state.Store. Every mutating call is appended
// to Mutations so tests can assert both on the final state and on
// zero-mutation guarantees (dry-run).
//
// Errs maps an operation name (check, watermark, set_watermark, claim,
// finalize, abandon, exists, record_failure, payload_copied) to an error
// that operation will return.
type MemStore struct {
	mu sync.Mutex

	Watermarks map[string]state.Watermark
	UIDs       map[string]*UIDRecord
	Fails      map[string]*FailRecord
	Mutations  []string

	Errs map[string]error
}

var _ state.Store = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		Watermarks: map[string]state.Watermark{},
		UIDs:       map[string]*UIDRecord{},
		Fails:      map[string]*FailRecord{},
		Errs:       map[string]error{},
	}
}

func slotKey(pk string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s|%d|%d", pk, uidValidity, uid)
}

func (s *MemStore) CheckAvailable(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Errs["check"]
}

func (s *MemStore) Watermark(_ context.Context, pk string) (state.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["watermark"]; err != nil {
		return state.Watermark{}, err
	}
	return s.Watermarks[pk], nil
}

func (s *MemStore) SetWatermark(_ context.Context, pk string, uidValidity, lastUID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["set_watermark"]; err != nil {
		return err
	}
	s.Watermarks[pk] = state.Watermark{UIDValidity: uidValidity, KnownValidity: true, LastUID: lastUID}
	s.Mutations = append(s.Mutations, fmt.Sprintf("set_watermark %d %d", uidValidity, lastUID))
	return nil
}

func (s *MemStore) ClaimUID(_ context.Context, pk string, uidValidity, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["claim"]; err != nil {
		return false, err
	}
	key := slotKey(pk, uidValidity, uid)
	if _, taken := s.UIDs[key]; taken {
		return false, nil
	}
	s.UIDs[key] = &UIDRecord{Status: "PENDING"}
	s.Mutations = append(s.Mutations, "claim "+key)
	return true, nil
}

func (s *MemStore) FinalizeUID(_ context.Context, pk string, uidValidity, uid uint32, messageID, contentHash string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["finalize"]; err != nil {
		return err
	}
	key := slotKey(pk, uidValidity, uid)
	s.UIDs[key] = &UIDRecord{Status: "DONE", MessageID: messageID, ContentHash: contentHash}
	s.Mutations = append(s.Mutations, "finalize "+key)
	return nil
}

func (s *MemStore) AbandonPending(_ context.Context, pk string, uidValidity, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["abandon"]; err != nil {
		return err
	}
	key := slotKey(pk, uidValidity, uid)
	delete(s.UIDs, key)
	s.Mutations = append(s.Mutations, "abandon "+key)
	return nil
}

func (s *MemStore) UIDRecordExists(_ context.Context, pk string, uidValidity, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["exists"]; err != nil {
		return false, err
	}
	_, exists := s.UIDs[slotKey(pk, uidValidity, uid)]
	return exists, nil
}

func (s *MemStore) RecordFailure(_ context.Context, pk string, uidValidity, uid uint32, cause error, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["record_failure"]; err != nil {
		return err
	}
	key := slotKey(pk, uidValidity, uid)
	rec := s.Fails[key]
	if rec == nil {
		rec = &FailRecord{}
		s.Fails[key] = rec
	}
	rec.RetryCount++
	rec.LastError = cause.Error()
	s.Mutations = append(s.Mutations, "record_failure "+key)
	return nil
}

func (s *MemStore) PayloadAlreadyCopied(_ context.Context, pk, messageID, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Errs["payload_copied"]; err != nil {
		return false, err
	}
	for key, rec := range s.UIDs {
		if rec.Status != "DONE" {
			continue
		}
		if !hasPrefixKey(key, pk) {
			continue
		}
		if contentHash != "" && rec.ContentHash == contentHash {
			return true, nil
		}
		if messageID != "" && rec.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func hasPrefixKey(key, pk string) bool {
	return len(key) > len(pk) && key[:len(pk)] == pk && key[len(pk)] == '|'
}
