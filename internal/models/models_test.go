// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

// =====================================================
// Priority Tests
// =====================================================

func TestPriority_Rank(t *testing.T) {
	tests := []struct {
		p    Priority
		want int
	}{
		{PriorityLow, 0},
		{PriorityMedium, 1},
		{PriorityHigh, 2},
		{PriorityCritical, 3},
		{Priority("urgent"), 1},
		{Priority(""), 1},
	}
	for _, tt := range tests {
		if got := tt.p.Rank(); got != tt.want {
			t.Errorf("Priority(%q).Rank() = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestPriorityFromRank(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		if got := PriorityFromRank(p.Rank()); got != p {
			t.Errorf("PriorityFromRank(%d) = %q, want %q", p.Rank(), got, p)
		}
	}
	if got := PriorityFromRank(42); got != PriorityMedium {
		t.Errorf("PriorityFromRank(42) = %q, want medium", got)
	}
}

func TestPriority_Valid(t *testing.T) {
	if !PriorityCritical.Valid() {
		t.Error("critical should be valid")
	}
	if Priority("urgent").Valid() {
		t.Error("urgent should not be valid")
	}
}

// =====================================================
// SyncStatus Tests
// =====================================================

func TestSyncStatus_Valid(t *testing.T) {
	for _, s := range AllSyncStatuses {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if SyncStatus("queued").Valid() {
		t.Error("queued should not be valid")
	}
}

// =====================================================
// Entity Tests
// =====================================================

func TestEntity_TouchNewEntity(t *testing.T) {
	e := &Entity{ID: "e1"}
	e.Touch(1000)

	if e.CreatedAt != 1000 || e.LastModifiedAt != 1000 {
		t.Errorf("timestamps = %d/%d, want 1000/1000", e.CreatedAt, e.LastModifiedAt)
	}
	if e.Version != 1 {
		t.Errorf("Version = %d, want 1", e.Version)
	}
	if e.SyncStatus != SyncStatusPending {
		t.Errorf("SyncStatus = %q, want pending", e.SyncStatus)
	}
}

func TestEntity_TouchResetsSyncState(t *testing.T) {
	e := &Entity{
		ID:             "e1",
		CreatedAt:      100,
		LastModifiedAt: 500,
		Version:        4,
		SyncStatus:     SyncStatusFailed,
		RetryCount:     3,
		NextRetryAt:    900,
		LastError:      "timeout",
	}
	e.Touch(600)

	if e.CreatedAt != 100 {
		t.Errorf("CreatedAt changed to %d", e.CreatedAt)
	}
	if e.LastModifiedAt != 600 || e.Version != 5 {
		t.Errorf("LastModifiedAt/Version = %d/%d, want 600/5", e.LastModifiedAt, e.Version)
	}
	if e.SyncStatus != SyncStatusPending || e.RetryCount != 0 || e.NextRetryAt != 0 || e.LastError != "" {
		t.Errorf("sync state not reset: %+v", e)
	}
}

// A clock that went backwards must not move the modification time back.
func TestEntity_TouchIsMonotonic(t *testing.T) {
	e := &Entity{CreatedAt: 100, LastModifiedAt: 500, Version: 1}
	e.Touch(200)

	if e.LastModifiedAt != 500 {
		t.Errorf("LastModifiedAt = %d, want 500", e.LastModifiedAt)
	}
	if e.Version != 2 {
		t.Errorf("Version = %d, want 2", e.Version)
	}
}

func TestEntity_CloneIsDeep(t *testing.T) {
	e := &Entity{
		ID:       "e1",
		Data:     json.RawMessage(`{"a":1}`),
		Metadata: map[string]string{MetaRemoteVersion: "3"},
	}
	c := e.Clone()
	c.Data[2] = 'b'
	c.Metadata[MetaRemoteVersion] = "4"

	if string(e.Data) != `{"a":1}` {
		t.Errorf("original data modified: %s", e.Data)
	}
	if e.Metadata[MetaRemoteVersion] != "3" {
		t.Errorf("original metadata modified: %v", e.Metadata)
	}

	var nilEntity *Entity
	if nilEntity.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestEntity_Times(t *testing.T) {
	e := &Entity{CreatedAt: 1700000000000, LastModifiedAt: 1700000001000}
	if !e.CreatedAtTime().Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("CreatedAtTime() = %v", e.CreatedAtTime())
	}
	if e.LastModifiedAtTime().Sub(e.CreatedAtTime()) != time.Second {
		t.Errorf("LastModifiedAtTime() - CreatedAtTime() = %v", e.LastModifiedAtTime().Sub(e.CreatedAtTime()))
	}
}

func TestTableNames(t *testing.T) {
	if (Entity{}).TableName() != "entities" {
		t.Errorf("Entity.TableName() = %q", (Entity{}).TableName())
	}
	if (Conflict{}).TableName() != "conflicts" {
		t.Errorf("Conflict.TableName() = %q", (Conflict{}).TableName())
	}
}

// =====================================================
// Conflict Tests
// =====================================================

func TestConflictType_Valid(t *testing.T) {
	for _, ct := range []ConflictType{ConflictTypeVersion, ConflictTypeDeletion, ConflictTypeConcurrentEdit} {
		if !ct.Valid() {
			t.Errorf("%q should be valid", ct)
		}
	}
	if ConflictType("schema").Valid() {
		t.Error("schema should not be valid")
	}
}

func TestStrategy_Valid(t *testing.T) {
	for _, s := range []Strategy{StrategyLocal, StrategyRemote, StrategyMerge, StrategyManual} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Strategy("newest").Valid() {
		t.Error("newest should not be valid")
	}
}

// =====================================================
// SyncStats Tests
// =====================================================

func TestSyncStats_LastSyncTime(t *testing.T) {
	var s SyncStats
	if s.LastSyncTime() != nil {
		t.Error("LastSyncTime() should be nil before the first cycle")
	}
	s.LastSyncAt = 1700000000000
	if got := s.LastSyncTime(); got == nil || !got.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("LastSyncTime() = %v", got)
	}
}
