// Copyright 2018 Dmitriy Blokhin. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package manifest

import (
	"reflect"
	"testing"
)

// TestMergeIsIdempotent covers spec §8 invariant 5.
func TestMergeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	incoming := []string{"a.txt", "b.txt"}

	first, err := m.Merge(incoming)
	if err != nil {
		t.Fatalf("first Merge: %v", err)
	}
	if !reflect.DeepEqual(first, incoming) {
		t.Errorf("first merge added %v, want %v", first, incoming)
	}

	second, err := m.Merge(incoming)
	if err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second merge should add nothing, got %v", second)
	}

	if !reflect.DeepEqual(m.Entries(), incoming) {
		t.Errorf("entries after double merge = %v, want %v", m.Entries(), incoming)
	}
}

func TestMergeNeverRemoves(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.Merge([]string{"a.txt"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := m.Merge([]string{"b.txt"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	want := []string{"a.txt", "b.txt"}
	if !reflect.DeepEqual(m.Entries(), want) {
		t.Errorf("entries = %v, want %v", m.Entries(), want)
	}
}

func TestMergePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Merge([]string{"a.txt", "b.txt"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	reloaded, err := New(dir)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}

	want := []string{"a.txt", "b.txt"}
	if !reflect.DeepEqual(reloaded.Entries(), want) {
		t.Errorf("reloaded entries = %v, want %v", reloaded.Entries(), want)
	}
}

func TestHashChangesOnMerge(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := m.Hash()

	if _, err := m.Merge([]string{"a.txt"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if after := m.Hash(); after == before {
		t.Errorf("hash did not change after merge")
	}
}
