// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "testing"

func TestDeepCopyPrimitives(t *testing.T) {
	for _, value := range []any{nil, Undefined, true, "hello", 7, 3.5} {
		got, err := DeepCopy(value)
		if err != nil {
			t.Fatalf("DeepCopy(%v): unexpected error: %v", value, err)
		}
		if got != value {
			t.Errorf("DeepCopy(%v) = %v, want unchanged", value, got)
		}
	}
}

func TestDeepCopyRecordIsFreshlyAllocated(t *testing.T) {
	original := NewRecord(map[string]any{"name": "forge", "count": 3})
	clone, err := DeepCopy(original)
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}

	cloneRecord, ok := clone.(Record)
	if !ok {
		t.Fatalf("clone is %T, want Record", clone)
	}
	if cloneRecord["name"] != "forge" || cloneRecord["count"] != 3 {
		t.Errorf("clone fields mismatch: %v", cloneRecord)
	}

	cloneRecord["name"] = "mutated"
	if original["name"] != "forge" {
		t.Error("mutating the clone must not affect the original")
	}
}

func TestDeepCopyPreservesSharedSubstructure(t *testing.T) {
	shared := NewRecord(map[string]any{"id": "ticket:42"})
	root := NewRecord(map[string]any{
		"x": shared,
		"y": shared,
	})

	clone, err := DeepCopy(root)
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}
	cloneRecord := clone.(Record)

	xClone := cloneRecord["x"].(Record)
	yClone := cloneRecord["y"].(Record)
	xPtr, _ := identityOf(xClone)
	yPtr, _ := identityOf(yClone)
	if xPtr != yPtr {
		t.Error("shared substructure in the input must remain shared (by identity) in the clone")
	}
}

func TestDeepCopyArrayOfRecords(t *testing.T) {
	original := NewArray(
		NewRecord(map[string]any{"n": 1}),
		NewRecord(map[string]any{"n": 2}),
	)
	clone, err := DeepCopy(original)
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}
	cloneArray := clone.(Array)
	if len(cloneArray) != 2 {
		t.Fatalf("got %d elements, want 2", len(cloneArray))
	}
	if cloneArray[0].(Record)["n"] != 1 || cloneArray[1].(Record)["n"] != 2 {
		t.Errorf("element mismatch: %v", cloneArray)
	}
}

func TestDeepCopyRejectsRemotable(t *testing.T) {
	r, err := Far("Pinger", nil)
	if err != nil {
		t.Fatalf("Far: %v", err)
	}
	_, err = DeepCopy(NewRecord(map[string]any{"cap": r}))
	if !IsKind(err, EncodeFail) {
		t.Fatalf("expected EncodeFail copying a graph containing a remotable, got %v", err)
	}
}

func TestDeepCopyRejectsFuture(t *testing.T) {
	_, err := DeepCopy(NewArray(NewFuture()))
	if !IsKind(err, EncodeFail) {
		t.Fatalf("expected EncodeFail copying a graph containing a future, got %v", err)
	}
}

func TestDeepCopyCopyError(t *testing.T) {
	original := CopyError{Name: "TypeError", Message: "bad ticket"}
	clone, err := DeepCopy(original)
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}
	if clone != original {
		t.Errorf("got %v, want %v", clone, original)
	}
}
