package objhash_test

import (
	"testing"

	"parcel/internal/objhash"
)

func TestHashIsOrderIndependentForMaps(t *testing.T) {
	a := map[string]int{"one": 1, "two": 2, "three": 3}
	b := map[string]int{"three": 3, "one": 1, "two": 2}

	hashA, err := objhash.Hash(a)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hashB, err := objhash.Hash(b)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected equal hashes, got %s and %s", hashA, hashB)
	}
}

func TestHashDetectsChanges(t *testing.T) {
	type payload struct {
		Path string
		Size int64
	}
	base, err := objhash.Hash(payload{Path: "/media/a.mp4", Size: 100})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	changed, err := objhash.Hash(payload{Path: "/media/a.mp4", Size: 101})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if base == changed {
		t.Fatal("expected differing hashes for differing values")
	}
}

func TestHashJSONIgnoresKeyOrder(t *testing.T) {
	first, err := objhash.HashJSON([]byte(`{"a":1,"b":{"c":[1,2,3]}}`))
	if err != nil {
		t.Fatalf("HashJSON failed: %v", err)
	}
	second, err := objhash.HashJSON([]byte(`{"b":{"c":[1,2,3]},"a":1}`))
	if err != nil {
		t.Fatalf("HashJSON failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected equal hashes, got %s and %s", first, second)
	}

	if _, err := objhash.HashJSON([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
