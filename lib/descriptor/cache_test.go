// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package descriptor

import (
	"testing"
)

func TestCacheMissReturnsNil(t *testing.T) {
	cache := NewCache()
	if got := cache.ExchangeToken(FileToken{Lo: 42, Hi: 1}); got != nil {
		t.Fatalf("ExchangeToken on empty cache = %v, want nil", got)
	}
}

func TestCacheInvalidTokenNeverHits(t *testing.T) {
	cache := NewCache()
	if got := cache.ExchangeToken(FileToken{}); got != nil {
		t.Fatalf("ExchangeToken with zero token = %v, want nil", got)
	}
	desc := tempDescriptor(t, "content")
	defer desc.Unref()
	if _, err := cache.Admit(FileToken{}, desc); err == nil {
		t.Fatal("Admit accepted an invalid token")
	}
}

func TestCacheAdmitAndExchange(t *testing.T) {
	cache := NewCache()
	token := FileToken{Lo: 7, Hi: 3}

	desc := tempDescriptor(t, "validated once")
	sum, err := cache.Admit(token, desc)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	// Cache holds its own reference alongside the caller's.
	if got := desc.Refs(); got != 2 {
		t.Fatalf("refs after Admit = %d, want 2", got)
	}

	exchanged := cache.ExchangeToken(token)
	if exchanged == nil {
		t.Fatal("ExchangeToken missed an admitted token")
	}
	if exchanged != desc {
		t.Fatal("ExchangeToken returned a different descriptor")
	}
	if got := desc.Refs(); got != 3 {
		t.Fatalf("refs after exchange = %d, want 3", got)
	}

	recorded, ok := cache.Sum(token)
	if !ok {
		t.Fatal("Sum missing for admitted token")
	}
	if recorded != sum {
		t.Fatalf("recorded sum %v != admit sum %v", recorded, sum)
	}

	exchanged.Unref()
	desc.Unref()
	cache.Close()
}

func TestCacheAdmitDuplicateToken(t *testing.T) {
	cache := NewCache()
	token := FileToken{Lo: 9}

	first := tempDescriptor(t, "a")
	defer first.Unref()
	if _, err := cache.Admit(token, first); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	second := tempDescriptor(t, "b")
	defer second.Unref()
	if _, err := cache.Admit(token, second); err == nil {
		t.Fatal("second Admit of the same token succeeded")
	}
	cache.Close()
}

func TestCacheValidationSumIsContentKeyed(t *testing.T) {
	// Two files with identical content must validate to the same sum;
	// different content must not.
	cacheA := NewCache()
	cacheB := NewCache()

	same1 := tempDescriptor(t, "identical bytes")
	same2 := tempDescriptor(t, "identical bytes")
	different := tempDescriptor(t, "other bytes")
	defer same1.Unref()
	defer same2.Unref()
	defer different.Unref()

	sum1, err := cacheA.Admit(FileToken{Lo: 1}, same1)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	sum2, err := cacheB.Admit(FileToken{Lo: 1}, same2)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	sum3, err := cacheA.Admit(FileToken{Lo: 2}, different)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if sum1 != sum2 {
		t.Errorf("identical content produced different sums: %v vs %v", sum1, sum2)
	}
	if sum1 == sum3 {
		t.Error("different content produced identical sums")
	}

	cacheA.Close()
	cacheB.Close()
}

func TestCacheValidationPreservesOffset(t *testing.T) {
	// Validation reads the whole file but must not move the offset a
	// consumer will read from.
	desc := tempDescriptor(t, "offset matters")
	defer desc.Unref()

	cache := NewCache()
	defer cache.Close()
	if _, err := cache.Admit(FileToken{Lo: 5}, desc); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	buffer := make([]byte, 6)
	n, err := desc.File().Read(buffer)
	if err != nil {
		t.Fatalf("reading after validation: %v", err)
	}
	if string(buffer[:n]) != "offset" {
		t.Errorf("read %q from start, want %q", buffer[:n], "offset")
	}
}

func TestCacheCloseReleasesReferences(t *testing.T) {
	cache := NewCache()
	desc := tempDescriptor(t, "held")
	if _, err := cache.Admit(FileToken{Lo: 11}, desc); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	cache.Close()
	if got := desc.Refs(); got != 1 {
		t.Fatalf("refs after cache close = %d, want 1", got)
	}
	if got := cache.Len(); got != 0 {
		t.Fatalf("cache length after close = %d, want 0", got)
	}
	desc.Unref()
}
