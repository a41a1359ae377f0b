package main

import (
	"strings"
	"testing"

	"github.com/alexedwards/argon2id"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
)

func TestHashKeyCmd_ProducesVerifiableArgon2idHash(t *testing.T) {
	hashKeyCmd.SetArgs(nil)
	buf := &strings.Builder{}
	hashKeyCmd.SetOut(buf)

	if err := hashKeyCmd.RunE(hashKeyCmd, []string{"my-secret-api-key"}); err != nil {
		t.Fatalf("RunE: %v", err)
	}

	hash := strings.TrimSpace(buf.String())
	match, err := argon2id.ComparePasswordAndHash("my-secret-api-key", hash)
	if err != nil {
		t.Fatalf("compare printed hash %q: %v", hash, err)
	}
	if !match {
		t.Fatalf("printed hash %q does not verify against the raw key", hash)
	}
}

func TestHashKeyCmd_HashVerifiesAgainstRawKey(t *testing.T) {
	const raw = "another-secret"
	hash, err := controlplane.HashKeyArgon2id(raw)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	match, err := argon2id.ComparePasswordAndHash(raw, hash)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !match {
		t.Fatal("expected hash to match raw key")
	}
	match, err = argon2id.ComparePasswordAndHash("wrong-key", hash)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if match {
		t.Fatal("expected hash not to match a different key")
	}
}
