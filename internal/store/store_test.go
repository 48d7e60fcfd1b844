package store

import (
	"context"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoginAndQueryUser(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	if err := s.Login(ctx, 1001, "Voltline", time.Now()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	name, avatar, err := s.QueryUser(ctx, 1001)
	if err != nil {
		t.Fatalf("QueryUser: %v", err)
	}
	if name != "Voltline" || avatar != "" {
		t.Errorf("got (%q, %q)", name, avatar)
	}
}

func TestQueryUserAbsentReturnsEmpty(t *testing.T) {
	s := openTest(t)
	name, avatar, err := s.QueryUser(context.Background(), 9999)
	if err != nil {
		t.Fatalf("QueryUser: %v", err)
	}
	if name != "" || avatar != "" {
		t.Errorf("expected empty strings for absent user, got (%q, %q)", name, avatar)
	}
}

func TestInsertContactBidirectional(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	if err := s.InsertContact(ctx, 1001, 1002); err != nil {
		t.Fatalf("InsertContact: %v", err)
	}
	// Idempotent re-insert must not error.
	if err := s.InsertContact(ctx, 1001, 1002); err != nil {
		t.Fatalf("InsertContact (repeat): %v", err)
	}
}

func TestInsertGroupAndGroupUser(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	if err := s.InsertGroup(ctx, 9001, "Team"); err != nil {
		t.Fatalf("InsertGroup: %v", err)
	}
	if err := s.InsertGroupUser(ctx, 9001, 1001); err != nil {
		t.Fatalf("InsertGroupUser: %v", err)
	}
	members, err := s.QueryGroupUser(ctx, 9001)
	if err != nil {
		t.Fatalf("QueryGroupUser: %v", err)
	}
	if len(members) != 1 || members[0] != 1001 {
		t.Errorf("members = %v, want [1001]", members)
	}
}

func TestSyncMessageOrderAndFields(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	if err := s.InsertMessage(ctx, 1001, 1002, base.Add(1*time.Second), "hello", "text", false); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := s.InsertMessage(ctx, 1001, 1002, base.Add(2*time.Second), "world", "text", false); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	rows, err := s.QuerySyncMessage(ctx, 1002, base)
	if err != nil {
		t.Fatalf("QuerySyncMessage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Text != "hello" || rows[1].Text != "world" {
		t.Errorf("rows out of order: %+v", rows)
	}
	if rows[0].From != 1001 || rows[0].To != 1002 || rows[0].IsGroup {
		t.Errorf("unexpected row fields: %+v", rows[0])
	}
}

func TestFileUploadProbe(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	exists, err := s.QueryFile(ctx, "abc", "png")
	if err != nil {
		t.Fatalf("QueryFile: %v", err)
	}
	if exists {
		t.Fatal("new file should not exist yet")
	}
	if err := s.InsertFile(ctx, "abc", "png"); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	exists, err = s.QueryFile(ctx, "abc", "png")
	if err != nil {
		t.Fatalf("QueryFile: %v", err)
	}
	if !exists {
		t.Fatal("file should exist after InsertFile")
	}
}

func TestAPNsTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	if err := s.InsertUserAPNsToken(ctx, 1002, "TOK"); err != nil {
		t.Fatalf("InsertUserAPNsToken: %v", err)
	}
	toks, err := s.QueryUserAPNsTokens(ctx, 1002)
	if err != nil {
		t.Fatalf("QueryUserAPNsTokens: %v", err)
	}
	if len(toks) != 1 || toks[0] != "TOK" {
		t.Fatalf("toks = %v", toks)
	}
	if err := s.DeleteUserAPNsToken(ctx, 1002, "TOK"); err != nil {
		t.Fatalf("DeleteUserAPNsToken: %v", err)
	}
	toks, err = s.QueryUserAPNsTokens(ctx, 1002)
	if err != nil {
		t.Fatalf("QueryUserAPNsTokens: %v", err)
	}
	if len(toks) != 0 {
		t.Fatalf("expected token purged, got %v", toks)
	}
}
