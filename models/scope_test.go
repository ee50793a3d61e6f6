package models

import "testing"

func TestResolve(t *testing.T) {
	if !Resolve(1, 1, false) {
		t.Fatal("owner must see their own record")
	}
	if !Resolve(1, 2, true) {
		t.Fatal("global records are visible to everyone")
	}
	if Resolve(1, 2, false) {
		t.Fatal("private records of other owners must stay hidden")
	}
}

func TestCanWrite_GlobalStaysSingleWriter(t *testing.T) {
	if !CanWrite(1, 1) {
		t.Fatal("owner must be able to write their record")
	}
	// global grants read visibility only, never write access
	if CanWrite(1, 2) {
		t.Fatal("non-owner must never get write access")
	}
}
