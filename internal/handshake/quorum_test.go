package handshake

import "testing"

func TestAckSetComplete(t *testing.T) {
	s := NewAckSet("provider", "requester")

	if s.Complete() {
		t.Error("empty set should not be complete")
	}
	if !s.Ack("provider") {
		t.Error("provider ack rejected")
	}
	if s.Complete() {
		t.Error("one of two should not be complete")
	}
	if !s.Ack("requester") {
		t.Error("requester ack rejected")
	}
	if !s.Complete() {
		t.Error("two of two should be complete")
	}
}

func TestAckSetRejectsStrangers(t *testing.T) {
	s := NewAckSet("a", "b")
	if s.Ack("mallory") {
		t.Error("non-member ack accepted")
	}
	if s.Acked("mallory") {
		t.Error("non-member reported as acked")
	}
}

func TestAckSetReset(t *testing.T) {
	s := NewAckSet("a", "b")
	s.Ack("a")
	s.Ack("b")
	s.Reset()
	if s.Complete() {
		t.Error("reset set should not be complete")
	}
	if s.Acked("a") || s.Acked("b") {
		t.Error("acks survived reset")
	}
}

func TestAckSetBeyondTwoMembers(t *testing.T) {
	s := NewAckSet("a", "b", "c")
	s.Ack("a")
	s.Ack("c")
	if s.Complete() {
		t.Error("two of three should not be complete")
	}
	s.Ack("b")
	if !s.Complete() {
		t.Error("three of three should be complete")
	}
}

func TestAckSetDuplicateMembers(t *testing.T) {
	s := NewAckSet("a", "a")
	s.Ack("a")
	if !s.Complete() {
		t.Error("duplicate members should collapse into one")
	}
}

func TestQuorumOfHandshake(t *testing.T) {
	h := &Handshake{ProviderID: "pat", RequesterID: "alice"}
	if quorumOf(h).Complete() {
		t.Error("no flags should not be complete")
	}
	h.ProviderConfirmed = true
	if quorumOf(h).Complete() {
		t.Error("one flag should not be complete")
	}
	h.ReceiverConfirmed = true
	if !quorumOf(h).Complete() {
		t.Error("both flags should be complete")
	}
}
