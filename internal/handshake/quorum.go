package handshake

// AckSet is a minimal N-of-N acknowledgement primitive: a fixed set of
// required acknowledgers, each marked independently, gating an action on
// set completeness. The two-party completion quorum is an AckSet over
// {provider, requester}, but nothing here assumes two members.
type AckSet struct {
	required []string
	acked    map[string]bool
}

// NewAckSet creates an acknowledgement set over the given members.
// Duplicate members collapse into one.
func NewAckSet(members ...string) *AckSet {
	s := &AckSet{acked: make(map[string]bool, len(members))}
	for _, m := range members {
		if _, seen := s.acked[m]; !seen {
			s.required = append(s.required, m)
			s.acked[m] = false
		}
	}
	return s
}

// Ack marks a member's acknowledgement. Returns false if the member is
// not part of the set.
func (s *AckSet) Ack(member string) bool {
	if _, ok := s.acked[member]; !ok {
		return false
	}
	s.acked[member] = true
	return true
}

// Reset clears every acknowledgement. Called when the terms under
// acknowledgement change, so stale consent cannot settle.
func (s *AckSet) Reset() {
	for m := range s.acked {
		s.acked[m] = false
	}
}

// Acked reports whether a member has acknowledged.
func (s *AckSet) Acked(member string) bool {
	return s.acked[member]
}

// Complete reports whether every required member has acknowledged.
func (s *AckSet) Complete() bool {
	for _, m := range s.required {
		if !s.acked[m] {
			return false
		}
	}
	return true
}

// quorumOf builds the completion AckSet from a handshake's stored
// confirmation flags.
func quorumOf(h *Handshake) *AckSet {
	s := NewAckSet(h.ProviderID, h.RequesterID)
	if h.ProviderConfirmed {
		s.Ack(h.ProviderID)
	}
	if h.ReceiverConfirmed {
		s.Ack(h.RequesterID)
	}
	return s
}
