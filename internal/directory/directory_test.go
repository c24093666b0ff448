package directory

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndLookup(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	l, err := s.Create(ctx, "pat", CreateRequest{
		Title:        "Guitar lessons",
		Category:     "music",
		HoursPerSlot: "1.5",
		Capacity:     3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.HoursPerSlot != "1.50" {
		t.Errorf("hours_per_slot = %s, want canonical 1.50", l.HoursPerSlot)
	}
	if !l.Active {
		t.Error("new listing should start active")
	}

	provider, active, err := s.Lookup(ctx, l.ID)
	if err != nil || provider != "pat" || !active {
		t.Errorf("Lookup = %s, %v, %v", provider, active, err)
	}
}

func TestCreateValidation(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	cases := []CreateRequest{
		{Title: "   "},
		{Title: "ok", HoursPerSlot: "abc"},
		{Title: "ok", HoursPerSlot: "-1.00"},
		{Title: "ok", HoursPerSlot: "0.00"},
	}
	for i, req := range cases {
		if _, err := s.Create(ctx, "pat", req); !errors.Is(err, ErrInvalidListing) {
			t.Errorf("case %d: got %v, want ErrInvalidListing", i, err)
		}
	}
}

func TestCreateDefaults(t *testing.T) {
	s := NewService(NewMemoryStore())
	l, err := s.Create(context.Background(), "pat", CreateRequest{Title: "Tutoring"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.HoursPerSlot != "1.00" || l.Capacity != 1 {
		t.Errorf("defaults = %s/%d, want 1.00/1", l.HoursPerSlot, l.Capacity)
	}
}

func TestSetActive(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	l, _ := s.Create(ctx, "pat", CreateRequest{Title: "Tutoring"})

	if _, err := s.SetActive(ctx, l.ID, "mallory", false); !errors.Is(err, ErrInvalidListing) {
		t.Errorf("stranger deactivate: got %v, want ErrInvalidListing", err)
	}

	updated, err := s.SetActive(ctx, l.ID, "pat", false)
	if err != nil || updated.Active {
		t.Fatalf("deactivate: %v (active=%v)", err, updated.Active)
	}

	_, active, _ := s.Lookup(ctx, l.ID)
	if active {
		t.Error("Lookup should report inactive after deactivation")
	}

	if _, err := s.SetActive(ctx, "svc_missing", "pat", false); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("missing listing: got %v, want ErrListingNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	a, _ := s.Create(ctx, "pat", CreateRequest{Title: "Guitar", Category: "music"})
	s.Create(ctx, "pat", CreateRequest{Title: "Cooking", Category: "food"})
	s.Create(ctx, "alice", CreateRequest{Title: "Piano", Category: "music"})
	s.SetActive(ctx, a.ID, "pat", false)

	music, err := s.List(ctx, "music", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(music) != 1 || music[0].Title != "Piano" {
		t.Errorf("active music listings = %d, want just Piano", len(music))
	}

	mine, err := s.ListByProvider(ctx, "pat")
	if err != nil || len(mine) != 2 {
		t.Errorf("ListByProvider = %d, %v; want 2 (including inactive)", len(mine), err)
	}
}
