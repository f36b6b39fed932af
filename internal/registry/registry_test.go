package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeMember struct {
	id, org string
}

func (f *fakeMember) ID() string                     { return f.id }
func (f *fakeMember) OrganizationID() string         { return f.org }
func (f *fakeMember) Deliver(uint64, [][]byte) error { return nil }
func (f *fakeMember) Close() error                   { return nil }

func TestRegister_AndMembersOf(t *testing.T) {
	r := New(0)
	for _, m := range []*fakeMember{{"a", "org-1"}, {"b", "org-1"}, {"c", "org-2"}} {
		if err := r.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", m.id, err)
		}
	}

	if got := len(r.MembersOf("org-1")); got != 2 {
		t.Errorf("MembersOf(org-1) = %d members, want 2", got)
	}
	if got := len(r.MembersOf("org-2")); got != 1 {
		t.Errorf("MembersOf(org-2) = %d members, want 1", got)
	}
	if got := len(r.MembersOf("org-3")); got != 0 {
		t.Errorf("MembersOf(org-3) = %d members, want 0", got)
	}
	if r.Total() != 3 {
		t.Errorf("Total() = %d, want 3", r.Total())
	}
	orgs := r.Organizations()
	if len(orgs) != 2 || orgs[0] != "org-1" || orgs[1] != "org-2" {
		t.Errorf("Organizations() = %v", orgs)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New(0)
	if err := r.Register(&fakeMember{"a", "org-1"}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(&fakeMember{"a", "org-2"})
	if !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("err = %v, want ErrDuplicateConnection", err)
	}
	if r.Count("org-2") != 0 {
		t.Error("duplicate registration leaked into org-2")
	}
}

func TestRegister_Limit(t *testing.T) {
	r := New(2)
	_ = r.Register(&fakeMember{"a", "org-1"})
	_ = r.Register(&fakeMember{"b", "org-1"})

	err := r.Register(&fakeMember{"c", "org-1"})
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("err = %v, want ErrConnectionLimit", err)
	}
	var le *LimitError
	if !errors.As(err, &le) || le.MaxAllowed != 2 || le.CurrentCount != 2 {
		t.Errorf("LimitError = %+v", le)
	}

	// Other organizations are unaffected.
	if err := r.Register(&fakeMember{"d", "org-2"}); err != nil {
		t.Errorf("Register in org-2: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r := New(0)
	_ = r.Register(&fakeMember{"a", "org-1"})

	if !r.Unregister("a") {
		t.Error("first Unregister returned false")
	}
	if r.Unregister("a") {
		t.Error("second Unregister returned true")
	}
	if r.Unregister("never-seen") {
		t.Error("Unregister of unknown id returned true")
	}
	if r.Count("org-1") != 0 || len(r.Organizations()) != 0 {
		t.Error("organization still listed after last member left")
	}
}

func TestMembersOf_IsSnapshot(t *testing.T) {
	r := New(0)
	_ = r.Register(&fakeMember{"a", "org-1"})
	snap := r.MembersOf("org-1")
	_ = r.Register(&fakeMember{"b", "org-1"})
	r.Unregister("a")
	if len(snap) != 1 || snap[0].ID() != "a" {
		t.Errorf("snapshot changed after registry mutation: %v", snap)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			org := fmt.Sprintf("org-%d", i%3)
			_ = r.Register(&fakeMember{id, org})
			_ = r.MembersOf(org)
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	if r.Total() != 25 {
		t.Errorf("Total() = %d, want 25", r.Total())
	}
}
