package lifecycle

import "testing"

func TestHub_SetNotifiesTransitionsOnly(t *testing.T) {
	h := NewHub(Active)
	var got []State
	unsub := h.Subscribe(func(s State) { got = append(got, s) })

	h.Set(Active)
	h.Set(Background)
	h.Set(Background)
	h.Set(Inactive)
	unsub()
	unsub()
	h.Set(Active)

	want := []State{Background, Inactive}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if h.Current() != Active {
		t.Errorf("Current = %s, want active", h.Current())
	}
}

func TestHub_SubscriberMayUnsubscribeDuringDelivery(t *testing.T) {
	h := NewHub(Active)
	var unsub func()
	calls := 0
	unsub = h.Subscribe(func(State) {
		calls++
		unsub()
	})
	h.Set(Background)
	h.Set(Active)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestState_Foreground(t *testing.T) {
	if !Active.Foreground() || Background.Foreground() || Inactive.Foreground() {
		t.Error("only active is foreground")
	}
}
