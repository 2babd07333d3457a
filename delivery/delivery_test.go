package delivery

import "testing"

// TestNext проверяет все переходы машины статусов.
func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		event   Event
		want    Status
		changed bool
	}{
		{"sent + deliver", StatusSent, Deliver, StatusDelivered, true},
		{"delivered + deliver", StatusDelivered, Deliver, StatusDelivered, false},
		{"seen + deliver", StatusSeen, Deliver, StatusSeen, false},
		{"sent + see", StatusSent, See, StatusSeen, true},
		{"delivered + see", StatusDelivered, See, StatusSeen, true},
		{"seen + see", StatusSeen, See, StatusSeen, false},
	}

	for _, tt := range tests {
		got, changed := Next(tt.current, tt.event)
		if got != tt.want || changed != tt.changed {
			t.Errorf("%s: Next(%q) = (%q, %v), want (%q, %v)",
				tt.name, tt.current, got, changed, tt.want, tt.changed)
		}
	}
}

// TestNoRegression проверяет, что из seen нет пути назад ни одним событием.
func TestNoRegression(t *testing.T) {
	for _, ev := range []Event{Deliver, See} {
		got, changed := Next(StatusSeen, ev)
		if changed || got != StatusSeen {
			t.Errorf("Next(seen, %v) = (%q, %v), want (seen, false)", ev, got, changed)
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusDelivered, StatusSeen} {
		if !Valid(s) {
			t.Errorf("Valid(%q) = false, want true", s)
		}
	}
	if Valid("ackn") {
		t.Error("Valid(\"ackn\") = true, want false")
	}
	if Valid("") {
		t.Error("Valid(\"\") = true, want false")
	}
}
