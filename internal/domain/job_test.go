package domain

import "testing"

func TestStatusCanAdvance(t *testing.T) {
	forward := []struct {
		from Status
		to   Status
	}{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusTranscribed},
		{StatusProcessing, StatusFailed},
		{StatusTranscribed, StatusMuxed},
		{StatusMuxed, StatusCompleted},
		{StatusProcessing, StatusMuxed},
	}
	for _, tc := range forward {
		if !tc.from.CanAdvance(tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	backward := []struct {
		from Status
		to   Status
	}{
		{StatusProcessing, StatusPending},
		{StatusMuxed, StatusTranscribed},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusCompleted, StatusCompleted},
	}
	for _, tc := range backward {
		if tc.from.CanAdvance(tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() {
		t.Fatal("expected completed to be terminal")
	}
	if !StatusFailed.Terminal() {
		t.Fatal("expected failed to be terminal")
	}
	if StatusMuxed.Terminal() {
		t.Fatal("expected muxed to be non-terminal")
	}
}

func TestStatusCanAdvanceUnknownStatus(t *testing.T) {
	if Status("bogus").CanAdvance(StatusCompleted) {
		t.Fatal("expected unknown status to reject transitions")
	}
	if StatusPending.CanAdvance(Status("bogus")) {
		t.Fatal("expected transition to unknown status to be rejected")
	}
}
