package jobstore

import (
	"errors"
	"testing"
)

func TestStatusSuccessPath(t *testing.T) {
	path := []Status{
		StatusInitialized, StatusConfigured, StatusReady, StatusQueued,
		StatusStarted, StatusPreProcessing, StatusProcessing,
		StatusPostProcessing, StatusProcessed, StatusStartPublication,
		StatusPublished, StatusDone,
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			t.Fatalf("success step %s -> %s rejected", path[i-1], path[i])
		}
	}
}

func TestStatusSkipForwardRejected(t *testing.T) {
	cases := [][2]Status{
		{StatusConfigured, StatusPublished},
		{StatusInitialized, StatusReady},
		{StatusQueued, StatusProcessing},
		{StatusProcessed, StatusPublished},
	}
	for _, tc := range cases {
		if CanTransition(tc[0], tc[1]) {
			t.Fatalf("skip %s -> %s accepted", tc[0], tc[1])
		}
	}
}

func TestStatusErrorTargets(t *testing.T) {
	for _, from := range []Status{StatusInitialized, StatusQueued, StatusProcessing, StatusStartPublication} {
		for _, to := range []Status{StatusInternalError, StatusExternalError, StatusCancelled} {
			if !CanTransition(from, to) {
				t.Fatalf("%s -> %s rejected", from, to)
			}
		}
		if CanTransition(from, StatusErrorChecked) {
			t.Fatalf("%s -> error_checked accepted without an error status", from)
		}
	}

	for _, from := range []Status{StatusInternalError, StatusExternalError} {
		if !CanTransition(from, StatusErrorChecked) {
			t.Fatalf("%s -> error_checked rejected", from)
		}
		if CanTransition(from, StatusReady) {
			t.Fatalf("%s -> ready accepted", from)
		}
	}
}

func TestStatusBackwardRecovery(t *testing.T) {
	cases := [][2]Status{
		{StatusQueued, StatusReady},
		{StatusStarted, StatusReady},
		{StatusProcessing, StatusReady},
	}
	for _, tc := range cases {
		if !CanTransition(tc[0], tc[1]) {
			t.Fatalf("recovery %s -> %s rejected", tc[0], tc[1])
		}
	}
}

func TestStatusTerminalsFrozen(t *testing.T) {
	for _, from := range []Status{StatusDone, StatusErrorChecked, StatusCancelled} {
		for to := StatusInitialized; to <= StatusCancelled; to++ {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s -> %s accepted", from, to)
			}
		}
	}

	// Published only hands off to done.
	if !CanTransition(StatusPublished, StatusDone) {
		t.Fatal("published -> done rejected")
	}
	for to := StatusInitialized; to <= StatusCancelled; to++ {
		if to != StatusDone && CanTransition(StatusPublished, to) {
			t.Fatalf("published -> %s accepted", to)
		}
	}
}

func TestTransitionError(t *testing.T) {
	err := Transition(StatusConfigured, StatusPublished)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != StatusConfigured || te.To != StatusPublished {
		t.Fatalf("wrong transition recorded: %v", te)
	}

	if err := Transition(StatusReady, StatusQueued); err != nil {
		t.Fatalf("valid transition errored: %v", err)
	}
}

func TestStatusNames(t *testing.T) {
	if StatusPreProcessing.String() != "pre_processing" {
		t.Fatalf("name = %s", StatusPreProcessing)
	}
	s, ok := StatusFromName("external_error")
	if !ok || s != StatusExternalError {
		t.Fatalf("StatusFromName = %v, %v", s, ok)
	}
	if _, ok := StatusFromName("nope"); ok {
		t.Fatal("unknown name resolved")
	}
	if Status(99).Valid() {
		t.Fatal("rank 99 valid")
	}
}
