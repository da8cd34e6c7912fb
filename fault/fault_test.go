package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	err := fmt.Errorf("quote: accept: %w", Unprocessable("job is already assigned"))
	kind, ok := KindOf(err)
	if !ok || kind != KindUnprocessable {
		t.Fatalf("KindOf = %v, %v", kind, ok)
	}
	if got := Reason(err); got != "job is already assigned" {
		t.Fatalf("Reason = %q", got)
	}
}

func TestKindOfInternalError(t *testing.T) {
	if _, ok := KindOf(errors.New("pool exhausted")); ok {
		t.Fatal("plain errors must carry no kind")
	}
	if Reason(errors.New("pool exhausted")) != "" {
		t.Fatal("plain errors must expose no reason")
	}
}

func TestIs(t *testing.T) {
	err := Forbidden("only the job requester may accept quotes")
	if !Is(err, KindForbidden) {
		t.Fatal("Is(KindForbidden) = false")
	}
	if Is(err, KindConflict) {
		t.Fatal("Is(KindConflict) = true")
	}
}

func TestErrorString(t *testing.T) {
	err := Conflict("you already submitted a quote for this job")
	if err.Error() != "conflict: you already submitted a quote for this job" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
