package consistency_test

import (
	"errors"
	"testing"

	cqrs "github.com/terraskye/consistency"
)

func TestVersionConversions(t *testing.T) {
	if v := cqrs.VersionOf(-1); v != (cqrs.MustNotExist{}) {
		t.Fatalf("expected no-stream, got %s", v)
	}
	if v := cqrs.VersionOf(4); v != cqrs.Revision(4) {
		t.Fatalf("expected 4, got %s", v)
	}
	for _, v := range []cqrs.ExpectedVersion{cqrs.Any{}, cqrs.MustExist{}, cqrs.MustNotExist{}} {
		if got := cqrs.RevisionOf(v); got != -1 {
			t.Fatalf("expected -1 for %s, got %d", v, got)
		}
	}
	if got := cqrs.RevisionOf(cqrs.Revision(9)); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
}

func TestCheckExpected(t *testing.T) {
	tests := []struct {
		name     string
		expected cqrs.ExpectedVersion
		last     int64
		conflict bool
	}{
		{"any on missing", cqrs.Any{}, -1, false},
		{"any on existing", cqrs.Any{}, 3, false},
		{"no-stream on missing", cqrs.MustNotExist{}, -1, false},
		{"no-stream on existing", cqrs.MustNotExist{}, 0, true},
		{"exists on missing", cqrs.MustExist{}, -1, true},
		{"exists on existing", cqrs.MustExist{}, 2, false},
		{"revision match", cqrs.Revision(2), 2, false},
		{"revision behind", cqrs.Revision(1), 2, true},
		{"revision on missing", cqrs.Revision(0), -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cqrs.CheckExpected("s", tt.expected, tt.last)
			if !tt.conflict {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var conflict *cqrs.ConcurrencyConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected *ConcurrencyConflictError, got %v", err)
			}
			if conflict.Actual != cqrs.VersionOf(tt.last) || conflict.Expected != tt.expected {
				t.Fatalf("unexpected conflict %v", conflict)
			}
		})
	}
}

func TestStreamVersions(t *testing.T) {
	vs := cqrs.StreamVersions{
		{Stream: "user-1", Version: cqrs.Revision(3)},
		{Stream: "userLogin-1", Version: cqrs.MustNotExist{}},
	}
	if got := vs.String(); got != "[user-1@3 userLogin-1@no-stream]" {
		t.Fatalf("unexpected string %q", got)
	}

	updated := vs.With(cqrs.StreamVersion{Stream: "userLogin-1", Version: cqrs.Revision(0)})
	if token, _ := updated.Find("userLogin-1"); token.Version != cqrs.Revision(0) {
		t.Fatalf("expected replaced token, got %s", token)
	}
	if token, _ := vs.Find("userLogin-1"); token.Version != (cqrs.MustNotExist{}) {
		t.Fatal("expected With not to modify the receiver")
	}
	if len(updated) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(updated))
	}

	added := vs.With(cqrs.StreamVersion{Stream: "other", Version: cqrs.Any{}})
	if len(added) != 3 || added[2].String() != "other@any" {
		t.Fatalf("expected an appended token, got %s", added)
	}
	if _, ok := vs.Find("missing"); ok {
		t.Fatal("expected no token for an unknown stream")
	}
}
