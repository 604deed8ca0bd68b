package engine

import (
	"errors"
	"testing"

	"stageline/internal/domain"
)

func TestNormalizeResponseYesNo(t *testing.T) {
	q := domain.Question{ID: "q1", ResponseType: "yes_no"}
	for _, ok := range []string{"Yes", "No", "  Yes  "} {
		v, err := NormalizeResponse(q, ok)
		if err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
		if v != "Yes" && v != "No" {
			t.Fatalf("%q normalized to %q", ok, v)
		}
	}
	for _, bad := range []string{"yes", "no", "Y", "maybe", ""} {
		_, err := NormalizeResponse(q, bad)
		var verr ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%q: expected validation error, got %v", bad, err)
		}
		if verr.Rule != "yes_no" {
			t.Fatalf("%q: unexpected rule %q", bad, verr.Rule)
		}
	}
}

func TestNormalizeResponseNumber(t *testing.T) {
	q := domain.Question{ID: "q1", ResponseType: "number"}
	for _, ok := range []string{"0", "42", "-3", "99.5", " 100 "} {
		if _, err := NormalizeResponse(q, ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "abc", "1,5", "1.2.3", "2e5"} {
		if _, err := NormalizeResponse(q, bad); err == nil {
			t.Fatalf("%q: expected validation error", bad)
		}
	}
}

func TestNormalizeResponseDate(t *testing.T) {
	q := domain.Question{ID: "q1", ResponseType: "date"}
	for _, ok := range []string{"2024-06-01", "2024-06-01T12:00:00Z"} {
		if _, err := NormalizeResponse(q, ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "01/06/2024", "June 1st"} {
		if _, err := NormalizeResponse(q, bad); err == nil {
			t.Fatalf("%q: expected validation error", bad)
		}
	}
}

func TestNormalizeResponseFileUpload(t *testing.T) {
	q := domain.Question{ID: "q1", ResponseType: "file_upload"}
	if _, err := NormalizeResponse(q, "https://files.example.com/doc.pdf"); err != nil {
		t.Fatalf("url: %v", err)
	}
	if _, err := NormalizeResponse(q, "   "); err == nil {
		t.Fatalf("expected error for empty file url")
	}
}

func TestNormalizeResponseRequiredText(t *testing.T) {
	required := domain.Question{ID: "q1", ResponseType: "text", IsRequired: true}
	if _, err := NormalizeResponse(required, ""); err == nil {
		t.Fatalf("expected error for empty required text")
	}
	optional := domain.Question{ID: "q2", ResponseType: "text"}
	if _, err := NormalizeResponse(optional, ""); err != nil {
		t.Fatalf("optional empty text: %v", err)
	}
}
