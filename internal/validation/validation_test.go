package validation

import "testing"

func TestValidAmount(t *testing.T) {
	valid := []string{"1", "0.5", "100.00000001", "42.000001"}
	for _, v := range valid {
		if errs := Validate(ValidAmount("amount", v)); len(errs) != 0 {
			t.Errorf("ValidAmount(%q) = %v, want no errors", v, errs)
		}
	}

	invalid := []string{"0", "0.000", "-1", "1.2.3", ".5", "5.", "abc", "1e6"}
	for _, v := range invalid {
		if errs := Validate(ValidAmount("amount", v)); len(errs) == 0 {
			t.Errorf("ValidAmount(%q) passed, want error", v)
		}
	}
}

func TestRequired(t *testing.T) {
	if errs := Validate(Required("buyer_id", "")); len(errs) != 1 {
		t.Errorf("expected 1 error for empty field, got %d", len(errs))
	}
	if errs := Validate(Required("buyer_id", "   ")); len(errs) != 1 {
		t.Errorf("whitespace-only value should fail Required")
	}
	if errs := Validate(Required("buyer_id", "usr_abc")); len(errs) != 0 {
		t.Errorf("non-empty value should pass Required")
	}
}

func TestValidActor(t *testing.T) {
	good := []string{"usr_1a2b3c", "agent-007", "a1b2c3d4"}
	for _, v := range good {
		if !IsValidActorID(v) {
			t.Errorf("IsValidActorID(%q) = false, want true", v)
		}
	}
	bad := []string{"ab", "has space", "semi;colon", ""}
	for _, v := range bad {
		if IsValidActorID(v) {
			t.Errorf("IsValidActorID(%q) = true, want false", v)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	if !IsValidCurrency("USD") || !IsValidCurrency("USDT") {
		t.Error("expected USD and USDT to be valid")
	}
	if IsValidCurrency("usd") || IsValidCurrency("U") || IsValidCurrency("") {
		t.Error("lowercase, short, and empty codes should be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("  hello\x00world  ", 8)
	if got != "hellowo" {
		t.Errorf("SanitizeString = %q, want %q", got, "hellowo")
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("buyer_id", ""),
		ValidAmount("amount", "-5"),
		MaxLength("note", "aaaa", 2),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("Error() should describe the first failure")
	}
}
