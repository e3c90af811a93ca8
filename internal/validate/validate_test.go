package validate

import "testing"

func TestRegistrationAcceptsValidInput(t *testing.T) {
	details := Registration("testuser", "test@example.com", "TestPassword123!", "TestPassword123!")
	if details != nil {
		t.Fatalf("expected no validation errors, got %+v", details)
	}
}

func TestRegistrationRejectsWeakPassword(t *testing.T) {
	details := Registration("testuser", "test@example.com", "weak", "weak")
	if details == nil || details["password"] == nil {
		t.Fatalf("expected a password validation error, got %+v", details)
	}
}

func TestRegistrationRejectsPasswordMismatch(t *testing.T) {
	details := Registration("testuser", "test@example.com", "TestPassword123!", "Different123!")
	if details == nil || details["confirmPassword"] == nil {
		t.Fatalf("expected a confirmPassword mismatch error, got %+v", details)
	}
}

func TestPasswordRejectsRepeatRun(t *testing.T) {
	if err := Password("Aaaa1111!!"); err == nil {
		t.Fatalf("expected repeated-run rejection")
	}
}

func TestPasswordRejectsCommonWeakSubstring(t *testing.T) {
	if err := Password("Password123!"); err == nil {
		t.Fatalf("expected weak-substring rejection")
	}
}
