package errs

import "testing"

func TestEInheritsKindAndCode(t *testing.T) {
	inner := E("keyring.Load", Mix, WrongPassword, Str("mac mismatch"))
	outer := E("keyring.Get", inner)

	if !Is(Mix, outer) {
		t.Fatalf("expected outer error to carry Kind Mix")
	}
	if !HasCode(WrongPassword, outer) {
		t.Fatalf("expected outer error to carry Code WrongPassword")
	}
}

func TestErrorMessage(t *testing.T) {
	err := E("directory.Import", Mix, AlreadyImported, Str("digest already present"))
	got := err.Error()
	want := "directory.Import: AlreadyImported: digest already present"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(Mix, Str("boring error")) {
		t.Fatalf("plain error should not match any Kind")
	}
}
