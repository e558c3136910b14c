package state

import "testing"

func TestEncodeKeyCharset(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"aa:bb:cc:dd:ee:ff": "aa-bb-cc-dd-ee-ff",
		"dev-1":             "dev-1",
		"dev_1.core":        "dev_1.core",
		"weird id/with*":    "weird_id_with_",
		"UPPER09":           "UPPER09",
	}
	for input, want := range cases {
		if got := encodeKey(input); got != want {
			t.Fatalf("encodeKey(%q) = %q, want %q", input, got, want)
		}
	}
}
