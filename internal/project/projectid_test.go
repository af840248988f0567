package project

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	paths := []string{
		"/home/user/work/app",
		"/tmp/proj with spaces",
		"/",
		"/a/b/c/d/e/f/g",
	}
	for _, p := range paths {
		id := EncodeID(p)
		got, err := DecodeID(id)
		if err != nil {
			t.Fatalf("DecodeID(%q): %v", id, err)
		}
		if got != p {
			t.Errorf("round trip mismatch: want %q, got %q", p, got)
		}
	}
}

func TestDecodeIDRejectsInvalid(t *testing.T) {
	cases := []string{"", "not base64url!!", "has spaces", "hasPlusAnd/Slash+=="}
	for _, c := range cases {
		if _, err := DecodeID(c); err == nil {
			t.Errorf("DecodeID(%q): expected error, got none", c)
		}
	}
}

func TestEncodeIDDeterministic(t *testing.T) {
	a := EncodeID("/same/path")
	b := EncodeID("/same/path")
	if a != b {
		t.Errorf("EncodeID not deterministic: %s != %s", a, b)
	}
}
