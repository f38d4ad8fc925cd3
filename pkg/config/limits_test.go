package config

import "testing"

func TestParseLimitValue_Accepted(t *testing.T) {
	cases := []struct {
		in   string
		kind LimitKind
	}{
		{"1024", LimitNumber},
		{"4", LimitNumber},
		{"0", LimitNumber},
		{"1gb", LimitBytes},
		{"2GB", LimitBytes},
		{"1.5gb", LimitBytes},
		{"512mb", LimitBytes},
		{"1024MB", LimitBytes},
		{"1024kb", LimitBytes},
		{"50%", LimitPercentage},
		{"90%", LimitPercentage},
		{"1%", LimitPercentage},
		{"100%", LimitPercentage},
		{"unlimited", LimitUnlimited},
		{"UNLIMITED", LimitUnlimited},
		{"Unlimited", LimitUnlimited},
		{"  4  ", LimitNumber},
	}
	for _, c := range cases {
		got, err := ParseLimitValue(c.in)
		if err != nil {
			t.Errorf("ParseLimitValue(%q) unexpected error: %v", c.in, err)
			continue
		}
		if got.Kind != c.kind {
			t.Errorf("ParseLimitValue(%q) kind = %v, want %v", c.in, got.Kind, c.kind)
		}
	}
}

func TestParseLimitValue_Rejected(t *testing.T) {
	cases := []string{
		"0%", "101%", "200%", "invalid", "1.5", "-10", "10tb", "", "gb", "mb", "%",
	}
	for _, in := range cases {
		if _, err := ParseLimitValue(in); err == nil {
			t.Errorf("ParseLimitValue(%q) expected error, got none", in)
		}
	}
}

func TestParseLimitValue_ByteMath(t *testing.T) {
	got, err := ParseLimitValue("2GB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := uint64(2 * 1024 * 1024 * 1024)
	if got.Bytes != want {
		t.Errorf("2GB = %d bytes, want %d", got.Bytes, want)
	}
}
