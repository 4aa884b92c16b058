package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1000", 100000, true}, // whole naira -> kobo, the off-by-100 trap
		{"1000.00", 100000, true},
		{"1500.50", 150050, true},
		{"0.01", 1, true},
		{"0.1", 10, true},
		{".50", 50, true},
		{"-5", 0, false},
		{"+5", 0, false},
		{"1.2.3", 0, false},
		{"1.234", 0, false}, // sub-kobo precision rejected
		{"abc", 0, false},
		{".", 0, false},
		{"9223372036854775807", 0, false}, // overflows once scaled
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Parse(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{10, "0.10"},
		{100000, "1000.00"},
		{150050, "1500.50"},
		{-250, "-2.50"},
	}

	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, kobo := range []int64{0, 1, 99, 100, 12345, 300000} {
		got, ok := Parse(Format(kobo))
		if !ok || got != kobo {
			t.Errorf("round trip %d -> %q -> (%d, %v)", kobo, Format(kobo), got, ok)
		}
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		amount int64
		bp     int64
		want   int64
	}{
		{300000, 500, 15000}, // 3000.00 at 5% -> 150.00
		{100000, 300, 3000},  // 3% floor
		{100000, 600, 6000},  // 6% ceiling
		{1, 500, 0},          // rounds half up: 0.05 kobo -> 0
		{10, 500, 1},         // 0.5 kobo -> 1
		{0, 500, 0},
		{300000, 0, 0},
	}

	for _, tt := range tests {
		if got := Fee(tt.amount, tt.bp); got != tt.want {
			t.Errorf("Fee(%d, %d) = %d, want %d", tt.amount, tt.bp, got, tt.want)
		}
	}
}
