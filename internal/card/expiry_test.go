package card

import (
	"testing"
	"time"
)

func TestParseYYMMEndOfMonth(t *testing.T) {
	// 2030-02 (non-leap): expect 28th 23:59:59.999999999
	ts, err := ParseYYMMEndOfMonth("3002", time.UTC)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := time.Date(2030, time.February, 28, 23, 59, 59, 999999999, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}

	// 2032-02 (leap): 29th
	ts, err = ParseYYMMEndOfMonth("3202", time.UTC)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want = time.Date(2032, time.February, 29, 23, 59, 59, 999999999, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
}

func TestValidateYYMM(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"3002", true}, {"9912", true}, {"0001", true},
		{"123", false}, {"12a4", false}, {"3013", false}, {"0000", false},
	}
	for _, c := range cases {
		err := ValidateYYMM(c.in)
		if (err == nil) != c.ok {
			t.Fatalf("ValidateYYMM(%s) ok=%v got err=%v", c.in, c.ok, err)
		}
	}
}

func TestIsExpired(t *testing.T) {
	yymm := "3002" // 2030-02
	end, _ := ParseYYMMEndOfMonth(yymm, time.UTC)

	// At end instant -> still valid (inclusive)
	expired, err := IsExpired(yymm, end, time.UTC)
	if err != nil || expired {
		t.Fatalf("expected not expired at end, got expired=%v err=%v", expired, err)
	}
	// After end -> expired
	expired, err = IsExpired(yymm, end.Add(time.Nanosecond), time.UTC)
	if err != nil || !expired {
		t.Fatalf("expected expired after end, got expired=%v err=%v", expired, err)
	}
}

func TestParseCardFace(t *testing.T) {
	yymm, err := ParseCardFace("10/30")
	if err != nil || yymm != "3010" {
		t.Fatalf("ParseCardFace 10/30 got %s err=%v", yymm, err)
	}
	yymm, err = ParseCardFace("1030")
	if err != nil || yymm != "3010" {
		t.Fatalf("ParseCardFace 1030 got %s err=%v", yymm, err)
	}
	if _, err := ParseCardFace("13/30"); err == nil {
		t.Fatalf("expected error for 13/30")
	}
}
