package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCheckDecimal(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0", false},
		{"100", false},
		{"0.000000000000000001", false},
		{"123456789012345678901234567890", false},
		{"0.0000000000000000001", true},
		{"1e-2000000000", true},
		{"0e-2000000000", true},
		{"1e31", true},
		{"1e2000000000", true},
		{"1234567890123456789012345678901", true},
		{"-1e-19", true},
		{"12345678901234567890123456789.5", false},
	}
	for _, tt := range tests {
		d, err := decimal.NewFromString(tt.in)
		if err != nil {
			t.Fatalf("NewFromString(%q): %v", tt.in, err)
		}
		if err := CheckDecimal(d, 18, 30); (err != nil) != tt.wantErr {
			t.Errorf("CheckDecimal(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
