package marketdata

import (
	"errors"
	"testing"
)

func TestNewInstrumentRejectsEmptyFields(t *testing.T) {
	cases := []struct {
		name                            string
		exchangeID, baseAsset, counter string
	}{
		{"empty exchange", "", "BTC", "USD"},
		{"empty base", "coinbase", "", "USD"},
		{"empty counter", "coinbase", "BTC", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewInstrument(tc.exchangeID, tc.baseAsset, tc.counter); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestNewInstrumentString(t *testing.T) {
	instrument, err := NewInstrument("coinbase", "BTC", "USD")
	if err != nil {
		t.Fatalf("new instrument: %v", err)
	}
	if got, want := instrument.String(), "coinbase:BTC/USD"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestInstrumentEqualityIsStructural(t *testing.T) {
	a, _ := NewInstrument("coinbase", "BTC", "USD")
	b, _ := NewInstrument("coinbase", "BTC", "USD")
	if a != b {
		t.Fatal("expected structurally identical instruments to compare equal")
	}
}
