package position

import (
	"fmt"
	"strings"
)

// KeyFormat determines which trade dimensions make up a position key and in
// what order they are joined (with '#') to form the key string.
type KeyFormat string

const (
	KeyBookCounterpartyInstrument KeyFormat = "BOOK_COUNTERPARTY_INSTRUMENT"
	KeyBookInstrument             KeyFormat = "BOOK_INSTRUMENT"
	KeyCounterpartyInstrument     KeyFormat = "COUNTERPARTY_INSTRUMENT"
	KeyInstrument                 KeyFormat = "INSTRUMENT"
	KeyBook                       KeyFormat = "BOOK"
)

func ParseKeyFormat(s string) (KeyFormat, error) {
	switch KeyFormat(s) {
	case KeyBookCounterpartyInstrument, KeyBookInstrument, KeyCounterpartyInstrument, KeyInstrument, KeyBook:
		return KeyFormat(s), nil
	}
	return "", fmt.Errorf("unknown key format %q", s)
}

// Dims is the dimension projection of a position key: only the components
// relevant to the key format are non-nil.
type Dims struct {
	Book         *string
	Counterparty *string
	Instrument   *string
}

// Generate builds the position key string from trade dimensions.
func (f KeyFormat) Generate(book, counterparty, instrument string) string {
	switch f {
	case KeyBookCounterpartyInstrument:
		return book + "#" + counterparty + "#" + instrument
	case KeyBookInstrument:
		return book + "#" + instrument
	case KeyCounterpartyInstrument:
		return counterparty + "#" + instrument
	case KeyInstrument:
		return instrument
	case KeyBook:
		return book
	}
	return ""
}

// Project returns the dimension projection for a trade under this format.
func (f KeyFormat) Project(book, counterparty, instrument string) Dims {
	switch f {
	case KeyBookCounterpartyInstrument:
		return Dims{Book: &book, Counterparty: &counterparty, Instrument: &instrument}
	case KeyBookInstrument:
		return Dims{Book: &book, Instrument: &instrument}
	case KeyCounterpartyInstrument:
		return Dims{Counterparty: &counterparty, Instrument: &instrument}
	case KeyInstrument:
		return Dims{Instrument: &instrument}
	case KeyBook:
		return Dims{Book: &book}
	}
	return Dims{}
}

// ParseKey splits a position key back into its dimension projection.
func (f KeyFormat) ParseKey(key string) (Dims, error) {
	parts := strings.Split(key, "#")
	want := 0
	switch f {
	case KeyBookCounterpartyInstrument:
		want = 3
	case KeyBookInstrument, KeyCounterpartyInstrument:
		want = 2
	case KeyInstrument, KeyBook:
		want = 1
	default:
		return Dims{}, fmt.Errorf("unknown key format %q", f)
	}
	if len(parts) != want {
		return Dims{}, fmt.Errorf("position key %q does not match format %s", key, f)
	}
	switch f {
	case KeyBookCounterpartyInstrument:
		return Dims{Book: &parts[0], Counterparty: &parts[1], Instrument: &parts[2]}, nil
	case KeyBookInstrument:
		return Dims{Book: &parts[0], Instrument: &parts[1]}, nil
	case KeyCounterpartyInstrument:
		return Dims{Counterparty: &parts[0], Instrument: &parts[1]}, nil
	case KeyInstrument:
		return Dims{Instrument: &parts[0]}, nil
	default: // KeyBook
		return Dims{Book: &parts[0]}, nil
	}
}

// CanonicalKey is the BCI key every stored trade is tagged with, regardless of
// which configs it feeds.
func CanonicalKey(book, counterparty, instrument string) string {
	return KeyBookCounterpartyInstrument.Generate(book, counterparty, instrument)
}
