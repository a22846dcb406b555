package position

import "fmt"

// DateBasis selects which of the two per-position views a snapshot belongs to.
type DateBasis string

const (
	TradeDateBasis      DateBasis = "TRADE_DATE"
	SettlementDateBasis DateBasis = "SETTLEMENT_DATE"
)

// AllBases lists both date bases in a fixed order.
var AllBases = []DateBasis{TradeDateBasis, SettlementDateBasis}

func ParseDateBasis(s string) (DateBasis, error) {
	switch DateBasis(s) {
	case TradeDateBasis, SettlementDateBasis:
		return DateBasis(s), nil
	}
	return "", fmt.Errorf("unknown date basis %q", s)
}

// ChangeReason records why a snapshot was (re)calculated.
type ChangeReason string

const (
	ReasonInitial    ChangeReason = "INITIAL"
	ReasonLateTrade  ChangeReason = "LATE_TRADE"
	ReasonCorrection ChangeReason = "CORRECTION"
)

func ParseChangeReason(s string) (ChangeReason, error) {
	switch ChangeReason(s) {
	case ReasonInitial, ReasonLateTrade, ReasonCorrection:
		return ChangeReason(s), nil
	}
	return "", fmt.Errorf("unknown change reason %q", s)
}

// CalcMethod records which strategy produced a snapshot.
type CalcMethod string

const (
	MethodFullRecalc  CalcMethod = "FULL_RECALC"
	MethodIncremental CalcMethod = "INCREMENTAL"
)

func ParseCalcMethod(s string) (CalcMethod, error) {
	switch CalcMethod(s) {
	case MethodFullRecalc, MethodIncremental:
		return CalcMethod(s), nil
	}
	return "", fmt.Errorf("unknown calculation method %q", s)
}

// ConfigType classifies a position config.
type ConfigType string

const (
	ConfigOfficial ConfigType = "OFFICIAL"
	ConfigUser     ConfigType = "USER"
	ConfigDesk     ConfigType = "DESK"
)

func ParseConfigType(s string) (ConfigType, error) {
	switch ConfigType(s) {
	case ConfigOfficial, ConfigUser, ConfigDesk:
		return ConfigType(s), nil
	}
	return "", fmt.Errorf("unknown config type %q", s)
}

// PriceMethod names an average-price algorithm. Only WAC is implemented;
// the plumbing is method-keyed so further methods slot in without schema changes.
type PriceMethod string

const PriceWAC PriceMethod = "WAC"

func ParsePriceMethod(s string) (PriceMethod, error) {
	if PriceMethod(s) == PriceWAC {
		return PriceWAC, nil
	}
	return "", fmt.Errorf("unknown price method %q", s)
}

// ScopeField names a trade attribute a config scope can constrain.
type ScopeField string

const (
	FieldBook         ScopeField = "BOOK"
	FieldCounterparty ScopeField = "COUNTERPARTY"
	FieldInstrument   ScopeField = "INSTRUMENT"
	FieldSource       ScopeField = "SOURCE"
)

func ParseScopeField(s string) (ScopeField, error) {
	switch ScopeField(s) {
	case FieldBook, FieldCounterparty, FieldInstrument, FieldSource:
		return ScopeField(s), nil
	}
	return "", fmt.Errorf("unknown scope field %q", s)
}

// Extract returns the trade attribute this field constrains.
func (f ScopeField) Extract(t Trade) string {
	switch f {
	case FieldBook:
		return t.Book
	case FieldCounterparty:
		return t.Counterparty
	case FieldInstrument:
		return t.Instrument
	case FieldSource:
		return t.Source
	}
	return ""
}
