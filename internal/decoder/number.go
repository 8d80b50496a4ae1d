package decoder

import (
	"strings"

	"github.com/shopspring/decimal"
)

type NumberFormat string

const (
	FormatNum     NumberFormat = "num"
	FormatPercent NumberFormat = "percent"
	FormatUSD     NumberFormat = "usd"
	FormatEUR     NumberFormat = "eur"
	FormatGBP     NumberFormat = "gbp"
	FormatJPY     NumberFormat = "jpy"
	FormatCNY     NumberFormat = "cny"
)

type currency struct {
	symbol string
	places int32
}

var currencies = map[NumberFormat]currency{
	FormatUSD: {symbol: "$", places: 2},
	FormatEUR: {symbol: "€", places: 2},
	FormatGBP: {symbol: "£", places: 2},
	FormatJPY: {symbol: "¥", places: 0},
	FormatCNY: {symbol: "CN¥", places: 2},
}

// numberFormats is indexed by the integer form stored by older clients.
var numberFormats = []NumberFormat{FormatNum, FormatUSD, FormatEUR, FormatGBP, FormatJPY, FormatCNY, FormatPercent}

// ParseNumberFormat accepts a format name or its integer index. Unknown
// values fall back to FormatNum.
func ParseNumberFormat(v any) NumberFormat {
	switch f := v.(type) {
	case string:
		nf := NumberFormat(strings.ToLower(f))
		if nf == FormatNum || nf == FormatPercent {
			return nf
		}
		if _, ok := currencies[nf]; ok {
			return nf
		}
	case int64:
		if f >= 0 && int(f) < len(numberFormats) {
			return numberFormats[f]
		}
	case float64:
		return ParseNumberFormat(int64(f))
	}
	return FormatNum
}

// Places returns the fixed number of decimal places the format renders, or
// -1 when the value is rendered exactly.
func (f NumberFormat) Places() int32 {
	if c, ok := currencies[f]; ok {
		return c.places
	}
	return -1
}

// EncodeNumber renders v in format f. Currency formats round to the
// currency's minor unit.
func EncodeNumber(f NumberFormat, v decimal.Decimal) string {
	switch f {
	case FormatPercent:
		return v.String() + "%"
	case FormatNum, "":
		return v.String()
	}
	c, ok := currencies[f]
	if !ok {
		return v.String()
	}
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Neg()
	}
	s := v.StringFixed(c.places)
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	return sign + c.symbol + groupThousands(intPart) + frac
}

var numberNoise = strings.NewReplacer("CN¥", "", "¥", "", "$", "", "€", "", "£", "", "%", "", ",", "", " ", "")

// DecodeNumber parses s as rendered by EncodeNumber, or as a plain decimal.
// The format only matters for rendering; any known symbol is accepted.
func DecodeNumber(f NumberFormat, s string) (decimal.Decimal, bool) {
	clean := numberNoise.Replace(strings.TrimSpace(s))
	if clean == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
