package copytable

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// TypeMapper converts fetched source values into MySQL-bindable values by
// column family. NULLs pass through untouched on every path.
type TypeMapper struct {
	ForceUTF8 bool

	mu        sync.Mutex
	encodings map[string]encoding.Encoding
}

func NewTypeMapper(forceUTF8 bool) *TypeMapper {
	return &TypeMapper{
		ForceUTF8: forceUTF8,
		encodings: make(map[string]encoding.Encoding),
	}
}

// BindValue maps one fetched value to its target bind representation.
// Values already shaped by the adapters (int64, uint64, float64, []byte,
// string, time.Time) are normalised per the column family; anything that
// cannot fit its slot fails with RangeError.
func (m *TypeMapper) BindValue(col ColumnInfo, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if h, ok := value.(*LobHandle); ok {
		// Chunk-streamed values bypass conversion; the target re-assembles.
		return h, nil
	}
	switch col.Family {
	case FamilySignedInteger:
		return m.bindSigned(col, value)
	case FamilyUnsignedInteger:
		return m.bindUnsigned(col, value)
	case FamilyDecimal:
		return m.bindDecimal(col, value)
	case FamilyFloat:
		return m.bindFloat(col, value)
	case FamilyDate, FamilyTimestamp:
		return m.bindTemporal(col, value)
	case FamilyTime:
		return m.bindTimeOfDay(col, value)
	case FamilyBytes:
		return toBytes(value), nil
	case FamilyChars:
		return m.bindChars(col, value)
	}
	return nil, TaskErrorf(DriverError, "unknown column family for %s", col.Name)
}

func (m *TypeMapper) bindSigned(col ColumnInfo, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, TaskErrorf(RangeError, "value %d of column %s overflows a signed slot", v, col.Name)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || v >= 1<<63 || v < math.MinInt64 {
			return nil, TaskErrorf(RangeError, "value %v of column %s is not a representable integer", v, col.Name)
		}
		return int64(v), nil
	case []byte:
		return parseSigned(string(v), col)
	case string:
		return parseSigned(v, col)
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, TaskErrorf(RangeError, "cannot bind %T into integer column %s", value, col.Name)
}

func parseSigned(s string, col ColumnInfo) (interface{}, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, TaskErrorf(RangeError, "value %q of column %s does not fit a signed slot", s, col.Name)
	}
	return n, nil
}

func (m *TypeMapper) bindUnsigned(col ColumnInfo, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return nil, TaskErrorf(RangeError, "negative value %d of column %s in unsigned slot", v, col.Name)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return nil, TaskErrorf(RangeError, "negative value %d of column %s in unsigned slot", v, col.Name)
		}
		return uint64(v), nil
	case []byte:
		return parseUnsigned(string(v), col)
	case string:
		return parseUnsigned(v, col)
	}
	return nil, TaskErrorf(RangeError, "cannot bind %T into unsigned column %s", value, col.Name)
}

func parseUnsigned(s string, col ColumnInfo) (interface{}, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, TaskErrorf(RangeError, "value %q of column %s does not fit an unsigned slot", s, col.Name)
	}
	return n, nil
}

// bindDecimal keeps exact decimals as canonical strings end to end; floats
// never participate.
func (m *TypeMapper) bindDecimal(col ColumnInfo, value interface{}) (interface{}, error) {
	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		return decimal.NewFromInt(v).String(), nil
	case decimal.Decimal:
		return v.String(), nil
	default:
		return nil, TaskErrorf(RangeError, "cannot bind %T into decimal column %s", value, col.Name)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, TaskErrorf(RangeError, "value %q of column %s is not a decimal", s, col.Name)
	}
	return d.String(), nil
}

func (m *TypeMapper) bindFloat(col ColumnInfo, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case []byte:
		return parseFloat(string(v), col)
	case string:
		return parseFloat(v, col)
	case int64:
		return float64(v), nil
	}
	return nil, TaskErrorf(RangeError, "cannot bind %T into float column %s", value, col.Name)
}

func parseFloat(s string, col ColumnInfo) (interface{}, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, TaskErrorf(RangeError, "value %q of column %s is not a float", s, col.Name)
	}
	return f, nil
}

var temporalLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z07:00",
	"2006-01-02",
}

// bindTemporal produces time.Time so the binary protocol sends broken-down
// components instead of formatted strings.
func (m *TypeMapper) bindTemporal(col ColumnInfo, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return parseTemporal(string(v), col)
	case string:
		return parseTemporal(v, col)
	}
	return nil, TaskErrorf(RangeError, "cannot bind %T into temporal column %s", value, col.Name)
}

func parseTemporal(s string, col ColumnInfo) (interface{}, error) {
	s = strings.TrimSpace(s)
	// Zero dates survive the trip as-is.
	if strings.HasPrefix(s, "0000-00-00") {
		return s, nil
	}
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, TaskErrorf(RangeError, "value %q of column %s is not a date or timestamp", s, col.Name)
}

// bindTimeOfDay canonicalises TIME values. MySQL TIME reaches -838:59:59 to
// 838:59:59 which no clock type represents, so it transits as the server's
// literal form.
func (m *TypeMapper) bindTimeOfDay(col ColumnInfo, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format("15:04:05.999999"), nil
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	}
	return nil, TaskErrorf(RangeError, "cannot bind %T into time column %s", value, col.Name)
}

// bindChars delivers UTF-8: either validated passthrough under force-utf8 or
// per-column transcoding from the declared charset.
func (m *TypeMapper) bindChars(col ColumnInfo, value interface{}) (interface{}, error) {
	raw := toBytes(value)
	if raw == nil {
		return nil, TaskErrorf(RangeError, "cannot bind %T into character column %s", value, col.Name)
	}
	if m.ForceUTF8 {
		if !utf8.Valid(raw) {
			return nil, TaskErrorf(EncodingError, "value of column %s is not valid UTF-8", col.Name)
		}
		return raw, nil
	}
	charset := normalizeCharset(col.Charset)
	if charset == "" || charset == "utf8" || charset == "ascii" || charset == "binary" {
		if !utf8.Valid(raw) {
			return nil, TaskErrorf(EncodingError, "value of column %s is not valid %s", col.Name, charsetOrUTF8(charset))
		}
		return raw, nil
	}
	enc, err := m.encodingFor(charset)
	if err != nil {
		return nil, err
	}
	// Decoders carry transform state, so each conversion gets a fresh one.
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, TaskErrorf(EncodingError, "value of column %s is invalid under charset %s", col.Name, col.Charset)
	}
	return out, nil
}

func charsetOrUTF8(charset string) string {
	if charset == "" {
		return "UTF-8"
	}
	return charset
}

func (m *TypeMapper) encodingFor(charset string) (encoding.Encoding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enc, ok := m.encodings[charset]; ok {
		return enc, nil
	}
	enc, err := lookupEncoding(charset)
	if err != nil {
		return nil, err
	}
	m.encodings[charset] = enc
	return enc, nil
}

// mysqlCharsets maps MySQL charset names that IANA does not know under the
// same spelling.
var mysqlCharsets = map[string]encoding.Encoding{
	"latin1":  charmap.Windows1252,
	"latin2":  charmap.ISO8859_2,
	"cp1250":  charmap.Windows1250,
	"cp1251":  charmap.Windows1251,
	"cp1256":  charmap.Windows1256,
	"cp1257":  charmap.Windows1257,
	"greek":   charmap.ISO8859_7,
	"hebrew":  charmap.ISO8859_8,
	"koi8r":   charmap.KOI8R,
	"koi8u":   charmap.KOI8U,
	"ucs2":    unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf16":   unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf16le": unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
}

func lookupEncoding(charset string) (encoding.Encoding, error) {
	if enc, ok := mysqlCharsets[charset]; ok {
		return enc, nil
	}
	enc, err := ianaindex.MIB.Encoding(charset)
	if err != nil || enc == nil {
		enc, err = ianaindex.IANA.Encoding(charset)
	}
	if err != nil || enc == nil {
		return nil, TaskErrorf(EncodingError, "unsupported source charset %q", charset)
	}
	return enc, nil
}

// normalizeCharset lowercases a charset name and folds the utf8 flavours
// into "utf8", the names the decoder table keys on. Collation names are not
// reduced to their charset.
func normalizeCharset(charset string) string {
	c := strings.ToLower(strings.TrimSpace(charset))
	switch c {
	case "utf8", "utf8mb3", "utf8mb4", "utf-8":
		return "utf8"
	}
	return c
}

func toBytes(value interface{}) []byte {
	switch v := value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}
