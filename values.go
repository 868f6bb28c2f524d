package callcache

import (
	"fmt"
	"math"
	"strconv"
)

// encodeValue renders a StoredValue the way the backing store keeps it:
// bytes as-is, strings as UTF-8, numbers in their decimal text form.
// Unsigned values above math.MaxInt64 are rejected since DecodeInt could
// not read them back.
func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return cloneBytes(v), nil
	case string:
		return []byte(v), nil
	case int:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int8:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int16:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int32:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case uint:
		return encodeUint(uint64(v), value)
	case uint8:
		return []byte(strconv.FormatUint(uint64(v), 10)), nil
	case uint16:
		return []byte(strconv.FormatUint(uint64(v), 10)), nil
	case uint32:
		return []byte(strconv.FormatUint(uint64(v), 10)), nil
	case uint64:
		return encodeUint(v, value)
	case float32:
		return []byte(strconv.FormatFloat(float64(v), 'f', -1, 32)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

func encodeUint(v uint64, value any) ([]byte, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %T %d overflows int64", ErrUnsupportedValue, value, v)
	}
	return []byte(strconv.FormatUint(v, 10)), nil
}

// DecodeString decodes stored bytes as UTF-8 text.
func DecodeString(body []byte) (string, error) {
	return string(body), nil
}

// DecodeInt decodes stored bytes as a base-10 integer.
func DecodeInt(body []byte) (int64, error) {
	n, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNumeric, body)
	}
	return n, nil
}

// DecodeFloat decodes stored bytes as a floating-point number.
func DecodeFloat(body []byte) (float64, error) {
	f, err := strconv.ParseFloat(string(body), 64)
	if err != nil {
		return 0, fmt.Errorf("decode float %q: %w", body, err)
	}
	return f, nil
}
