package callcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Call is an operation that can be wrapped with instrumentation.
// Arguments are kept untyped so their text form can be recorded.
type Call[R any] func(ctx context.Context, args ...any) (R, error)

// CountCalls wraps next so every invocation increments the counter stored
// under name before next runs. A failed increment aborts the call.
// @group Instrumentation
func CountCalls[R any](store Store, name string, next Call[R]) Call[R] {
	return func(ctx context.Context, args ...any) (R, error) {
		if _, err := store.Increment(ctx, name, 1); err != nil {
			var zero R
			return zero, fmt.Errorf("count calls to %s: %w", name, err)
		}
		return next(ctx, args...)
	}
}

// CallHistory wraps next so its arguments are appended to "<name>:inputs"
// before the call and its result to "<name>:outputs" after it. When next
// fails no output is recorded.
// @group Instrumentation
func CallHistory[R any](store Store, name string, next Call[R]) Call[R] {
	inputsKey, outputsKey := historyKeys(name)
	return func(ctx context.Context, args ...any) (R, error) {
		var zero R
		if _, err := store.Append(ctx, inputsKey, []byte(FormatArgs(args...))); err != nil {
			return zero, fmt.Errorf("record inputs of %s: %w", name, err)
		}
		out, err := next(ctx, args...)
		if err != nil {
			return zero, err
		}
		if _, err := store.Append(ctx, outputsKey, []byte(formatResult(out))); err != nil {
			return zero, fmt.Errorf("record output of %s: %w", name, err)
		}
		return out, nil
	}
}

// Instrument applies both CountCalls and CallHistory to next under name.
// @group Instrumentation
func Instrument[R any](store Store, name string, next Call[R]) Call[R] {
	return CallHistory(store, name, CountCalls(store, name, next))
}

func historyKeys(name string) (string, string) {
	return name + ":inputs", name + ":outputs"
}

// FormatArgs renders an argument list in tuple notation: "()", "('a',)",
// "(1, 'a')". Strings are single-quoted and byte slices are prefixed with b.
// @group Instrumentation
func FormatArgs(args ...any) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatArg(arg))
	}
	if len(args) == 1 {
		b.WriteByte(',')
	}
	b.WriteByte(')')
	return b.String()
}

func formatArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "nil"
	case string:
		return quoteText(v)
	case []byte:
		return "b" + quoteText(string(v))
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return quoteText(v.String())
	default:
		return fmt.Sprint(v)
	}
}

func quoteText(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch {
		case r == '\'' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func formatResult(out any) string {
	switch v := out.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
