package callcache

import (
	"context"
	"fmt"
	"io"

	"github.com/apex/log"
)

// History is the recorded call log of one instrumented operation.
type History struct {
	Name    string
	Calls   int64
	Inputs  []string
	Outputs []string
}

// Lines renders one "name(args) -> result" line per recorded call. Only
// positions present in both the inputs and outputs logs are rendered.
// @group Replay
func (h History) Lines() []string {
	n := len(h.Inputs)
	if len(h.Outputs) < n {
		n = len(h.Outputs)
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, fmt.Sprintf("%s(%s) -> %s", h.Name, h.Inputs[i], h.Outputs[i]))
	}
	return lines
}

// ReadHistory loads the counter and both history logs for name.
// @group Replay
func ReadHistory(ctx context.Context, store Store, name string) (History, error) {
	calls, err := readCounter(ctx, store, name)
	if err != nil {
		return History{}, err
	}
	inputsKey, outputsKey := historyKeys(name)
	inputs, err := store.Range(ctx, inputsKey, 0, -1)
	if err != nil {
		return History{}, fmt.Errorf("read inputs of %s: %w", name, err)
	}
	outputs, err := store.Range(ctx, outputsKey, 0, -1)
	if err != nil {
		return History{}, fmt.Errorf("read outputs of %s: %w", name, err)
	}
	return History{
		Name:    name,
		Calls:   calls,
		Inputs:  toStrings(inputs),
		Outputs: toStrings(outputs),
	}, nil
}

// Replay writes the recorded calls of name to w, one per line, and returns
// the number of lines written. The summary goes to the default apex logger;
// a Cache built WithLogger uses its own.
// @group Replay
func Replay(ctx context.Context, store Store, w io.Writer, name string) (int, error) {
	return replay(ctx, store, w, name, log.Log)
}

func replay(ctx context.Context, store Store, w io.Writer, name string, logger log.Interface) (int, error) {
	history, err := ReadHistory(ctx, store, name)
	if err != nil {
		return 0, err
	}
	logger.WithFields(log.Fields{
		"op":      name,
		"calls":   history.Calls,
		"inputs":  len(history.Inputs),
		"outputs": len(history.Outputs),
	}).Infof("%s was called %d times", name, history.Calls)

	lines := history.Lines()
	for i, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return i, err
		}
	}
	return len(lines), nil
}

func readCounter(ctx context.Context, store Store, name string) (int64, error) {
	body, ok, err := store.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("read call count of %s: %w", name, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := DecodeInt(body)
	if err != nil {
		return 0, fmt.Errorf("read call count of %s: %w", name, err)
	}
	return n, nil
}

func toStrings(values [][]byte) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}
