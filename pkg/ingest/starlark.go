package ingest

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// StarlarkTransform applies a user script to each ingested record. The
// script must define a function transform(record) receiving the record as
// a dict and returning the (possibly modified) dict, or None to drop the
// record.
type StarlarkTransform struct {
	fn      starlark.Callable
	timeout time.Duration
}

// NewStarlarkTransform compiles a transform script. The script executes
// once at compile time; its transform function is called per record.
func NewStarlarkTransform(script string, timeout time.Duration) (*StarlarkTransform, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	thread := &starlark.Thread{
		Name: "ipamctl-transform",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}

	globals, err := starlark.ExecFile(thread, "transform.star", script, predeclared())
	if err != nil {
		return nil, fmt.Errorf("transform script failed to compile: %w", err)
	}

	fn, ok := globals["transform"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("transform script must define a transform(record) function")
	}

	return &StarlarkTransform{
		fn:      fn,
		timeout: timeout,
	}, nil
}

// Apply runs the transform on one record. The second return value is
// false when the script dropped the record.
func (t *StarlarkTransform) Apply(ctx context.Context, record map[string]interface{}) (map[string]interface{}, bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type callResult struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		arg, err := toStarlarkValue(record)
		if err != nil {
			resultCh <- callResult{err: fmt.Errorf("failed to convert record: %w", err)}
			return
		}

		thread := &starlark.Thread{
			Name: "ipamctl-transform",
			Print: func(_ *starlark.Thread, msg string) {
			},
		}

		value, err := starlark.Call(thread, t.fn, starlark.Tuple{arg}, nil)
		resultCh <- callResult{value: value, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return nil, false, fmt.Errorf("transform timeout after %v", t.timeout)
	case res := <-resultCh:
		if res.err != nil {
			return nil, false, fmt.Errorf("transform failed: %w", res.err)
		}

		if _, isNone := res.value.(starlark.NoneType); isNone {
			return nil, false, nil
		}

		converted, err := fromStarlarkValue(res.value)
		if err != nil {
			return nil, false, fmt.Errorf("failed to convert transform result: %w", err)
		}

		out, ok := converted.(map[string]interface{})
		if !ok {
			return nil, false, fmt.Errorf("transform must return a dict or None, got %s", res.value.Type())
		}

		return out, true, nil
	}
}

// TransformRecords runs the transform over every record. The script sees
// a dict form of the record (id, type, action, path, parent, name,
// depends_on, fields) and may rewrite any of it; returning None drops the
// record.
func TransformRecords(ctx context.Context, t *StarlarkTransform, records []engine.Record) ([]engine.Record, error) {
	out := make([]engine.Record, 0, len(records))
	for i := range records {
		m, keep, err := t.Apply(ctx, recordToMap(&records[i]))
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", records[i].ID, err)
		}
		if !keep {
			continue
		}
		rec, err := recordFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", records[i].ID, err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

func recordToMap(rec *engine.Record) map[string]interface{} {
	fields := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	m := map[string]interface{}{
		"id":     rec.ID,
		"type":   rec.ResourceType,
		"action": string(rec.Action),
		"path":   rec.Path,
		"name":   rec.Name,
		"fields": fields,
	}
	if rec.ParentPath != "" {
		m["parent"] = rec.ParentPath
	}
	if len(rec.DependsOn) > 0 {
		deps := make([]interface{}, len(rec.DependsOn))
		for i, d := range rec.DependsOn {
			deps[i] = d
		}
		m["depends_on"] = deps
	}
	return m
}

func recordFromMap(m map[string]interface{}) (*engine.Record, error) {
	rec := &engine.Record{Fields: make(map[string]interface{})}

	var err error
	if rec.ID, err = stringKey(m, "id"); err != nil {
		return nil, err
	}
	if rec.ResourceType, err = stringKey(m, "type"); err != nil {
		return nil, err
	}
	if rec.Path, err = stringKey(m, "path"); err != nil {
		return nil, err
	}
	if rec.ID == "" || rec.ResourceType == "" || rec.Path == "" {
		return nil, fmt.Errorf("transformed record must keep id, type and path")
	}

	action, err := stringKey(m, "action")
	if err != nil {
		return nil, err
	}
	rec.Action = engine.RecordAction(action)
	if rec.Action == "" {
		rec.Action = engine.ActionUpsert
	}
	if err := rec.Action.Validate(); err != nil {
		return nil, err
	}

	if rec.ParentPath, err = stringKey(m, "parent"); err != nil {
		return nil, err
	}
	if rec.Name, err = stringKey(m, "name"); err != nil {
		return nil, err
	}

	if v, ok := m["fields"]; ok && v != nil {
		fields, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("fields must be a dict, got %T", v)
		}
		rec.Fields = fields
	}

	if v, ok := m["depends_on"]; ok && v != nil {
		deps, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("depends_on must be a list, got %T", v)
		}
		for _, d := range deps {
			s, ok := d.(string)
			if !ok {
				return nil, fmt.Errorf("depends_on entries must be strings, got %T", d)
			}
			rec.DependsOn = append(rec.DependsOn, s)
		}
	}

	return rec, nil
}

func stringKey(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// predeclared builds the sandboxed environment transform scripts run in.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// Built-in Starlark functions

// builtinRange implements the range() built-in function.
func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}

	return starlark.NewList(list), nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64 = 0

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		tuple := starlark.Tuple{starlark.MakeInt64(i), x}
		list = append(list, tuple)
		i++
	}

	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	// Get iterators for all arguments
	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	// Zip the iterables
	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				// One iterator is exhausted, stop
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
