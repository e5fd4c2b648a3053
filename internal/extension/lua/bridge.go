package lua

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// maxBridgeDepth bounds value conversion so self-referencing tables cannot
// recurse forever.
const maxBridgeDepth = 32

// decodeRequest turns a JSON request payload into a Lua table for the
// operation call.
func decodeRequest(L *lua.LState, raw []byte) (lua.LValue, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return lua.LNil, fmt.Errorf("decode request: %w", err)
	}
	return toLValue(L, v), nil
}

// encodeResponse turns the operation's return value back into JSON bytes.
func encodeResponse(v lua.LValue) ([]byte, error) {
	goVal, err := fromLValue(v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(goVal)
}

// toLValue maps the value set json.Unmarshal produces onto Lua values.
func toLValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, toLValue(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, toLValue(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLValue maps a Lua value onto JSON-encodable Go values. Tables whose
// keys are the consecutive integers 1..n encode as arrays; an empty table
// encodes as an empty array, so extensions omit empty maps instead of
// passing empty tables.
func fromLValue(v lua.LValue, depth int) (any, error) {
	if depth > maxBridgeDepth {
		return nil, fmt.Errorf("value nests deeper than %d levels", maxBridgeDepth)
	}

	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return fromLTable(val, depth)
	default:
		return nil, fmt.Errorf("value of type %s cannot cross the bridge", v.Type())
	}
}

func fromLTable(t *lua.LTable, depth int) (any, error) {
	n := t.Len()
	entries := 0
	isArray := true

	var convErr error
	arr := make([]any, 0, n)
	obj := map[string]any{}

	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		entries++

		if isArray {
			if num, ok := k.(lua.LNumber); ok && float64(num) == float64(entries) && entries <= n {
				item, err := fromLValue(v, depth+1)
				if err != nil {
					convErr = err
					return
				}
				arr = append(arr, item)
				return
			}
			// Not a dense 1..n table after all; fall back to object keys.
			isArray = false
			for i, item := range arr {
				obj[fmt.Sprintf("%d", i+1)] = item
			}
		}

		key := ""
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = kv.String()
		default:
			convErr = fmt.Errorf("table key of type %s cannot cross the bridge", k.Type())
			return
		}
		item, err := fromLValue(v, depth+1)
		if err != nil {
			convErr = err
			return
		}
		obj[key] = item
	})
	if convErr != nil {
		return nil, convErr
	}

	if isArray && entries == n {
		return arr, nil
	}
	if isArray {
		// Dense prefix but trailing entries outside the array part.
		for i, item := range arr {
			obj[fmt.Sprintf("%d", i+1)] = item
		}
	}
	return obj, nil
}
