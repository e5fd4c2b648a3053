package lua

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/tsuzuki-app/tsuzuki/internal/extension/hostfunc"
	"github.com/tsuzuki-app/tsuzuki/pkg/extractor"
)

// registerHostFunctions installs the tsuzuki table into a state. Lua
// extensions use the conventional (value, err) two-return style:
//
//	local resp, err = tsuzuki.http_request({ method = "GET", url = "..." })
//	tsuzuki.log(1, "fetched " .. resp.status)
func registerHostFunctions(L *lua.LState, ext string, http *hostfunc.HTTP, logs *hostfunc.LogSink) {
	mod := L.NewTable()
	L.SetField(mod, extractor.HostFuncHTTPRequest, L.NewFunction(httpRequestFn(ext, http)))
	L.SetField(mod, extractor.HostFuncLog, L.NewFunction(logFn(ext, logs)))
	L.SetGlobal(extractor.HostModule, mod)
}

// pushError pushes nil followed by an error string and returns 2.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

func httpRequestFn(ext string, http *hostfunc.HTTP) lua.LGFunction {
	return func(L *lua.LState) int {
		t := L.CheckTable(1)

		req := extractor.HTTPRequest{
			Method: lua.LVAsString(t.RawGetString("method")),
			URL:    lua.LVAsString(t.RawGetString("url")),
		}
		if body := t.RawGetString("body"); body.Type() == lua.LTString {
			req.Body = []byte(lua.LVAsString(body))
		}
		if headers, ok := t.RawGetString("headers").(*lua.LTable); ok {
			req.Headers = map[string]string{}
			headers.ForEach(func(k, v lua.LValue) {
				req.Headers[lua.LVAsString(k)] = lua.LVAsString(v)
			})
		}

		ctx := L.Context()
		if ctx == nil {
			return pushError(L, "no call context")
		}

		res := http.Do(ctx, ext, req)
		if res.Err != nil {
			return pushError(L, string(res.Err.Code)+": "+res.Err.Message)
		}

		var resp extractor.HTTPResponse
		if err := json.Unmarshal(res.OK, &resp); err != nil {
			return pushError(L, "decode response: "+err.Error())
		}

		out := L.NewTable()
		L.SetField(out, "status", lua.LNumber(resp.Status))
		L.SetField(out, "body", lua.LString(resp.Body))
		headers := L.NewTable()
		for k, v := range resp.Headers {
			L.SetField(headers, k, lua.LString(v))
		}
		L.SetField(out, "headers", headers)
		return pushSuccess(L, out)
	}
}

func logFn(ext string, logs *hostfunc.LogSink) lua.LGFunction {
	return func(L *lua.LState) int {
		level := uint32(L.CheckNumber(1)) //nolint:gosec // levels beyond the known range map to info
		message := L.CheckString(2)

		ctx := L.Context()
		if ctx == nil {
			return 0
		}
		logs.Log(ctx, ext, level, message)
		return 0
	}
}
