// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package extractor defines the wire contract between the Tsuzuki host and
// extractor extensions.
//
// An extractor implements five operations against one media source. The host
// invokes them by name, passes a UTF-8 JSON request payload, and expects a
// UTF-8 JSON response. Under the current contract (major version 2) every
// fallible response is wrapped in a Result envelope; see the Result type.
//
// WASM extensions export one function per operation, plus the allocator and
// handshake exports listed below. Each operation export has the signature
//
//	op(req_ptr uint32, req_len uint32) -> uint64
//
// where the return value packs the response location as (ptr << 32) | len in
// guest memory. The host frees the response by calling ExportFree.
//
// Lua extensions define one global function per operation taking and
// returning decoded values with the same shapes, plus a CONTRACT_VERSION
// global holding the contract version string.
//
// The only host capabilities an extension may import are the outbound HTTP
// primitive and the logging sink, exposed under the HostModule namespace.
// There is no filesystem, no clock, and no process surface.
package extractor

// Operation names. WASM guests export these symbols; Lua guests define
// globals with the same names.
const (
	OpFilters    = "filters"
	OpSearch     = "search"
	OpSeriesInfo = "get_series_info"
	OpEpisodes   = "get_series_episodes"
	OpVideos     = "get_series_videos"
)

// Ops lists every contract operation in declaration order.
var Ops = []string{OpFilters, OpSearch, OpSeriesInfo, OpEpisodes, OpVideos}

// WASM ABI exports every guest must provide in addition to the operations.
const (
	// ExportContractVersion returns the packed location of the contract
	// version string, e.g. "2.0.0". Called once during the load handshake.
	ExportContractVersion = "contract_version"
	// ExportAlloc allocates guest memory for host-written request payloads.
	ExportAlloc = "alloc"
	// ExportFree releases guest memory previously returned to the host.
	ExportFree = "free"
)

// LuaContractVersionGlobal is the Lua global read during the load handshake.
const LuaContractVersionGlobal = "CONTRACT_VERSION"

// HostModule is the import namespace for host capabilities. In Lua the same
// names appear as fields of a global table with this name.
const (
	HostModule = "tsuzuki"

	// HostFuncHTTPRequest performs one outbound HTTP request. The request
	// payload is an HTTPRequest; the response is a Result envelope whose ok
	// branch holds an HTTPResponse. Requests to hosts not covered by the
	// extension's net grants fail with ErrorCodeDenied. In WASM the
	// signature is http_request(req_ptr, req_len uint32) -> uint64 packing
	// the response location; a zero return means the host could not deliver
	// a response at all.
	HostFuncHTTPRequest = "http_request"

	// HostFuncLog writes one message to the host log, attributed to the
	// extension. In WASM the signature is
	// log(level uint32, msg_ptr, msg_len uint32); in Lua the field takes
	// (level, message).
	HostFuncLog = "log"
)

// Log levels accepted by the logging sink.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// CapabilityNetPrefix is the grant namespace for outbound network access.
// A grant is the prefix followed by a host pattern, matched per request with
// '.' as the segment separator: "net.api.example.com" allows exactly that
// host, "net.*.example.com" allows direct subdomains, "net.**" allows any
// host.
const CapabilityNetPrefix = "net."

// Contract generations understood by the host. Major version 1 is the legacy
// generation (tuple filters, bare returns, single-page episode listing);
// major version 2 is the current one described in this package. Any other
// major is rejected at load time.
const (
	ContractMajorLegacy  uint64 = 1
	ContractMajorCurrent uint64 = 2

	// ContractCurrent is the version string new extensions should declare.
	ContractCurrent = "2.0.0"
)
