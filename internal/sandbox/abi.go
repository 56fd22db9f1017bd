package sandbox

// Guest exports the runtime requires: a linear memory, an allocator pair,
// and one function per operation. Operation functions take (ptr, len) of a
// guest-allocated UTF-8 JSON buffer and return a packed (ptr, len) pair for
// the response, also guest-allocated. The host never writes to memory the
// guest's own allocator has not reserved.
const (
	guestAlloc = "alloc"
	guestFree  = "free"
)

// Host functions exported to guests under the HostModule namespace.
const (
	HostModule = "modulaur"

	FnHTTPGet         = "http_get"
	FnHTTPRequest     = "http_request"
	FnRecordUpsert    = "record_upsert"
	FnRecordGetByType = "record_get_by_type"
	FnRecordUpdate    = "record_update"
	FnRecordDelete    = "record_delete"
	FnDataSet         = "data_set"
	FnDataGet         = "data_get"
	FnDataDelete      = "data_delete"
	FnDataList        = "data_list"
)

// packPtrLen packs a guest pointer and byte length into the single u64 the
// ABI uses for returns: pointer in the high 32 bits, length in the low.
func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// unpackPtrLen splits a packed u64 back into pointer and length.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
