package allocator

// PayloadKind describes what an allocation will hold, so that kinds which may not share a
// granularity page on the device are kept apart
type PayloadKind uint32

const (
	// PayloadUnknown is used when the caller cannot say what the allocation will hold. It is
	// kept apart from every other kind.
	PayloadUnknown PayloadKind = iota
	// PayloadLinear is a resource laid out linearly in memory, such as a buffer
	PayloadLinear
	// PayloadTiled is a resource with a device-specific tiled layout
	PayloadTiled
)

var payloadKindMapping = map[PayloadKind]string{
	PayloadUnknown: "PayloadUnknown",
	PayloadLinear:  "PayloadLinear",
	PayloadTiled:   "PayloadTiled",
}

func (k PayloadKind) String() string {
	str, ok := payloadKindMapping[k]
	if !ok {
		return "unknown PayloadKind"
	}

	return str
}

func (k PayloadKind) suballocationType() suballocationType {
	return suballocationType(k + 1)
}

// suballocationType is the value stored with each region in the block metadata. 0 is reserved
// for free space.
type suballocationType uint32

const (
	suballocationFree suballocationType = iota
	suballocationUnknown
	suballocationLinear
	suballocationTiled
)

var suballocationTypeMapping = map[suballocationType]string{
	suballocationFree:    "SuballocationFree",
	suballocationUnknown: "SuballocationUnknown",
	suballocationLinear:  "SuballocationLinear",
	suballocationTiled:   "SuballocationTiled",
}

func (s suballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}
