package action

// attachmentTree is the mutable, string-keyed attachment bag of an
// InvocationContext (spec §3/§4.D). Deep-merge is defined only for
// record-vs-record (map[string]any vs map[string]any); arrays and scalars
// always replace, never merge (§9: "Deep-merge is defined only on
// record-vs-record; all else replaces").
type attachmentTree map[string]any

func newAttachmentTree() attachmentTree {
	return make(attachmentTree)
}

// attach deep-merges value into key, following §4.D's attach(key, value)
// contract.
func (t attachmentTree) attach(key string, value any) {
	existing, ok := t[key]
	if !ok {
		t[key] = deepMerge(nil, value)
		return
	}
	t[key] = deepMerge(existing, value)
}

// attachRecord deep-merges a whole record at the attachment tree's root,
// following §4.D's attach(record) contract.
func (t attachmentTree) attachRecord(record map[string]any) {
	for k, v := range record {
		t.attach(k, v)
	}
}

// snapshot returns a structurally independent deep copy, safe to hand to a
// wide event or a child's immutable parent snapshot without the source
// being able to mutate it afterward (spec §9: "children never reach back
// into parent mutable state").
func (t attachmentTree) snapshot() map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = deepCopy(v)
	}
	return out
}

// deepMerge merges src into dst. When both dst and src are records
// (map[string]any), the merge recurses key by key; any other combination
// replaces dst with a deep copy of src.
func deepMerge(dst, src any) any {
	dstMap, dstIsMap := dst.(map[string]any)
	srcMap, srcIsMap := src.(map[string]any)

	if dstIsMap && srcIsMap {
		merged := make(map[string]any, len(dstMap)+len(srcMap))
		for k, v := range dstMap {
			merged[k] = deepCopy(v)
		}
		for k, v := range srcMap {
			if existing, ok := merged[k]; ok {
				merged[k] = deepMerge(existing, v)
			} else {
				merged[k] = deepCopy(v)
			}
		}
		return merged
	}

	return deepCopy(src)
}

// deepCopy produces a structurally independent copy of v so attachment
// snapshots can never be mutated through a reference the caller kept.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

// byteSize estimates the serialized size of the attachment tree for the
// context warning threshold (§4.D). This is a cheap structural estimate,
// not an actual JSON encode, since the threshold only needs to trip a
// single warning, not report an exact byte count.
func byteSize(v any) int {
	switch val := v.(type) {
	case nil:
		return 4
	case string:
		return len(val) + 2
	case map[string]any:
		n := 2
		for k, vv := range val {
			n += len(k) + 3 + byteSize(vv)
		}
		return n
	case []any:
		n := 2
		for _, vv := range val {
			n += byteSize(vv) + 1
		}
		return n
	default:
		return 8
	}
}
