package action

import "testing"

func TestAttachmentTree_ScalarOverwrite(t *testing.T) {
	tr := newAttachmentTree()
	tr.attach("k", 1)
	tr.attach("k", 2)
	assertEqual(t, tr["k"], 2)
}

func TestAttachmentTree_DeepMergeRecords(t *testing.T) {
	// Spec §8 invariant 10: attach(k,{a:1}); attach(k,{b:2}) => {a:1,b:2}.
	tr := newAttachmentTree()
	tr.attach("k", map[string]any{"a": 1})
	tr.attach("k", map[string]any{"b": 2})

	got := tr["k"].(map[string]any)
	assertEqual(t, got["a"], 1)
	assertEqual(t, got["b"], 2)
}

func TestAttachmentTree_DeepMergeNested(t *testing.T) {
	// attach(k,{a:{x:1}}); attach(k,{a:{y:2}}) => {a:{x:1,y:2}}.
	tr := newAttachmentTree()
	tr.attach("k", map[string]any{"a": map[string]any{"x": 1}})
	tr.attach("k", map[string]any{"a": map[string]any{"y": 2}})

	a := tr["k"].(map[string]any)["a"].(map[string]any)
	assertEqual(t, a["x"], 1)
	assertEqual(t, a["y"], 2)
}

func TestAttachmentTree_ArraysReplaceNotMerge(t *testing.T) {
	tr := newAttachmentTree()
	tr.attach("k", []any{1, 2, 3})
	tr.attach("k", []any{4})

	got := tr["k"].([]any)
	assertEqual(t, len(got), 1)
	assertEqual(t, got[0], 4)
}

func TestAttachmentTree_AttachRecordMergesAtRoot(t *testing.T) {
	tr := newAttachmentTree()
	tr.attachRecord(map[string]any{"a": map[string]any{"x": 1}})
	tr.attachRecord(map[string]any{"a": map[string]any{"y": 2}, "b": 3})

	a := tr["a"].(map[string]any)
	assertEqual(t, a["x"], 1)
	assertEqual(t, a["y"], 2)
	assertEqual(t, tr["b"], 3)
}

func TestAttachmentTree_SnapshotIsIndependentCopy(t *testing.T) {
	tr := newAttachmentTree()
	tr.attach("k", map[string]any{"a": 1})

	snap := tr.snapshot()
	snapInner := snap["k"].(map[string]any)
	snapInner["a"] = 999

	original := tr["k"].(map[string]any)
	assertEqual(t, original["a"], 1)
}

func TestAttachmentTree_RecordVsScalarReplaces(t *testing.T) {
	tr := newAttachmentTree()
	tr.attach("k", map[string]any{"a": 1})
	tr.attach("k", "now a string")
	assertEqual(t, tr["k"], "now a string")
}
