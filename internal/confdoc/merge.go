package confdoc

// Merge returns doc with fragment recursively merged into it. Where both sides
// hold a mapping under the same key the mappings are merged; any other value in
// fragment, lists included, replaces what doc had. Neither input is modified.
func Merge(doc, fragment Value) Value {
	if doc.kind != KindMap || fragment.kind != KindMap {
		return fragment.Clone()
	}
	out := doc.Clone()
	for key, incoming := range fragment.m {
		existing, ok := out.m[key]
		if ok && existing.kind == KindMap && incoming.kind == KindMap {
			out.m[key] = Merge(existing, incoming)
			continue
		}
		out.m[key] = incoming.Clone()
	}
	return out
}
