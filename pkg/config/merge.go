package config

import "gopkg.in/yaml.v3"

// DeepMerge merges overlay into base and returns the result, preserving
// base's key order and appending any overlay-only keys at the end.
// Mapping nodes merge key-by-key (recursing when both sides hold a
// mapping for that key); sequence nodes are replaced wholesale by
// overlay (not concatenated) since a preset or user layer that redeclares
// a list means the new list, not an appended one; for every other
// combination of types, overlay wins outright. This mirrors the merge
// semantics of config layering: defaults, then the detected preset, then
// the user's own vm.yaml. The one exception — the ordered `services`
// mapping merging its per-service scalar fields like any other mapping
// rather than replacing wholesale — falls out naturally here because
// `services` is itself a mapping node, not a sequence.
func DeepMerge(base, overlay *yaml.Node) *yaml.Node {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}

	if base.Kind == yaml.DocumentNode {
		if len(base.Content) == 0 {
			return overlay
		}
		return wrapDocument(DeepMerge(base.Content[0], unwrapDocument(overlay)))
	}
	if overlay.Kind == yaml.DocumentNode {
		overlay = unwrapDocument(overlay)
	}

	if base.Kind == yaml.MappingNode && overlay.Kind == yaml.MappingNode {
		return mergeMappings(base, overlay)
	}
	// Sequence vs sequence, scalar vs scalar, or mismatched kinds: overlay
	// replaces base outright.
	return overlay
}

func mergeMappings(base, overlay *yaml.Node) *yaml.Node {
	merged := &yaml.Node{Kind: yaml.MappingNode, Tag: base.Tag}

	baseKeyIndex := make(map[string]int, len(base.Content)/2)
	for i := 0; i+1 < len(base.Content); i += 2 {
		baseKeyIndex[base.Content[i].Value] = i
	}

	overlayKeyIndex := make(map[string]int, len(overlay.Content)/2)
	for i := 0; i+1 < len(overlay.Content); i += 2 {
		overlayKeyIndex[overlay.Content[i].Value] = i
	}

	for i := 0; i+1 < len(base.Content); i += 2 {
		key := base.Content[i]
		baseVal := base.Content[i+1]
		if j, ok := overlayKeyIndex[key.Value]; ok {
			merged.Content = append(merged.Content, key, DeepMerge(baseVal, overlay.Content[j+1]))
		} else {
			merged.Content = append(merged.Content, key, baseVal)
		}
	}

	for i := 0; i+1 < len(overlay.Content); i += 2 {
		key := overlay.Content[i]
		if _, ok := baseKeyIndex[key.Value]; ok {
			continue
		}
		merged.Content = append(merged.Content, key, overlay.Content[i+1])
	}

	return merged
}

func wrapDocument(n *yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{n}}
}

func unwrapDocument(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return n.Content[0]
	}
	return n
}
