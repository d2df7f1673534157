package schema

// SelectMap is the internal tree mirroring a schema's shape that drives
// projection and row decoding (spec §9 "Select-map derivation" and
// GLOSSARY). A true leaf means "select this field in full"; a non-empty
// map means "select only these sub-fields".
type SelectMap map[string]interface{}

// Derive walks schema (properties, required, combinators, $$links) and
// builds the set of fields a query would need projected. Fields are
// derived recursively; a field mentioned only inside allOf/anyOf/oneOf
// still counts as selected, since any branch might be the one that ends
// up matching.
func Derive(node map[string]interface{}) SelectMap {
	sm := SelectMap{}
	mergeInto(sm, node)
	return sm
}

func mergeInto(sm SelectMap, node map[string]interface{}) {
	if node == nil {
		return
	}

	if props, ok := node["properties"].(map[string]interface{}); ok {
		for field, raw := range props {
			sub, _ := raw.(map[string]interface{})
			child := Derive(sub)
			if existing, ok := sm[field].(SelectMap); ok {
				sm[field] = mergeMaps(existing, child)
			} else if len(child) > 0 {
				sm[field] = child
			} else if _, already := sm[field]; !already {
				sm[field] = true
			}
		}
	}

	for _, field := range requiredFields(node) {
		if _, already := sm[field]; !already {
			sm[field] = true
		}
	}

	for _, key := range []string{"allOf", "anyOf", "oneOf"} {
		if list, ok := node[key].([]interface{}); ok {
			for _, item := range list {
				if sub, ok := item.(map[string]interface{}); ok {
					mergeInto(sm, sub)
				}
			}
		}
	}

	if not, ok := node["not"].(map[string]interface{}); ok {
		mergeInto(sm, not)
	}

	if links, ok := node["$$links"].(map[string]interface{}); ok {
		linkMap := SelectMap{}
		for verb, raw := range links {
			if sub, ok := raw.(map[string]interface{}); ok {
				linkMap[verb] = Derive(sub)
			}
		}
		sm["links"] = linkMap
	}
}

func requiredFields(node map[string]interface{}) []string {
	fields, _ := asStringList(node["required"])
	return fields
}

func mergeMaps(a, b SelectMap) SelectMap {
	out := SelectMap{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k].(SelectMap); ok {
			if incoming, ok := v.(SelectMap); ok {
				out[k] = mergeMaps(existing, incoming)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Prune removes from sm every field not present in authSchema's own
// select-map, so redacted fields never reach the row codec (spec §9
// "Select-map derivation": "Fields blacklisted by authorization ... must
// be pruned from the select-map by a second pass").
func Prune(sm SelectMap, authSchema map[string]interface{}) SelectMap {
	// additionalProperties:false combined with an empty properties set
	// means "nothing beneath this node is readable"; an authSchema with
	// no properties constraint at all is permissive (no pruning).
	authMap := Derive(authSchema)
	if len(authMap) == 0 {
		if ap, ok := authSchema["additionalProperties"].(bool); ok && !ap {
			return SelectMap{}
		}
		return sm
	}
	return pruneAgainst(sm, authMap)
}

// Project copies from doc only the fields named in sm, recursing into
// nested SelectMaps. A SelectMap is typically obtained from Derive(schema)
// after Prune(sm, authSchema), so the result contains exactly the fields a
// session is authorized to see.
func Project(doc map[string]interface{}, sm SelectMap) map[string]interface{} {
	out := map[string]interface{}{}
	for field, v := range sm {
		raw, present := doc[field]
		if !present {
			continue
		}
		childSM, isMap := v.(SelectMap)
		if !isMap || len(childSM) == 0 {
			out[field] = raw
			continue
		}
		nested, ok := raw.(map[string]interface{})
		if !ok {
			out[field] = raw
			continue
		}
		out[field] = Project(nested, childSM)
	}
	return out
}

func pruneAgainst(sm SelectMap, allowed SelectMap) SelectMap {
	out := SelectMap{}
	for field, v := range sm {
		allowedChild, ok := allowed[field]
		if !ok {
			continue
		}
		childSM, isMap := v.(SelectMap)
		allowedSub, allowedIsMap := allowedChild.(SelectMap)
		if isMap && allowedIsMap && len(allowedSub) > 0 {
			out[field] = pruneAgainst(childSM, allowedSub)
		} else {
			out[field] = v
		}
	}
	return out
}
