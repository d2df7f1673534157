package authz

// listKeys hold a list of sub-schemas (allOf/anyOf/oneOf semantics).
var listKeys = []string{"allOf", "anyOf", "oneOf"}

// singleKeys hold exactly one sub-schema.
var singleKeys = []string{"contains", "not"}

// MaskLinks recursively walks querySchema and, at every $$links[verb] node,
// conjoins authSchema with the link's target sub-schema — preventing a
// caller from escalating read access by traversing a link to a contract
// type they could not otherwise read directly.
func MaskLinks(querySchema map[string]interface{}, authSchema map[string]interface{}) map[string]interface{} {
	if querySchema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(querySchema))
	for k, v := range querySchema {
		out[k] = v
	}

	if links, ok := out["$$links"].(map[string]interface{}); ok {
		maskedLinks := make(map[string]interface{}, len(links))
		for verb, target := range links {
			targetSchema, ok := target.(map[string]interface{})
			if !ok {
				maskedLinks[verb] = target
				continue
			}
			masked := MaskLinks(targetSchema, authSchema)
			maskedLinks[verb] = map[string]interface{}{
				"allOf": []interface{}{masked, authSchema},
			}
		}
		out["$$links"] = maskedLinks
	}

	if properties, ok := out["properties"].(map[string]interface{}); ok {
		masked := make(map[string]interface{}, len(properties))
		for field, sub := range properties {
			masked[field] = maskSchemaValue(sub, authSchema)
		}
		out["properties"] = masked
	}

	// items may be a single schema (every element) or a tuple-form list
	// of per-position schemas; both forms are valid JSON-schema.
	if items, ok := out["items"]; ok {
		switch v := items.(type) {
		case map[string]interface{}:
			out["items"] = MaskLinks(v, authSchema)
		case []interface{}:
			out["items"] = maskList(v, authSchema)
		}
	}

	for _, key := range singleKeys {
		sub, ok := out[key].(map[string]interface{})
		if !ok {
			continue
		}
		out[key] = MaskLinks(sub, authSchema)
	}

	for _, key := range listKeys {
		list, ok := out[key].([]interface{})
		if !ok {
			continue
		}
		out[key] = maskList(list, authSchema)
	}

	return out
}

func maskSchemaValue(v interface{}, authSchema map[string]interface{}) interface{} {
	if sub, ok := v.(map[string]interface{}); ok {
		return MaskLinks(sub, authSchema)
	}
	return v
}

func maskList(list []interface{}, authSchema map[string]interface{}) []interface{} {
	masked := make([]interface{}, len(list))
	for i, sub := range list {
		masked[i] = maskSchemaValue(sub, authSchema)
	}
	return masked
}
