package localstore

// Schema migrations run on the raw decoded document, before it is
// bound to the State type, so they can see fields the current schema
// no longer declares.

type migration struct {
	to    int
	apply func(doc map[string]interface{})
}

var migrations = []migration{
	{to: 2, apply: stampUntaggedOrigins},
}

func migrate(doc map[string]interface{}) bool {
	version := 1
	if v, ok := doc["schema_version"].(float64); ok && v > 0 {
		version = int(v)
	}

	changed := false
	for _, m := range migrations {
		if version < m.to {
			m.apply(doc)
			version = m.to
			changed = true
		}
	}
	doc["schema_version"] = SchemaVersion
	return changed
}

// stampUntaggedOrigins upgrades v1 documents, which tracked provenance
// with a "source" string and an optional "database_id", to the origin
// tag. Records with no provenance at all predate sync entirely and are
// treated as local.
func stampUntaggedOrigins(doc map[string]interface{}) {
	for _, key := range []string{"chats", "folders", "prompts"} {
		list, ok := doc[key].([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			entity, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if _, tagged := entity["origin"]; tagged {
				continue
			}
			origin := map[string]interface{}{"kind": string(OriginLocal)}
			if src, _ := entity["source"].(string); src == "database" {
				if dbID, _ := entity["database_id"].(string); dbID != "" {
					origin = map[string]interface{}{
						"kind":      string(OriginDatabase),
						"server_id": dbID,
					}
				}
			}
			entity["origin"] = origin
			delete(entity, "source")
			delete(entity, "database_id")
		}
	}
}
