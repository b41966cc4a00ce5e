package checkpoint

import (
	"encoding/json"
	"fmt"

	"delver/engine/models"
)

// migration lifts a raw state document from version v to v+1. Migrations are
// additive only: they introduce fields with defaults and never remove or
// rename existing ones.
type migration func(doc map[string]any) error

// migrations[i] migrates schema version i to i+1.
var migrations = []migration{
	migrateV0SeenURLs,
}

// migrateV0SeenURLs: version 0 predates run-wide URL deduplication. Insert an
// empty set; a legacy run that carried duplicates will renumber citations on
// its first synthesize pass, which matches the historical behavior.
func migrateV0SeenURLs(doc map[string]any) error {
	if _, ok := doc["seen_urls"]; !ok {
		doc["seen_urls"] = []string{}
	}
	return nil
}

// Migrate parses raw checkpoint bytes and applies every migration between
// the stored version and models.SchemaVersion, in order.
func Migrate(data []byte) (*models.ResearchState, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	version := 0
	if v, ok := doc["_schema_version"].(float64); ok {
		version = int(v)
	}
	if version > models.SchemaVersion {
		return nil, fmt.Errorf("checkpoint schema %d is newer than supported %d", version, models.SchemaVersion)
	}
	for v := version; v < models.SchemaVersion; v++ {
		if err := migrations[v](doc); err != nil {
			return nil, fmt.Errorf("migrate v%d: %w", v, err)
		}
	}
	doc["_schema_version"] = models.SchemaVersion
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return models.UnmarshalState(normalized)
}
