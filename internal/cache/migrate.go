package cache

import (
	"encoding/json"
	"time"
)

// v1Doc is the legacy flat cache format: a bare queries map plus a
// top-level feedback list, no version or metadata envelope.
type v1Doc struct {
	Queries  map[string]v1Entry `json:"queries"`
	Feedback []v1Feedback       `json:"feedback"`
}

type v1Entry struct {
	Query            string    `json:"query"`
	Response         string    `json:"response"`
	ToolsUsed        []string  `json:"tools_used"`
	Timestamp        time.Time `json:"timestamp"`
	UseCount         int       `json:"use_count"`
	PositiveFeedback int       `json:"positive_feedback"`
	NegativeFeedback int       `json:"negative_feedback"`
}

type v1Feedback struct {
	QueryHash string    `json:"query_hash"`
	Rating    string    `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

// migrateV1 upgrades a legacy document to the structured format,
// preserving all entries and feedback history.
func migrateV1(data []byte) (*storeDoc, error) {
	var old v1Doc
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, err
	}

	doc := emptyDoc()

	for oldHash, oe := range old.Queries {
		// Rehash by query text so migrated entries stay reachable
		// under the current digest. Entries whose original text was
		// lost keep their legacy key (unreachable but preserved).
		hash := oldHash
		if oe.Query != "" {
			hash = hashQuery(oe.Query)
		}
		normalized := normalize(oe.Query)
		created := oe.Timestamp
		if created.IsZero() {
			created = time.Now()
		}
		useCount := oe.UseCount
		if useCount < 1 {
			useCount = 1
		}

		entry := &Entry{
			Query:            oe.Query,
			Normalized:       normalized,
			Response:         oe.Response,
			ToolsUsed:        oe.ToolsUsed,
			CreatedAt:        created,
			LastUsed:         created,
			UseCount:         useCount,
			PositiveFeedback: oe.PositiveFeedback,
			NegativeFeedback: oe.NegativeFeedback,
			Score:            score(oe.PositiveFeedback, oe.NegativeFeedback),
			Tags:             deriveTags(normalized),
			Category:         deriveCategory(normalized),
		}

		doc.Queries[hash] = entry
		doc.Categories[entry.Category] = append(doc.Categories[entry.Category], hash)
		doc.Stats.TotalQueries++
		doc.Stats.PositiveFeedback += oe.PositiveFeedback
		doc.Stats.NegativeFeedback += oe.NegativeFeedback
	}

	for _, fb := range old.Feedback {
		doc.Feedback = append(doc.Feedback, FeedbackRecord{
			QueryHash: fb.QueryHash,
			Rating:    Rating(fb.Rating),
			Timestamp: fb.Timestamp,
		})
	}

	return doc, nil
}
