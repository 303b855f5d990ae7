package embedding

import (
	"strings"

	"memoria/internal/logging"
)

// ContentType classifies a piece of memory text so its embedding task type
// can be tuned per §4.2. The vocabulary follows the extraction pipeline's
// own shape (internal/ingest/extractor.go): a fact is the default output of
// Extract, preference/decision/question are phrasing cues layered on top of
// it, and query is reserved for Search text, which never gets stored.
type ContentType string

const (
	ContentTypeQuery      ContentType = "query"      // search text passed to Search
	ContentTypeQuestion   ContentType = "question"   // a memory phrased as a question
	ContentTypePreference ContentType = "preference" // "I prefer/like/always/never ..."
	ContentTypeDecision   ContentType = "decision"   // "decided to/going with/switched to ..."
	ContentTypeFact       ContentType = "fact"       // a plain durable statement, the common case
)

// SelectTaskType maps a ContentType (and whether the text is being searched
// for rather than stored) to a GenAI embedding task type.
func SelectTaskType(contentType ContentType, isQuery bool) string {
	if isQuery {
		return "RETRIEVAL_QUERY"
	}
	switch contentType {
	case ContentTypeQuestion:
		return "QUESTION_ANSWERING"
	case ContentTypeQuery:
		// a query being written to the store is a contradiction in terms;
		// fall back to the document type rather than guess.
		return "RETRIEVAL_DOCUMENT"
	default:
		return "RETRIEVAL_DOCUMENT"
	}
}

// DetectContentType classifies stored memory text using lightweight
// phrasing cues. It never needs to recognize source code or documentation:
// every candidate reaching this engine is a conversational fact produced by
// the extraction pipeline, not a file.
func DetectContentType(text string) ContentType {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ContentTypeFact
	}

	if strings.HasSuffix(lower, "?") ||
		strings.HasPrefix(lower, "what ") || strings.HasPrefix(lower, "how ") ||
		strings.HasPrefix(lower, "why ") || strings.HasPrefix(lower, "when ") ||
		strings.HasPrefix(lower, "where ") || strings.HasPrefix(lower, "who ") {
		return ContentTypeQuestion
	}

	preferenceMarkers := []string{"prefer", "i like", "i love", "i hate", "i always", "i never", "likes to", "doesn't like", "does not like"}
	for _, m := range preferenceMarkers {
		if strings.Contains(lower, m) {
			return ContentTypePreference
		}
	}

	decisionMarkers := []string{"decided to", "decided that", "going with", "switched to", "chose to", "will use", "settled on"}
	for _, m := range decisionMarkers {
		if strings.Contains(lower, m) {
			return ContentTypeDecision
		}
	}

	return ContentTypeFact
}

// GetOptimalTaskType is what Cache.GetOrCompute actually calls (§4.2):
// isQuery distinguishes Search text, which always embeds as
// RETRIEVAL_QUERY, from memory content being written to the store, whose
// task type is refined by DetectContentType/SelectTaskType.
func GetOptimalTaskType(text string, isQuery bool) string {
	if isQuery {
		logging.EmbeddingDebug("GetOptimalTaskType: query text (length=%d chars) -> RETRIEVAL_QUERY", len(text))
		return "RETRIEVAL_QUERY"
	}
	contentType := DetectContentType(text)
	taskType := SelectTaskType(contentType, false)
	logging.EmbeddingDebug("GetOptimalTaskType: content_type=%s -> task_type=%s", contentType, taskType)
	return taskType
}
