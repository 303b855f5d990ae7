package embedding

import "testing"

func TestSelectTaskType(t *testing.T) {
	if got := SelectTaskType(ContentTypeFact, true); got != "RETRIEVAL_QUERY" {
		t.Fatalf("SelectTaskType(fact, isQuery)=%q, want RETRIEVAL_QUERY", got)
	}
	if got := SelectTaskType(ContentTypeFact, false); got != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("SelectTaskType(fact, stored)=%q, want RETRIEVAL_DOCUMENT", got)
	}
	if got := SelectTaskType(ContentTypeQuestion, false); got != "QUESTION_ANSWERING" {
		t.Fatalf("SelectTaskType(question, stored)=%q, want QUESTION_ANSWERING", got)
	}
	if got := SelectTaskType(ContentTypePreference, false); got != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("SelectTaskType(preference, stored)=%q, want RETRIEVAL_DOCUMENT", got)
	}
}

func TestDetectContentType(t *testing.T) {
	if got := DetectContentType("how do I configure the scheduler?"); got != ContentTypeQuestion {
		t.Fatalf("DetectContentType(question)=%q, want %q", got, ContentTypeQuestion)
	}
	if got := DetectContentType("the user prefers dark mode"); got != ContentTypePreference {
		t.Fatalf("DetectContentType(preference)=%q, want %q", got, ContentTypePreference)
	}
	if got := DetectContentType("the team decided to switch to Postgres"); got != ContentTypeDecision {
		t.Fatalf("DetectContentType(decision)=%q, want %q", got, ContentTypeDecision)
	}
	if got := DetectContentType("the project uses go 1.24"); got != ContentTypeFact {
		t.Fatalf("DetectContentType(fact)=%q, want %q", got, ContentTypeFact)
	}
}

func TestGetOptimalTaskType(t *testing.T) {
	if got := GetOptimalTaskType("blue-green deployment pipeline", true); got != "RETRIEVAL_QUERY" {
		t.Fatalf("GetOptimalTaskType(query)=%q, want RETRIEVAL_QUERY", got)
	}
	if got := GetOptimalTaskType("i always review PRs before lunch", false); got != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("GetOptimalTaskType(preference, stored)=%q, want RETRIEVAL_DOCUMENT", got)
	}
	if got := GetOptimalTaskType("what time zone does the user work in?", false); got != "QUESTION_ANSWERING" {
		t.Fatalf("GetOptimalTaskType(question, stored)=%q, want QUESTION_ANSWERING", got)
	}
}
