package lexical

import "testing"

func TestUpsertAndSearchRanksByRelevance(t *testing.T) {
	ix := New(0, 0, 0)
	ix.Upsert("a", "the cat sat on the mat")
	ix.Upsert("b", "dogs and cats are common pets")
	ix.Upsert("c", "completely unrelated text about weather")

	results := ix.Search("cat", 10, nil)
	if len(results) == 0 {
		t.Fatal("expected at least one result for 'cat'")
	}
	if results[0].ID != "a" && results[0].ID != "b" {
		t.Errorf("expected a doc containing 'cat'/'cats' to rank first, got %s", results[0].ID)
	}

	for _, r := range results {
		if r.ID == "c" {
			t.Error("expected unrelated document to not match query 'cat'")
		}
	}
}

func TestSearchRespectsAllowFilter(t *testing.T) {
	ix := New(0, 0, 0)
	ix.Upsert("a", "apple banana")
	ix.Upsert("b", "apple cherry")

	results := ix.Search("apple", 10, func(id string) bool { return id != "a" })
	for _, r := range results {
		if r.ID == "a" {
			t.Error("expected filtered-out id to be excluded")
		}
	}
}

func TestUpsertReplacesPriorIndexing(t *testing.T) {
	ix := New(0, 0, 0)
	ix.Upsert("a", "original content about gardening")
	ix.Upsert("a", "completely different content about finance")

	results := ix.Search("gardening", 10, nil)
	if len(results) != 0 {
		t.Errorf("expected re-indexed doc to no longer match old content, got %+v", results)
	}

	results = ix.Search("finance", 10, nil)
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("expected re-indexed doc to match new content, got %+v", results)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	ix := New(0, 0, 0)
	ix.Upsert("a", "searchable content")
	ix.Delete("a")

	if ix.Len() != 0 {
		t.Errorf("expected empty index after delete, got %d", ix.Len())
	}
	if results := ix.Search("searchable", 10, nil); len(results) != 0 {
		t.Errorf("expected no results after delete, got %+v", results)
	}
}

func TestSearchWithNoMatchingTermsReturnsEmpty(t *testing.T) {
	ix := New(0, 0, 0)
	ix.Upsert("a", "hello world")
	if results := ix.Search("nonexistent query term", 10, nil); len(results) != 0 {
		t.Errorf("expected no results, got %+v", results)
	}
}

func TestSearchOnEmptyIndex(t *testing.T) {
	ix := New(0, 0, 0)
	if results := ix.Search("anything", 10, nil); results != nil {
		t.Errorf("expected nil results on empty index, got %+v", results)
	}
}
