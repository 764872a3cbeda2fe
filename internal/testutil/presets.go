package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/zjrosen/strand/internal/metadata"
)

// SeedCatalog saves n conversations named conv-1..conv-n with descending
// ages, so conv-n is the newest. Returns the ids in creation order.
func SeedCatalog(t *testing.T, cat Catalog, n int) []string {
	t.Helper()
	b := NewBuilder(t, cat)
	ids := make([]string, 0, n)
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("conv-%d", i)
		ids = append(ids, id)
		b.WithConversation(id,
			CreatedAt(base.Add(time.Duration(i)*time.Minute)),
			UpdatedAt(base.Add(time.Duration(i)*time.Minute)))
	}
	b.Build()
	return ids
}

// SeedFamily saves a parent with two children and returns the three ids as
// (parent, children).
func SeedFamily(t *testing.T, cat Catalog, parentID string) (string, []string) {
	t.Helper()
	children := []string{parentID + "-a", parentID + "-b"}
	b := NewBuilder(t, cat).
		WithConversation(parentID, Name("parent"))
	for _, child := range children {
		b.WithConversation(child, Parent(parentID), Mode(metadata.ModePlan))
	}
	b.Build()
	return parentID, children
}

// SeedArchived saves one live and one archived conversation and returns
// their ids as (live, archived).
func SeedArchived(t *testing.T, cat Catalog) (string, string) {
	t.Helper()
	NewBuilder(t, cat).
		WithConversation("conv-live").
		WithConversation("conv-archived", Archived()).
		Build()
	return "conv-live", "conv-archived"
}
