package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_TextSkipsHiddenParts(t *testing.T) {
	m := Message{
		Role: RoleUser,
		Parts: []Part{
			TextPart("hello "),
			FileContentPart("ctx.txt", "secret context"),
			TextPart("world"),
		},
	}
	require.Equal(t, "hello world", m.Text())
}

func TestMessage_PartsPreserveInsertionOrder(t *testing.T) {
	parts := BuildUserParts("prompt", Attachment{
		Images:       []ImageAttachment{{Path: "a.png"}},
		Files:        []string{"main.go"},
		TextContexts: []TextContext{{Name: "notes", Content: "n"}},
	})

	require.Len(t, parts, 4)
	require.Equal(t, PartText, parts[0].Type)
	require.Equal(t, PartImage, parts[1].Type)
	require.Equal(t, PartFile, parts[2].Type)
	require.Equal(t, PartFileContent, parts[3].Type)
}

func TestBuildUserParts_EmptyTextOmitsTextPart(t *testing.T) {
	parts := BuildUserParts("", Attachment{Files: []string{"f"}})
	require.Len(t, parts, 1)
	require.Equal(t, PartFile, parts[0].Type)
}

func TestBuildUserParts_DiffContextRendersPatch(t *testing.T) {
	parts := BuildUserParts("", Attachment{
		DiffTextContexts: []DiffTextContext{{Path: "a.go", Before: "package a\n", After: "package b\n"}},
	})
	require.Len(t, parts, 1)
	require.Equal(t, PartFileContent, parts[0].Type)
	require.Equal(t, "a.go", parts[0].Path)
	require.True(t, strings.Contains(parts[0].Text, "a.go"))
	require.True(t, strings.Contains(parts[0].Text, "@@"), "expected patch hunk header, got %q", parts[0].Text)
}

func TestRenderDiff_UnchangedContent(t *testing.T) {
	out := RenderDiff(DiffTextContext{Path: "x", Before: "same", After: "same"})
	require.Contains(t, out, "unchanged")
}

func TestMetadata_AccumulateKeepsLastCallSeparate(t *testing.T) {
	meta := &Metadata{}
	meta.Accumulate(Usage{InputTokens: 100, OutputTokens: 10, CostUSD: 0.01})
	meta.Accumulate(Usage{InputTokens: 200, OutputTokens: 20, CostUSD: 0.02})

	require.Equal(t, 300, meta.TotalInputTokens)
	require.Equal(t, 30, meta.TotalOutputTokens)
	require.InDelta(t, 0.03, meta.TotalCostUSD, 1e-9)

	// Context window usage reflects only the most recent call
	require.Equal(t, 220, meta.ContextTokens())
}

func TestMessage_HasPendingTool(t *testing.T) {
	m := NewAssistant()
	require.False(t, m.HasPendingTool())

	m.Parts = append(m.Parts, ToolPart("t1", "read_file", nil))
	require.True(t, m.HasPendingTool())

	m.Parts[0].ToolState = ToolOutputAvailable
	require.False(t, m.HasPendingTool())
}

func TestMessage_CloneDoesNotAliasParts(t *testing.T) {
	m := NewUser([]Part{TextPart("a")})
	c := m.Clone()
	c.Parts[0].Text = "mutated"
	require.Equal(t, "a", m.Parts[0].Text)
}

func TestEndsWithUnansweredUser(t *testing.T) {
	user := NewUser([]Part{TextPart("q")})
	assistant := NewAssistant()

	require.False(t, EndsWithUnansweredUser(nil))
	require.True(t, EndsWithUnansweredUser([]Message{user}))
	require.False(t, EndsWithUnansweredUser([]Message{user, assistant}))
	require.Equal(t, 0, LastUserIndex([]Message{user, assistant}))
	require.Equal(t, -1, LastUserIndex([]Message{assistant}))
}
