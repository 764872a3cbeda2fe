package message

import (
	"encoding/json"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText           PartType = "text"
	PartImage          PartType = "image"
	PartFile           PartType = "file"
	PartFileContent    PartType = "file_content" // hidden from display, visible to the backend
	PartToolInvocation PartType = "tool_invocation"
	PartReasoning      PartType = "reasoning"
)

// ToolState tracks a tool invocation's lifecycle within a message.
type ToolState string

const (
	ToolPending         ToolState = "pending"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// Part is one ordered element of a message. Exactly the fields relevant to
// Type are populated; the rest stay zero.
type Part struct {
	Type PartType `json:"type"`

	// Text payload (text, reasoning, file_content).
	Text string `json:"text,omitempty"`

	// Image payload: either inline base64 data or a file path reference.
	ImageData string `json:"image_data,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`

	// File payload (file, file_content).
	Path string `json:"path,omitempty"`

	// Tool invocation payload.
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	ToolState ToolState       `json:"tool_state,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	Output    string          `json:"output,omitempty"`
}

// TextPart builds a visible text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// InlineImagePart builds an image part carrying base64 data.
func InlineImagePart(data, mimeType string) Part {
	return Part{Type: PartImage, ImageData: data, MimeType: mimeType}
}

// ImageRefPart builds an image part referencing a file on disk.
func ImageRefPart(path string) Part {
	return Part{Type: PartImage, ImagePath: path}
}

// FilePart builds a file attachment part.
func FilePart(path string) Part {
	return Part{Type: PartFile, Path: path}
}

// FileContentPart builds a hidden context part: the backend sees it, the
// display layer skips it.
func FileContentPart(path, content string) Part {
	return Part{Type: PartFileContent, Path: path, Text: content}
}

// ToolPart builds a pending tool invocation part.
func ToolPart(id, name string, input json.RawMessage) Part {
	return Part{Type: PartToolInvocation, ToolID: id, ToolName: name, ToolInput: input, ToolState: ToolPending}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// Attachment groups the non-text inputs captured alongside a user message.
type Attachment struct {
	// Images are inline base64 payloads or file path references.
	Images []ImageAttachment
	// Files are path references attached verbatim.
	Files []string
	// TextContexts are named snippets included as hidden file-content parts.
	TextContexts []TextContext
	// DiffTextContexts are before/after file states rendered as patches.
	DiffTextContexts []DiffTextContext
}

// ImageAttachment is one image input, inline or by reference.
type ImageAttachment struct {
	Data     string // base64, empty when Path is set
	Path     string
	MimeType string
}

// TextContext is a named text snippet the backend should see.
type TextContext struct {
	Name    string
	Content string
}

// DiffTextContext captures a file's before/after state; it is sent to the
// backend as a rendered patch rather than two full copies.
type DiffTextContext struct {
	Path   string
	Before string
	After  string
}

// BuildUserParts assembles the ordered part list for a user turn: the text
// first, then images, files, text contexts, and diff contexts in the order
// the user attached them.
func BuildUserParts(text string, att Attachment) []Part {
	parts := make([]Part, 0, 1+len(att.Images)+len(att.Files)+len(att.TextContexts)+len(att.DiffTextContexts))
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	for _, img := range att.Images {
		if img.Data != "" {
			parts = append(parts, InlineImagePart(img.Data, img.MimeType))
		} else {
			parts = append(parts, ImageRefPart(img.Path))
		}
	}
	for _, f := range att.Files {
		parts = append(parts, FilePart(f))
	}
	for _, tc := range att.TextContexts {
		parts = append(parts, FileContentPart(tc.Name, tc.Content))
	}
	for _, dc := range att.DiffTextContexts {
		parts = append(parts, FileContentPart(dc.Path, RenderDiff(dc)))
	}
	return parts
}

// RenderDiff renders a diff text context as patch text.
func RenderDiff(dc DiffTextContext) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(dc.Before, dc.After)
	if len(patches) == 0 {
		return fmt.Sprintf("--- %s (unchanged)\n", dc.Path)
	}
	return fmt.Sprintf("--- %s\n%s", dc.Path, dmp.PatchToText(patches))
}
