// Package docx is the Word codec: it parses .docx bytes into a structured
// block tree and renders a block tree back into deterministic .docx bytes.
package docx

// BlockType tags the variants of a parsed block.
type BlockType string

const (
	BlockParagraph    BlockType = "paragraph"
	BlockHeading      BlockType = "heading"
	BlockTable        BlockType = "table"
	BlockList         BlockType = "list"
	BlockPageBreak    BlockType = "page_break"
	BlockSectionBreak BlockType = "section_break"
	BlockHeader       BlockType = "header"
	BlockFooter       BlockType = "footer"
)

// Run is a span of text with uniform character formatting.
type Run struct {
	Text      string `json:"text"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
	Strike    bool   `json:"strike,omitempty"`
	Font      string `json:"font,omitempty"`
	// SizeHalfPoints is the font size in half-points, the unit OOXML uses.
	SizeHalfPoints int    `json:"size_half_points,omitempty"`
	Color          string `json:"color,omitempty"`
}

// Indent holds paragraph indentation in twips.
type Indent struct {
	Left      int `json:"left,omitempty"`
	Right     int `json:"right,omitempty"`
	FirstLine int `json:"first_line,omitempty"`
}

// Spacing holds paragraph spacing in twips.
type Spacing struct {
	Before int `json:"before,omitempty"`
	After  int `json:"after,omitempty"`
}

// ListInfo marks a paragraph as part of a numbered or bullet list.
type ListInfo struct {
	Ordered bool `json:"ordered"`
	Level   int  `json:"level"`
	NumID   int  `json:"num_id,omitempty"`
}

// SectionProps carries the properties of a section break.
type SectionProps struct {
	Orientation string `json:"orientation,omitempty"` // portrait or landscape
	PageWidth   int    `json:"page_width,omitempty"`  // twips
	PageHeight  int    `json:"page_height,omitempty"` // twips
}

// Cell is one table cell; its content is a nested block list.
type Cell struct {
	Blocks []Block `json:"blocks"`
}

// TableData is the row/column structure of a table block.
type TableData struct {
	Rows [][]Cell `json:"rows"`
}

// Block is one unit of the parsed document structure. Exactly the fields
// relevant to its Type are populated.
type Block struct {
	Type           BlockType     `json:"block_type"`
	StructuralPath string        `json:"structural_path"`
	StyleName      string        `json:"style_name,omitempty"`
	Alignment      string        `json:"alignment,omitempty"`
	HeadingLevel   int           `json:"heading_level,omitempty"`
	Runs           []Run         `json:"runs,omitempty"`
	Indent         *Indent       `json:"indent,omitempty"`
	Spacing        *Spacing      `json:"spacing,omitempty"`
	List           *ListInfo     `json:"list,omitempty"`
	Table          *TableData    `json:"table,omitempty"`
	Section        *SectionProps `json:"section,omitempty"`
}

// Text concatenates the block's run text.
func (b Block) Text() string {
	var out string
	for _, r := range b.Runs {
		out += r.Text
	}
	return out
}

// HeaderFooter is one header or footer part with its own block stream.
type HeaderFooter struct {
	Kind   string  `json:"kind"` // default, first, even
	Blocks []Block `json:"blocks"`
}

// Statistics summarizes a parsed document's block population.
type Statistics struct {
	TotalBlocks       int `json:"total_blocks"`
	ParagraphCount    int `json:"paragraph_count"`
	HeadingCount      int `json:"heading_count"`
	TableCount        int `json:"table_count"`
	ListCount         int `json:"list_count"`
	PageBreakCount    int `json:"page_break_count"`
	SectionBreakCount int `json:"section_break_count"`
}

// ParsedDocument is the full parse result for one template source.
type ParsedDocument struct {
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Blocks      []Block           `json:"blocks"`
	Headers     []HeaderFooter    `json:"headers,omitempty"`
	Footers     []HeaderFooter    `json:"footers,omitempty"`
	Statistics  Statistics        `json:"statistics"`
}

// Stats recomputes block statistics from a block list.
func Stats(blocks []Block) Statistics {
	var s Statistics
	s.TotalBlocks = len(blocks)
	for _, b := range blocks {
		switch b.Type {
		case BlockParagraph:
			s.ParagraphCount++
		case BlockHeading:
			s.HeadingCount++
		case BlockTable:
			s.TableCount++
		case BlockList:
			s.ListCount++
		case BlockPageBreak:
			s.PageBreakCount++
		case BlockSectionBreak:
			s.SectionBreakCount++
		}
	}
	return s
}
