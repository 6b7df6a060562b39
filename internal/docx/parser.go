package docx

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/docgen/internal/errs"
)

// MaxFileSize caps accepted template uploads at 50 MiB.
const MaxFileSize = 50 << 20

// Parse reads .docx bytes into a ParsedDocument. It is pure with respect to
// the input byte stream: the same bytes always yield the same structure and
// the same content hash.
func Parse(data []byte) (*ParsedDocument, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.CodeEmptyFile, errs.CategoryParsing, "template file is empty")
	}
	if len(data) > MaxFileSize {
		return nil, errs.Newf(errs.CodeFileTooLarge, errs.CategoryParsing,
			"template file is %d bytes, limit is %d", len(data), MaxFileSize)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeInvalidFormat, errs.CategoryParsing,
			"file is not a zip container")
	}

	parts := map[string]*zip.File{}
	for _, f := range zr.File {
		parts[f.Name] = f
	}
	if _, ok := parts["[Content_Types].xml"]; !ok {
		return nil, errs.New(errs.CodeInvalidFormat, errs.CategoryParsing,
			"missing [Content_Types].xml, not a Word document")
	}
	docPart, ok := parts["word/document.xml"]
	if !ok {
		return nil, errs.New(errs.CodeInvalidFormat, errs.CategoryParsing,
			"missing word/document.xml")
	}

	docXML, err := readPart(docPart)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCorruptedFile, errs.CategoryParsing,
			"cannot read word/document.xml")
	}
	blocks, err := parseBody(docXML)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCorruptedFile, errs.CategoryParsing,
			"malformed document body")
	}

	doc := &ParsedDocument{
		ContentHash: hashBytes(data),
		Blocks:      blocks,
		Statistics:  Stats(blocks),
	}
	doc.Headers = parseHeaderFooterParts(parts, "word/header", "hdr")
	doc.Footers = parseHeaderFooterParts(parts, "word/footer", "ftr")
	doc.Metadata = parseCoreProperties(parts)

	if !hasContent(doc) {
		return nil, errs.New(errs.CodeNoContent, errs.CategoryParsing,
			"document contains no usable content")
	}
	return doc, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readPart(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func hasContent(doc *ParsedDocument) bool {
	for _, b := range doc.Blocks {
		if b.Type == BlockTable && b.Table != nil && len(b.Table.Rows) > 0 {
			return true
		}
		if strings.TrimSpace(b.Text()) != "" {
			return true
		}
	}
	return false
}

// --- XML wire shapes -------------------------------------------------------

type xmlPara struct {
	Props *xmlParaProps `xml:"pPr"`
	Runs  []xmlRun      `xml:"r"`
}

type xmlParaProps struct {
	Style   *xmlVal     `xml:"pStyle"`
	Jc      *xmlVal     `xml:"jc"`
	NumPr   *xmlNumPr   `xml:"numPr"`
	Ind     *xmlInd     `xml:"ind"`
	Spacing *xmlSpacing `xml:"spacing"`
	SectPr  *xmlSectPr  `xml:"sectPr"`
}

type xmlVal struct {
	Val string `xml:"val,attr"`
}

type xmlNumPr struct {
	Ilvl  *xmlVal `xml:"ilvl"`
	NumID *xmlVal `xml:"numId"`
}

type xmlInd struct {
	Left      string `xml:"left,attr"`
	Right     string `xml:"right,attr"`
	FirstLine string `xml:"firstLine,attr"`
}

type xmlSpacing struct {
	Before string `xml:"before,attr"`
	After  string `xml:"after,attr"`
}

type xmlSectPr struct {
	PgSz *struct {
		W      string `xml:"w,attr"`
		H      string `xml:"h,attr"`
		Orient string `xml:"orient,attr"`
	} `xml:"pgSz"`
}

type xmlRun struct {
	Props  *xmlRunProps `xml:"rPr"`
	Texts  []string     `xml:"t"`
	Breaks []xmlBreak   `xml:"br"`
	Tabs   []struct{}   `xml:"tab"`
}

type xmlRunProps struct {
	Bold      *xmlToggle `xml:"b"`
	Italic    *xmlToggle `xml:"i"`
	Underline *xmlVal    `xml:"u"`
	Strike    *xmlToggle `xml:"strike"`
	Fonts     *struct {
		ASCII string `xml:"ascii,attr"`
	} `xml:"rFonts"`
	Size  *xmlVal `xml:"sz"`
	Color *xmlVal `xml:"color"`
}

type xmlToggle struct {
	Val string `xml:"val,attr"`
}

func (t *xmlToggle) on() bool {
	if t == nil {
		return false
	}
	return t.Val == "" || t.Val == "true" || t.Val == "1"
}

type xmlBreak struct {
	Type string `xml:"type,attr"`
}

type xmlTable struct {
	Rows []xmlTableRow `xml:"tr"`
}

type xmlTableRow struct {
	Cells []xmlTableCell `xml:"tc"`
}

type xmlTableCell struct {
	Paras []xmlPara `xml:"p"`
}

// --- body walk -------------------------------------------------------------

// parseBody decodes the top-level element stream of word/document.xml (or a
// header/footer part) in document order.
func parseBody(docXML []byte) ([]Block, error) {
	dec := xml.NewDecoder(bytes.NewReader(docXML))
	var blocks []Block
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			// Block-level elements live directly under body (or hdr/ftr),
			// which is itself under the root: depth 3 for body children,
			// depth 2 for header/footer children.
			if el.Name.Local == "body" || depth > 3 {
				continue
			}
			switch el.Name.Local {
			case "p":
				var p xmlPara
				if err := dec.DecodeElement(&p, &el); err != nil {
					return nil, err
				}
				blocks = append(blocks, paraToBlocks(p, len(blocks))...)
				depth--
			case "tbl":
				var t xmlTable
				if err := dec.DecodeElement(&t, &el); err != nil {
					return nil, err
				}
				blocks = append(blocks, tableToBlock(t, len(blocks)))
				depth--
			case "sectPr":
				// Trailing body-level section properties, not a break.
				if err := dec.Skip(); err != nil {
					return nil, err
				}
				depth--
			}
		case xml.EndElement:
			depth--
		}
	}
	return blocks, nil
}

func bodyPath(index int) string {
	return fmt.Sprintf("body/%d", index)
}

// paraToBlocks converts one w:p element. A paragraph holding a page break run
// yields an extra page_break block; one holding sectPr yields a section_break.
func paraToBlocks(p xmlPara, index int) []Block {
	b := Block{Type: BlockParagraph, StructuralPath: bodyPath(index)}
	pageBreak := false

	if p.Props != nil {
		pr := p.Props
		if pr.Style != nil {
			b.StyleName = pr.Style.Val
			if lvl := headingLevel(pr.Style.Val); lvl > 0 {
				b.Type = BlockHeading
				b.HeadingLevel = lvl
			}
		}
		if pr.Jc != nil {
			b.Alignment = pr.Jc.Val
		}
		if pr.NumPr != nil && b.Type == BlockParagraph {
			b.Type = BlockList
			info := &ListInfo{}
			if pr.NumPr.Ilvl != nil {
				info.Level = atoi(pr.NumPr.Ilvl.Val)
			}
			if pr.NumPr.NumID != nil {
				info.NumID = atoi(pr.NumPr.NumID.Val)
				// Convention from the demo numbering part: odd numIds are
				// bullets, even are decimal. Real templates carry their own
				// numbering.xml which we do not resolve.
				info.Ordered = info.NumID%2 == 0
			}
			b.List = info
		}
		if pr.Ind != nil {
			b.Indent = &Indent{
				Left:      atoi(pr.Ind.Left),
				Right:     atoi(pr.Ind.Right),
				FirstLine: atoi(pr.Ind.FirstLine),
			}
		}
		if pr.Spacing != nil {
			b.Spacing = &Spacing{Before: atoi(pr.Spacing.Before), After: atoi(pr.Spacing.After)}
		}
	}

	for _, r := range p.Runs {
		run := Run{Text: strings.Join(r.Texts, "")}
		if r.Props != nil {
			run.Bold = r.Props.Bold.on()
			run.Italic = r.Props.Italic.on()
			run.Strike = r.Props.Strike.on()
			if r.Props.Underline != nil && r.Props.Underline.Val != "none" {
				run.Underline = true
			}
			if r.Props.Fonts != nil {
				run.Font = r.Props.Fonts.ASCII
			}
			if r.Props.Size != nil {
				run.SizeHalfPoints = atoi(r.Props.Size.Val)
			}
			if r.Props.Color != nil && r.Props.Color.Val != "auto" {
				run.Color = r.Props.Color.Val
			}
		}
		for _, br := range r.Breaks {
			if br.Type == "page" {
				pageBreak = true
			}
		}
		if run.Text != "" || run.Bold || run.Italic || run.Underline {
			b.Runs = append(b.Runs, run)
		}
	}

	blocks := []Block{b}
	if p.Props != nil && p.Props.SectPr != nil {
		sb := Block{
			Type:           BlockSectionBreak,
			StructuralPath: bodyPath(index + len(blocks)),
			Section:        sectionProps(p.Props.SectPr),
		}
		blocks = append(blocks, sb)
	}
	if pageBreak {
		blocks = append(blocks, Block{Type: BlockPageBreak, StructuralPath: bodyPath(index + len(blocks))})
	}
	return blocks
}

func sectionProps(s *xmlSectPr) *SectionProps {
	props := &SectionProps{Orientation: "portrait"}
	if s.PgSz != nil {
		if s.PgSz.Orient != "" {
			props.Orientation = s.PgSz.Orient
		}
		props.PageWidth = atoi(s.PgSz.W)
		props.PageHeight = atoi(s.PgSz.H)
	}
	return props
}

func tableToBlock(t xmlTable, index int) Block {
	b := Block{Type: BlockTable, StructuralPath: bodyPath(index), Table: &TableData{}}
	for ri, row := range t.Rows {
		var cells []Cell
		for ci, cell := range row.Cells {
			var c Cell
			for pi, p := range cell.Paras {
				inner := paraToBlocks(p, 0)
				for i := range inner {
					inner[i].StructuralPath = fmt.Sprintf("%s/row/%d/cell/%d/p/%d", b.StructuralPath, ri, ci, pi+i)
				}
				c.Blocks = append(c.Blocks, inner...)
			}
			cells = append(cells, c)
		}
		b.Table.Rows = append(b.Table.Rows, cells)
	}
	return b
}

func headingLevel(style string) int {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if !strings.HasPrefix(s, "heading") {
		return 0
	}
	lvl, err := strconv.Atoi(s[len("heading"):])
	if err != nil || lvl < 1 || lvl > 9 {
		return 0
	}
	return lvl
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// --- headers, footers, metadata -------------------------------------------

// parseHeaderFooterParts collects word/header*.xml or word/footer*.xml in
// filename order. Parts that fail to parse are skipped; headers are optional
// decoration, not content.
func parseHeaderFooterParts(parts map[string]*zip.File, prefix, kind string) []HeaderFooter {
	var names []string
	for name := range parts {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".xml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []HeaderFooter
	for _, name := range names {
		data, err := readPart(parts[name])
		if err != nil {
			continue
		}
		blocks, err := parseBody(data)
		if err != nil {
			continue
		}
		blockType := BlockHeader
		if kind == "ftr" {
			blockType = BlockFooter
		}
		for i := range blocks {
			if blocks[i].Type == BlockParagraph {
				blocks[i].Type = blockType
			}
			blocks[i].StructuralPath = fmt.Sprintf("%s/%s", strings.TrimSuffix(strings.TrimPrefix(name, "word/"), ".xml"), blocks[i].StructuralPath)
		}
		out = append(out, HeaderFooter{Kind: "default", Blocks: blocks})
	}
	return out
}

// parseCoreProperties flattens docProps/core.xml into a string map keyed by
// local element name (title, creator, subject, ...).
func parseCoreProperties(parts map[string]*zip.File) map[string]string {
	part, ok := parts["docProps/core.xml"]
	if !ok {
		return nil
	}
	data, err := readPart(part)
	if err != nil {
		return nil
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	meta := map[string]string{}
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch el := tok.(type) {
		case xml.StartElement:
			current = el.Name.Local
		case xml.CharData:
			if current != "" && current != "coreProperties" {
				if text := strings.TrimSpace(string(el)); text != "" {
					meta[current] = text
				}
			}
		case xml.EndElement:
			current = ""
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
