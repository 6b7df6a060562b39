package docx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Render serializes a document structure into .docx bytes. Output is
// deterministic: part order, XML serialization and zip entry timestamps are
// fixed, so identical input structures produce byte-identical files.
func Render(doc *ParsedDocument) ([]byte, error) {
	if doc == nil || len(doc.Blocks) == 0 {
		return nil, fmt.Errorf("render: empty document structure")
	}

	parts := []struct {
		name string
		data []byte
	}{
		{"[Content_Types].xml", contentTypesXML(doc)},
		{"_rels/.rels", []byte(rootRelsXML)},
		{"word/document.xml", documentXML(doc)},
		{"word/_rels/document.xml.rels", documentRelsXML(doc)},
		{"word/styles.xml", []byte(stylesXML)},
		{"word/numbering.xml", []byte(numberingXML)},
	}
	for i, h := range doc.Headers {
		parts = append(parts, struct {
			name string
			data []byte
		}{fmt.Sprintf("word/header%d.xml", i+1), headerFooterXML("hdr", h)})
	}
	for i, f := range doc.Footers {
		parts = append(parts, struct {
			name string
			data []byte
		}{fmt.Sprintf("word/footer%d.xml", i+1), headerFooterXML("ftr", f)})
	}
	parts = append(parts, struct {
		name string
		data []byte
	}{"docProps/core.xml", corePropertiesXML(doc.Metadata)})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// Fixed timestamp keeps output byte-stable across runs.
	epoch := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range parts {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     p.name,
			Method:   zip.Deflate,
			Modified: epoch,
		})
		if err != nil {
			return nil, fmt.Errorf("render: create part %s: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, fmt.Errorf("render: write part %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("render: finalize container: %w", err)
	}
	return buf.Bytes(), nil
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

const wNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

const rootRelsXML = xmlHeader +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
	`<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/package/2006/relationships/metadata/core-properties" Target="docProps/core.xml"/>` +
	`</Relationships>`

func contentTypesXML(doc *ParsedDocument) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">`)
	b.WriteString(`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>`)
	b.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	b.WriteString(`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>`)
	b.WriteString(`<Override PartName="/word/styles.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.styles+xml"/>`)
	b.WriteString(`<Override PartName="/word/numbering.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.numbering+xml"/>`)
	for i := range doc.Headers {
		fmt.Fprintf(&b, `<Override PartName="/word/header%d.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.header+xml"/>`, i+1)
	}
	for i := range doc.Footers {
		fmt.Fprintf(&b, `<Override PartName="/word/footer%d.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.footer+xml"/>`, i+1)
	}
	b.WriteString(`<Override PartName="/docProps/core.xml" ContentType="application/vnd.openxmlformats-package.core-properties+xml"/>`)
	b.WriteString(`</Types>`)
	return []byte(b.String())
}

func documentRelsXML(doc *ParsedDocument) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	b.WriteString(`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/styles" Target="styles.xml"/>`)
	b.WriteString(`<Relationship Id="rId2" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/numbering" Target="numbering.xml"/>`)
	rid := 3
	for i := range doc.Headers {
		fmt.Fprintf(&b, `<Relationship Id="rId%d" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/header" Target="header%d.xml"/>`, rid, i+1)
		rid++
	}
	for i := range doc.Footers {
		fmt.Fprintf(&b, `<Relationship Id="rId%d" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/footer" Target="footer%d.xml"/>`, rid, i+1)
		rid++
	}
	b.WriteString(`</Relationships>`)
	return []byte(b.String())
}

const stylesXML = xmlHeader + `<w:styles ` + wNS + `>` +
	`<w:style w:type="paragraph" w:default="1" w:styleId="Normal"><w:name w:val="Normal"/></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading1"><w:name w:val="heading 1"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="0"/></w:pPr><w:rPr><w:b/><w:sz w:val="32"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading2"><w:name w:val="heading 2"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="1"/></w:pPr><w:rPr><w:b/><w:sz w:val="28"/></w:rPr></w:style>` +
	`<w:style w:type="paragraph" w:styleId="Heading3"><w:name w:val="heading 3"/><w:basedOn w:val="Normal"/><w:pPr><w:outlineLvl w:val="2"/></w:pPr><w:rPr><w:b/><w:sz w:val="26"/></w:rPr></w:style>` +
	`</w:styles>`

// numbering.xml ships two fixed abstract definitions: numId 1 = bullet,
// numId 2 = decimal. The parser's odd/even numId convention mirrors this.
const numberingXML = xmlHeader + `<w:numbering ` + wNS + `>` +
	`<w:abstractNum w:abstractNumId="0"><w:lvl w:ilvl="0"><w:numFmt w:val="bullet"/><w:lvlText w:val="&#8226;"/></w:lvl></w:abstractNum>` +
	`<w:abstractNum w:abstractNumId="1"><w:lvl w:ilvl="0"><w:numFmt w:val="decimal"/><w:lvlText w:val="%1."/></w:lvl></w:abstractNum>` +
	`<w:num w:numId="1"><w:abstractNumId w:val="0"/></w:num>` +
	`<w:num w:numId="2"><w:abstractNumId w:val="1"/></w:num>` +
	`</w:numbering>`

func documentXML(doc *ParsedDocument) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<w:document ` + wNS + `><w:body>`)
	for _, block := range doc.Blocks {
		writeBlock(&b, block)
	}
	// Document-level section properties close the body; header/footer
	// references attach here.
	b.WriteString(`<w:sectPr>`)
	rid := 3
	for range doc.Headers {
		fmt.Fprintf(&b, `<w:headerReference w:type="default" r:id="rId%d" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"/>`, rid)
		rid++
	}
	for range doc.Footers {
		fmt.Fprintf(&b, `<w:footerReference w:type="default" r:id="rId%d" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"/>`, rid)
		rid++
	}
	b.WriteString(`<w:pgSz w:w="12240" w:h="15840"/></w:sectPr>`)
	b.WriteString(`</w:body></w:document>`)
	return []byte(b.String())
}

func headerFooterXML(root string, hf HeaderFooter) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	fmt.Fprintf(&b, `<w:%s %s>`, root, wNS)
	for _, block := range hf.Blocks {
		writeBlock(&b, block)
	}
	fmt.Fprintf(&b, `</w:%s>`, root)
	return []byte(b.String())
}

func writeBlock(b *strings.Builder, block Block) {
	switch block.Type {
	case BlockTable:
		writeTable(b, block)
	case BlockPageBreak:
		b.WriteString(`<w:p><w:r><w:br w:type="page"/></w:r></w:p>`)
	case BlockSectionBreak:
		writeSectionBreak(b, block)
	default:
		writeParagraph(b, block)
	}
}

func writeParagraph(b *strings.Builder, block Block) {
	b.WriteString(`<w:p>`)
	writeParaProps(b, block)
	for _, run := range block.Runs {
		writeRun(b, run)
	}
	b.WriteString(`</w:p>`)
}

func writeParaProps(b *strings.Builder, block Block) {
	var props strings.Builder
	style := block.StyleName
	if block.Type == BlockHeading && style == "" && block.HeadingLevel > 0 {
		style = fmt.Sprintf("Heading%d", block.HeadingLevel)
	}
	if style != "" {
		fmt.Fprintf(&props, `<w:pStyle w:val="%s"/>`, escape(style))
	}
	if block.Type == BlockList && block.List != nil {
		numID := block.List.NumID
		if numID == 0 {
			numID = 1
			if block.List.Ordered {
				numID = 2
			}
		}
		fmt.Fprintf(&props, `<w:numPr><w:ilvl w:val="%d"/><w:numId w:val="%d"/></w:numPr>`, block.List.Level, numID)
	}
	if block.Spacing != nil {
		fmt.Fprintf(&props, `<w:spacing w:before="%d" w:after="%d"/>`, block.Spacing.Before, block.Spacing.After)
	}
	if block.Indent != nil {
		props.WriteString(`<w:ind`)
		if block.Indent.Left != 0 {
			fmt.Fprintf(&props, ` w:left="%d"`, block.Indent.Left)
		}
		if block.Indent.Right != 0 {
			fmt.Fprintf(&props, ` w:right="%d"`, block.Indent.Right)
		}
		if block.Indent.FirstLine != 0 {
			fmt.Fprintf(&props, ` w:firstLine="%d"`, block.Indent.FirstLine)
		}
		props.WriteString(`/>`)
	}
	if block.Alignment != "" {
		fmt.Fprintf(&props, `<w:jc w:val="%s"/>`, escape(block.Alignment))
	}
	if props.Len() > 0 {
		b.WriteString(`<w:pPr>`)
		b.WriteString(props.String())
		b.WriteString(`</w:pPr>`)
	}
}

func writeRun(b *strings.Builder, run Run) {
	b.WriteString(`<w:r>`)
	var props strings.Builder
	if run.Bold {
		props.WriteString(`<w:b/>`)
	}
	if run.Italic {
		props.WriteString(`<w:i/>`)
	}
	if run.Underline {
		props.WriteString(`<w:u w:val="single"/>`)
	}
	if run.Strike {
		props.WriteString(`<w:strike/>`)
	}
	if run.Font != "" {
		fmt.Fprintf(&props, `<w:rFonts w:ascii="%s"/>`, escape(run.Font))
	}
	if run.SizeHalfPoints > 0 {
		fmt.Fprintf(&props, `<w:sz w:val="%d"/>`, run.SizeHalfPoints)
	}
	if run.Color != "" {
		fmt.Fprintf(&props, `<w:color w:val="%s"/>`, escape(run.Color))
	}
	if props.Len() > 0 {
		b.WriteString(`<w:rPr>`)
		b.WriteString(props.String())
		b.WriteString(`</w:rPr>`)
	}
	fmt.Fprintf(b, `<w:t xml:space="preserve">%s</w:t>`, escape(run.Text))
	b.WriteString(`</w:r>`)
}

func writeTable(b *strings.Builder, block Block) {
	b.WriteString(`<w:tbl><w:tblPr><w:tblStyle w:val="TableGrid"/></w:tblPr>`)
	if block.Table != nil {
		for _, row := range block.Table.Rows {
			b.WriteString(`<w:tr>`)
			for _, cell := range row {
				b.WriteString(`<w:tc>`)
				if len(cell.Blocks) == 0 {
					b.WriteString(`<w:p/>`)
				}
				for _, inner := range cell.Blocks {
					writeBlock(b, inner)
				}
				b.WriteString(`</w:tc>`)
			}
			b.WriteString(`</w:tr>`)
		}
	}
	b.WriteString(`</w:tbl>`)
}

func writeSectionBreak(b *strings.Builder, block Block) {
	b.WriteString(`<w:p><w:pPr><w:sectPr>`)
	if block.Section != nil {
		orient := block.Section.Orientation
		w, h := block.Section.PageWidth, block.Section.PageHeight
		if w == 0 || h == 0 {
			w, h = 12240, 15840
			// Orientation swap flips the page dimensions.
			if orient == "landscape" {
				w, h = h, w
			}
		}
		if orient != "" && orient != "portrait" {
			fmt.Fprintf(b, `<w:pgSz w:w="%d" w:h="%d" w:orient="%s"/>`, w, h, escape(orient))
		} else {
			fmt.Fprintf(b, `<w:pgSz w:w="%d" w:h="%d"/>`, w, h)
		}
	}
	b.WriteString(`</w:sectPr></w:pPr></w:p>`)
}

func corePropertiesXML(meta map[string]string) []byte {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/">`)
	fmt.Fprintf(&b, `<dc:title>%s</dc:title>`, escape(meta["title"]))
	fmt.Fprintf(&b, `<dc:creator>%s</dc:creator>`, escape(meta["creator"]))
	fmt.Fprintf(&b, `<dc:subject>%s</dc:subject>`, escape(meta["subject"]))
	b.WriteString(`</cp:coreProperties>`)
	return []byte(b.String())
}

func escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
