package conversion

import (
	"path/filepath"
	"sort"
	"strings"
)

// Family groups documents LibreOffice loads with the same component.
type Family string

const (
	FamilyText         Family = "text"
	FamilySpreadsheet  Family = "spreadsheet"
	FamilyPresentation Family = "presentation"
	FamilyDrawing      Family = "drawing"
)

// Format is a document format known to the converter.
type Format struct {
	Name       string
	Extensions []string
	MediaType  string

	// Family is the family a document in this format loads as. Empty for
	// output-only formats.
	Family Family

	// StoreFilters names the LibreOffice export filter to use when writing
	// this format from a document of each family. A format with no entry
	// for a family cannot be produced from it.
	StoreFilters map[Family]string
}

// Extension returns the primary file extension.
func (f Format) Extension() string { return f.Extensions[0] }

var formats = []Format{
	{Name: "Portable Document Format", Extensions: []string{"pdf"}, MediaType: "application/pdf", Family: FamilyDrawing,
		StoreFilters: map[Family]string{
			FamilyText:         "writer_pdf_Export",
			FamilySpreadsheet:  "calc_pdf_Export",
			FamilyPresentation: "impress_pdf_Export",
			FamilyDrawing:      "draw_pdf_Export",
		}},
	{Name: "HTML", Extensions: []string{"html", "htm"}, MediaType: "text/html", Family: FamilyText,
		StoreFilters: map[Family]string{
			FamilyText:         "HTML (StarWriter)",
			FamilySpreadsheet:  "HTML (StarCalc)",
			FamilyPresentation: "impress_html_Export",
		}},
	{Name: "OpenDocument Text", Extensions: []string{"odt"}, MediaType: "application/vnd.oasis.opendocument.text", Family: FamilyText,
		StoreFilters: map[Family]string{FamilyText: "writer8"}},
	{Name: "Microsoft Word", Extensions: []string{"doc"}, MediaType: "application/msword", Family: FamilyText,
		StoreFilters: map[Family]string{FamilyText: "MS Word 97"}},
	{Name: "Word 2007-365", Extensions: []string{"docx"}, MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Family: FamilyText,
		StoreFilters: map[Family]string{FamilyText: "MS Word 2007 XML"}},
	{Name: "Rich Text Format", Extensions: []string{"rtf"}, MediaType: "text/rtf", Family: FamilyText,
		StoreFilters: map[Family]string{FamilyText: "Rich Text Format"}},
	{Name: "Plain Text", Extensions: []string{"txt"}, MediaType: "text/plain", Family: FamilyText,
		StoreFilters: map[Family]string{FamilyText: "Text"}},
	{Name: "OpenDocument Spreadsheet", Extensions: []string{"ods"}, MediaType: "application/vnd.oasis.opendocument.spreadsheet", Family: FamilySpreadsheet,
		StoreFilters: map[Family]string{FamilySpreadsheet: "calc8"}},
	{Name: "Microsoft Excel", Extensions: []string{"xls"}, MediaType: "application/vnd.ms-excel", Family: FamilySpreadsheet,
		StoreFilters: map[Family]string{FamilySpreadsheet: "MS Excel 97"}},
	{Name: "Excel 2007-365", Extensions: []string{"xlsx"}, MediaType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Family: FamilySpreadsheet,
		StoreFilters: map[Family]string{FamilySpreadsheet: "Calc MS Excel 2007 XML"}},
	{Name: "Comma Separated Values", Extensions: []string{"csv"}, MediaType: "text/csv", Family: FamilySpreadsheet,
		StoreFilters: map[Family]string{FamilySpreadsheet: "Text - txt - csv (StarCalc)"}},
	{Name: "OpenDocument Presentation", Extensions: []string{"odp"}, MediaType: "application/vnd.oasis.opendocument.presentation", Family: FamilyPresentation,
		StoreFilters: map[Family]string{FamilyPresentation: "impress8"}},
	{Name: "Microsoft PowerPoint", Extensions: []string{"ppt"}, MediaType: "application/vnd.ms-powerpoint", Family: FamilyPresentation,
		StoreFilters: map[Family]string{FamilyPresentation: "MS PowerPoint 97"}},
	{Name: "PowerPoint 2007-365", Extensions: []string{"pptx"}, MediaType: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Family: FamilyPresentation,
		StoreFilters: map[Family]string{FamilyPresentation: "Impress MS PowerPoint 2007 XML"}},
	{Name: "OpenDocument Drawing", Extensions: []string{"odg"}, MediaType: "application/vnd.oasis.opendocument.graphics", Family: FamilyDrawing,
		StoreFilters: map[Family]string{FamilyDrawing: "draw8"}},
	{Name: "PNG Image", Extensions: []string{"png"}, MediaType: "image/png",
		StoreFilters: map[Family]string{FamilyPresentation: "impress_png_Export", FamilyDrawing: "draw_png_Export"}},
	{Name: "JPEG Image", Extensions: []string{"jpg", "jpeg"}, MediaType: "image/jpeg",
		StoreFilters: map[Family]string{FamilyPresentation: "impress_jpg_Export", FamilyDrawing: "draw_jpg_Export"}},
	{Name: "Scalable Vector Graphics", Extensions: []string{"svg"}, MediaType: "image/svg+xml",
		StoreFilters: map[Family]string{FamilyPresentation: "impress_svg_Export", FamilyDrawing: "draw_svg_Export"}},
}

var (
	byExtension = map[string]Format{}
	byMediaType = map[string]Format{}
)

func init() {
	for _, f := range formats {
		for _, ext := range f.Extensions {
			byExtension[ext] = f
		}
		byMediaType[f.MediaType] = f
	}
}

// ByExtension looks up a format by file extension, with or without the dot.
func ByExtension(ext string) (Format, bool) {
	f, ok := byExtension[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return f, ok
}

// ByMediaType looks up a format by media type. Parameters are ignored.
func ByMediaType(mediaType string) (Format, bool) {
	mediaType, _, _ = strings.Cut(mediaType, ";")
	f, ok := byMediaType[strings.ToLower(strings.TrimSpace(mediaType))]
	return f, ok
}

// ByFilename looks up a format by the extension of name.
func ByFilename(name string) (Format, bool) {
	return ByExtension(filepath.Ext(name))
}

// OutputFormats returns the extensions of every format that can be produced
// from a document of family, sorted.
func OutputFormats(family Family) []string {
	var exts []string
	for _, f := range formats {
		if _, ok := f.StoreFilters[family]; ok {
			exts = append(exts, f.Extension())
		}
	}
	sort.Strings(exts)
	return exts
}

// StoreFilter returns the export filter for writing target from a document
// in source. It reports false when either format is unknown, the source
// cannot be loaded, or the pair is not convertible.
func StoreFilter(source, target string) (string, bool) {
	src, ok := ByExtension(source)
	if !ok || src.Family == "" {
		return "", false
	}
	dst, ok := ByExtension(target)
	if !ok {
		return "", false
	}
	filter, ok := dst.StoreFilters[src.Family]
	return filter, ok
}
