package scopus

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// Field limits applied during normalization.
const (
	MaxDOILength    = 128
	DocTypeLength   = 2
	MaxAuthorLength = 128

	idPrefix = "SCOPUS_ID:"
)

// Normalize converts a raw upstream entry into a ResultEntry for the category.
// It returns crawler.ErrExcludedDocType for excluded subtypes and a
// *crawler.MalformedEntryError when a required field is missing.
func Normalize(searchID, category string, raw crawler.RawEntry, excluded []string) (crawler.ResultEntry, error) {
	id := strings.TrimSpace(strings.TrimPrefix(raw.Identifier, idPrefix))
	if id == "" {
		return crawler.ResultEntry{}, &crawler.MalformedEntryError{Field: "dc:identifier"}
	}

	doi := optional(raw.DOI)
	if doi != nil && utf8.RuneCountInString(*doi) > MaxDOILength {
		doi = nil
	}

	docType := optional(raw.Subtype)
	if docType != nil && len(*docType) != DocTypeLength {
		docType = nil
	}
	if docType != nil && slices.Contains(excluded, *docType) {
		return crawler.ResultEntry{}, crawler.ErrExcludedDocType
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return crawler.ResultEntry{}, &crawler.MalformedEntryError{ExternalDocID: id, Field: "dc:title"}
	}
	sourceID := strings.TrimSpace(raw.SourceID)
	if sourceID == "" {
		return crawler.ResultEntry{}, &crawler.MalformedEntryError{ExternalDocID: id, Field: "source-id"}
	}

	return crawler.ResultEntry{
		SearchID:         searchID,
		CategoryAbbr:     category,
		ExternalDocID:    id,
		DOI:              doi,
		Title:            title,
		FirstAuthor:      truncateAuthor(raw.Creator),
		DocType:          docType,
		PublicationName:  optional(raw.PublicationName),
		ExternalSourceID: sourceID,
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncateAuthor(s string) *string {
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) > MaxAuthorLength {
		s = string([]rune(s)[:MaxAuthorLength])
	}
	return &s
}
