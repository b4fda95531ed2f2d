package render

import (
	"net/url"
	"strings"

	gohtml "golang.org/x/net/html"
)

const (
	googleFontsCSSHost  = "fonts.googleapis.com"
	googleFontsDataHost = "fonts.gstatic.com"
)

// whiteBackgroundStyle forces an opaque white page background. Injected
// before navigation so the first paint is already correct.
const whiteBackgroundStyle = `<style>html{background:#ffffff}</style>`

// googleFontsURL builds a CSS2 stylesheet URL for the given families.
// Family names are query-encoded (spaces become '+'); a variant suffix such
// as ":wght@400;700" is part of the query grammar and passes through raw.
func googleFontsURL(fonts []string) string {
	var sb strings.Builder
	sb.WriteString("https://" + googleFontsCSSHost + "/css2")
	for i, font := range fonts {
		if i == 0 {
			sb.WriteString("?family=")
		} else {
			sb.WriteString("&family=")
		}
		family := font
		variant := ""
		if colon := strings.Index(font, ":"); colon >= 0 {
			family = font[:colon]
			variant = font[colon:]
		}
		sb.WriteString(url.QueryEscape(strings.TrimSpace(family)))
		sb.WriteString(variant)
	}
	sb.WriteString("&display=swap")
	return sb.String()
}

// googleFontsLinks builds the preconnect and stylesheet tags for the
// requested font families.
func googleFontsLinks(fonts []string) string {
	var sb strings.Builder
	sb.WriteString(`<link rel="preconnect" href="https://` + googleFontsCSSHost + `">`)
	sb.WriteString(`<link rel="preconnect" href="https://` + googleFontsDataHost + `" crossorigin>`)
	sb.WriteString(`<link rel="stylesheet" href="` + googleFontsURL(fonts) + `">`)
	return sb.String()
}

// composeDocument builds the final HTML handed to the page: the user CSS as
// a <style> block, Google Fonts links when requested, and a white base
// background unless transparency was asked for. Everything is injected
// before </head>, or prepended when the document has no head element.
func composeDocument(req *Request) string {
	var inject strings.Builder
	if req.Background == "white" {
		inject.WriteString(whiteBackgroundStyle)
	}
	if req.CSS != "" {
		inject.WriteString("<style>")
		inject.WriteString(req.CSS)
		inject.WriteString("</style>")
	}
	if req.UseGoogleFonts() {
		inject.WriteString(googleFontsLinks(req.GoogleFonts))
	}
	if inject.Len() == 0 {
		return req.HTML
	}

	if off, ok := headEndOffset(req.HTML); ok {
		return req.HTML[:off] + inject.String() + req.HTML[off:]
	}
	return inject.String() + req.HTML
}

// headEndOffset returns the byte offset of the </head> end tag, using the
// tokenizer so that markup inside scripts, comments or attribute values is
// not mistaken for it.
func headEndOffset(doc string) (int, bool) {
	tokenizer := gohtml.NewTokenizer(strings.NewReader(doc))
	offset := 0
	for {
		tt := tokenizer.Next()
		if tt == gohtml.ErrorToken {
			return 0, false
		}
		raw := tokenizer.Raw()
		if tt == gohtml.EndTagToken {
			if name, _ := tokenizer.TagName(); strings.EqualFold(string(name), "head") {
				return offset, true
			}
		}
		offset += len(raw)
	}
}
