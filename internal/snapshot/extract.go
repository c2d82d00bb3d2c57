package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/kalambet/cihq/internal/apperr"
)

const (
	headingSelector = "h1,h2,h3,h4,h5,h6"
	buttonSelector  = `button, .btn, [role="button"], input[type="submit"], a[class*="btn"]`
	navLinkSelector = "nav a, .nav a, .menu a, .navigation a"
)

var (
	spaceRe     = regexp.MustCompile(`[ \t\f\r\v\x{00a0}]+`)
	blankLineRe = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+`)
)

var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "td": true, "th": true, "tr": true, "ul": true,
}

// minArticleLength is the shortest readability article, in runes, that
// replaces the body text.
const minArticleLength = 200

// Extractor builds snapshots from HTML documents.
type Extractor struct {
	// FullBody keeps the text of the whole body even when readability
	// finds an article.
	FullBody bool
}

// Extract parses an HTML document with the default extractor.
func Extract(r io.Reader, pageURL, contentType string) (*Snapshot, error) {
	return (&Extractor{}).Extract(r, pageURL, contentType)
}

// Extract parses an HTML document into a Snapshot. Missing optional
// elements leave their fields empty.
func (e *Extractor) Extract(r io.Reader, pageURL, contentType string) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading document: %v", apperr.ErrExtractionFailure, err)
	}

	enc, _, _ := charset.DetermineEncoding(data, contentType)
	utf8data, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: decoding document: %v", apperr.ErrExtractionFailure, err)
		}
		utf8data = data
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8data))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing document: %v", apperr.ErrExtractionFailure, err)
	}
	doc.Find("script,noscript,style,template").Remove()

	s := &Snapshot{
		URL:      pageURL,
		Title:    Truncate(collapse(doc.Find("title").First().Text()), MaxTitle),
		Metadata: map[string]string{},
	}

	doc.Find(headingSelector).Each(func(_ int, sel *goquery.Selection) {
		text := collapse(sel.Text())
		if text == "" || !fits(text, MaxHeading) || len(s.Headings) >= MaxItems {
			return
		}
		level := int(goquery.NodeName(sel)[1] - '0')
		s.Headings = append(s.Headings, Heading{Level: level, Text: text})
	})

	doc.Find(buttonSelector).Each(func(_ int, sel *goquery.Selection) {
		text := collapse(sel.Text())
		if goquery.NodeName(sel) == "input" {
			text = collapse(sel.AttrOr("value", ""))
		}
		s.Buttons = appendCapped(s.Buttons, text, MaxButton)
	})

	doc.Find(navLinkSelector).Each(func(_ int, sel *goquery.Selection) {
		s.Links = appendCapped(s.Links, collapse(sel.Text()), MaxLink)
	})

	doc.Find("img[alt]").Each(func(_ int, sel *goquery.Selection) {
		s.Images = appendCapped(s.Images, collapse(sel.AttrOr("alt", "")), MaxImageAlt)
	})

	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		if len(s.Forms) >= MaxItems {
			return
		}
		f := Form{
			Action: strings.TrimSpace(sel.AttrOr("action", "")),
			Method: strings.ToUpper(strings.TrimSpace(sel.AttrOr("method", "get"))),
		}
		if !fits(f.Action, MaxFormAction) {
			f.Action = ""
		}
		sel.Find("input,select,textarea").Each(func(_ int, field *goquery.Selection) {
			if field.AttrOr("type", "") == "hidden" {
				return
			}
			label := field.AttrOr("name", "")
			if label == "" {
				label = field.AttrOr("placeholder", "")
			}
			f.Fields = appendCapped(f.Fields, collapse(label), MaxFormField)
		})
		s.Forms = append(s.Forms, f)
	})

	doc.Find("meta[name],meta[property]").Each(func(_ int, sel *goquery.Selection) {
		key := sel.AttrOr("name", "")
		if key == "" {
			key = sel.AttrOr("property", "")
		}
		val := strings.TrimSpace(sel.AttrOr("content", ""))
		if key == "" || val == "" || !fits(key, MaxMetaKey) || !fits(val, MaxMetaValue) {
			return
		}
		s.Metadata[key] = val
	})

	s.TextContent = bodyText(doc.Find("body"))
	e.applyReadability(s, utf8data, pageURL)
	s.TextContent = Truncate(s.TextContent, MaxTextContent)

	return s, nil
}

// applyReadability fills gaps from the readability article: a missing title,
// the excerpt and site name, and the main text unless FullBody is set.
func (e *Extractor) applyReadability(s *Snapshot, data []byte, pageURL string) {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = nil
	}
	article, err := readability.FromReader(bytes.NewReader(data), u)
	if err != nil {
		return
	}
	if s.Title == "" {
		s.Title = Truncate(collapse(article.Title), MaxTitle)
	}
	if ex := collapse(article.Excerpt); ex != "" && fits(ex, MaxMetaValue) {
		if _, ok := s.Metadata["description"]; !ok {
			s.Metadata["description"] = ex
		}
	}
	if site := collapse(article.SiteName); site != "" && fits(site, MaxMetaValue) {
		s.Metadata["site_name"] = site
	}
	if e.FullBody || article.Node == nil || article.Length < minArticleLength {
		return
	}
	if text := bodyText(goquery.NewDocumentFromNode(article.Node).Selection); text != "" {
		s.TextContent = text
	}
}

// bodyText renders the visible text of sel with blank lines between block
// elements so paragraphs survive as "\n\n"-separated sections.
func bodyText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if blockTags[n.Data] {
				b.WriteString("\n\n")
				defer b.WriteString("\n\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return normalizeText(b.String())
}

func normalizeText(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func appendCapped(items []string, text string, max int) []string {
	if text == "" || !fits(text, max) || len(items) >= MaxItems {
		return items
	}
	return append(items, text)
}
