package extractor

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const truncationMarker = "\n...[content truncated]"

var (
	blankRuns = regexp.MustCompile(`\n{3,}`)

	boilerplateSelectors = []string{
		"script, style, noscript, nav, header, footer, aside, form, iframe, svg, button, input",
		`[role="navigation"], [role="banner"], [role="contentinfo"], [aria-modal]`,
	}
	boilerplateKeywords = []string{
		"cookie", "consent", "navbar", "nav-", "menu-", "breadcrumb",
		"share", "signup", "signin", "login", "advert", "promo", "modal", "popup",
	}
	mainSelectors = []string{"main", `[role="main"]`, "#content", "#main", "article"}
)

// Markdown renders the main content of an HTML page as markdown with the
// usual site chrome removed. Relative links are resolved against pageURL.
// maxChars <= 0 disables truncation.
func Markdown(body []byte, pageURL string, maxChars int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	content := mainContent(doc)
	stripBoilerplate(content)
	absolutizeLinks(content, pageURL)

	html, err := content.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return truncate(strings.TrimSpace(out), maxChars), nil
}

func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range mainSelectors {
		if found := doc.Find(sel); found.Length() > 0 {
			return found.First()
		}
	}
	return doc.Find("body")
}

func stripBoilerplate(sel *goquery.Selection) {
	for _, q := range boilerplateSelectors {
		sel.Find(q).Remove()
	}
	sel.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		lower := strings.ToLower(class + " " + id)
		for _, kw := range boilerplateKeywords {
			if strings.Contains(lower, kw) {
				s.Remove()
				return
			}
		}
	})
}

func absolutizeLinks(sel *goquery.Selection, pageURL string) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return
	}
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		a.SetAttr("href", resolve(base, href))
	})
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + truncationMarker
}
