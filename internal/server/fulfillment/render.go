package fulfillment

import (
	"bytes"
	"embed"
	"html"
	"html/template"
	"regexp"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	emailHTML  = template.Must(template.ParseFS(templateFS, "templates/email.html.tmpl"))
	emailText  = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/email.txt.tmpl"))
	letterHTML = template.Must(template.ParseFS(templateFS, "templates/letter.html.tmpl"))
)

var (
	unsafeElements = regexp.MustCompile(`(?is)<(script|style|iframe|object|embed)\b.*?</(script|style|iframe|object|embed)\s*>`)
	eventAttrs     = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsURLs         = regexp.MustCompile(`(?i)(href|src)\s*=\s*("\s*javascript:[^"]*"|'\s*javascript:[^']*')`)
	blockEnds      = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|h[1-6]|li|blockquote)>`)
	tags           = regexp.MustCompile(`<[^>]*>`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
)

type view struct {
	Subject   string
	Title     string
	WrittenOn string
	Body      template.HTML
	Text      string
	ViewURL   string
}

// cleanHTML strips active content from the stored body. The rest of the
// markup is the owner's own and is kept.
func cleanHTML(body string) template.HTML {
	body = unsafeElements.ReplaceAllString(body, "")
	body = eventAttrs.ReplaceAllString(body, "")
	body = jsURLs.ReplaceAllString(body, `$1="#"`)
	return template.HTML(body)
}

// plainText renders a best-effort text alternative of an HTML body.
func plainText(body string) string {
	body = blockEnds.ReplaceAllString(body, "\n")
	body = tags.ReplaceAllString(body, "")
	body = html.UnescapeString(body)

	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func writtenOn(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}

// RenderEmail returns the HTML and plain-text bodies of a delivery email.
func RenderEmail(subject string, p Payload, viewURL string) (htmlBody, textBody string, err error) {
	body := cleanHTML(p.Content.BodyHTML)
	v := view{
		Subject:   subject,
		Title:     p.Title,
		WrittenOn: writtenOn(p.WrittenAt),
		Body:      body,
		Text:      plainText(string(body)),
		ViewURL:   viewURL,
	}

	var hb, tb bytes.Buffer
	if err := emailHTML.Execute(&hb, v); err != nil {
		return "", "", err
	}
	if err := emailText.Execute(&tb, v); err != nil {
		return "", "", err
	}
	return hb.String(), tb.String(), nil
}

// RenderLetter returns the print-ready HTML document of a physical letter.
func RenderLetter(p Payload) (string, error) {
	var b bytes.Buffer
	err := letterHTML.Execute(&b, view{
		Title:     p.Title,
		WrittenOn: writtenOn(p.WrittenAt),
		Body:      cleanHTML(p.Content.BodyHTML),
	})
	return b.String(), err
}
