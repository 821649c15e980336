package exports

import (
	"bytes"
	"fmt"
	"html"
	"os"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const stylesheet = `body { font-family: Helvetica, Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #1f2933; line-height: 1.5; }
h1 { border-bottom: 2px solid #1f2933; padding-bottom: .3rem; }
h2 { margin-top: 2rem; color: #243b53; }
table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
th, td { border: 1px solid #bcccdc; padding: .4rem .6rem; text-align: left; }
th { background: #f0f4f8; }
img { max-width: 100%; }
footer { margin-top: 3rem; font-size: .8rem; color: #627d98; }`

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts markdown into a standalone HTML document.
func RenderHTML(md, title string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return nil, err
	}
	var doc bytes.Buffer
	fmt.Fprintf(&doc, "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n<style>\n%s\n</style>\n</head>\n<body>\n",
		html.EscapeString(title), stylesheet)
	doc.Write(body.Bytes())
	fmt.Fprintf(&doc, "<footer>Dossier %s</footer>\n</body>\n</html>\n", html.EscapeString(title))
	return doc.Bytes(), nil
}

// WriteHTML renders md and writes it to path.
func WriteHTML(path, md, title string) error {
	data, err := RenderHTML(md, title)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
