package render

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
)

//go:embed assets
var assetsFS embed.FS

// ClientScriptPath is where the page expects the live reload client.
const ClientScriptPath = "/_knowhow/client.js"

const mathJaxURL = "https://cdn.jsdelivr.net/npm/mathjax@3/es5/tex-chtml.js"

var pageTemplate = template.Must(template.ParseFS(assetsFS, "assets/page.html.tmpl"))

// PageMetadata is embedded in every rendered page for the client script.
type PageMetadata struct {
	RequestPath string `json:"requestPath"`
	SourceMTime int64  `json:"sourceMTime"`
}

type pageView struct {
	Title        string
	Content      template.HTML
	Metadata     PageMetadata
	ClientScript string
	MathJaxURL   string
}

// WritePage writes page as a complete HTML document.
func WritePage(w io.Writer, page Page) error {
	return pageTemplate.ExecuteTemplate(w, "page.html.tmpl", pageView{
		Title:   page.Title,
		Content: page.Content,
		Metadata: PageMetadata{
			RequestPath: page.Path,
			SourceMTime: page.MTime,
		},
		ClientScript: ClientScriptPath,
		MathJaxURL:   mathJaxURL,
	})
}

// WriteFragment writes only the rendered content, used for in-place refresh.
func WriteFragment(w io.Writer, page Page) error {
	_, err := io.WriteString(w, string(page.Content))
	return err
}

// Assets exposes the static client files (client.js, page.css).
func Assets() fs.FS {
	sub, err := fs.Sub(assetsFS, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}
