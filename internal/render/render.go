// Package render turns markdown source documents into HTML pages.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/russross/blackfriday/v2"

	"knowhow/internal/filestate"
	"knowhow/internal/fsutil"
	"knowhow/internal/logging"
)

var ErrNotDocument = errors.New("not a markdown document")

// Kind selects the markdown dialect used for a document.
type Kind string

const (
	KindMarkdown      Kind = "markdown"
	KindMultiMarkdown Kind = "multimarkdown"
)

// Page is a rendered document.
type Page struct {
	Path    string
	Title   string
	Kind    Kind
	Content template.HTML
	// MTime is the source modification time in epoch milliseconds, the same
	// unit carried by change notifications.
	MTime int64
}

type Options struct {
	Logger *logging.Logger
}

type Renderer struct {
	root   string
	logger *logging.Logger
}

func NewRenderer(root string, options Options) *Renderer {
	return &Renderer{root: root, logger: options.Logger}
}

func (r *Renderer) Root() string {
	return r.root
}

// KindOf reports the dialect of docPath, or false when it is not a document.
func KindOf(docPath string) (Kind, bool) {
	switch strings.ToLower(path.Ext(docPath)) {
	case ".md", ".markdown":
		return KindMarkdown, true
	case ".mmd":
		return KindMultiMarkdown, true
	default:
		return "", false
	}
}

// Render reads docPath below the root and renders it.
func (r *Renderer) Render(ctx context.Context, docPath string) (Page, error) {
	kind, ok := KindOf(docPath)
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrNotDocument, docPath)
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	fullPath := fsutil.JoinRoot(r.root, docPath)
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Page{}, fmt.Errorf("%w: %s", filestate.ErrNotFound, docPath)
		}
		return Page{}, err
	}
	if info.IsDir() {
		return Page{}, fmt.Errorf("%w: %s is a directory", filestate.ErrNotFound, docPath)
	}
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return Page{}, err
	}

	page := RenderSource(docPath, kind, source)
	page.MTime = filestate.MTime(info.ModTime())
	r.logger.Debug("document rendered", map[string]string{
		"path":  docPath,
		"kind":  string(kind),
		"bytes": fmt.Sprint(len(page.Content)),
	})
	return page, nil
}

// RenderSource renders in-memory source. The returned page has no MTime.
func RenderSource(docPath string, kind Kind, source []byte) Page {
	var meta Metadata
	var body []byte
	if kind == KindMultiMarkdown {
		meta, body = splitMultiMarkdownMetadata(source)
	} else {
		meta, body = splitFrontMatter(source)
	}

	protected, segments := protectMath(string(normalizeNewlines(body)))
	html := blackfriday.Run([]byte(protected), blackfriday.WithExtensions(extensionsFor(kind)))
	content := restoreMath(string(html), segments)

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = path.Base(docPath)
	}
	return Page{
		Path:    docPath,
		Title:   title,
		Kind:    kind,
		Content: template.HTML(content),
	}
}

func extensionsFor(kind Kind) blackfriday.Extensions {
	extensions := blackfriday.CommonExtensions | blackfriday.AutoHeadingIDs
	if kind == KindMultiMarkdown {
		extensions |= blackfriday.Footnotes | blackfriday.DefinitionLists
	}
	return extensions
}

func normalizeNewlines(source []byte) []byte {
	source = bytes.ReplaceAll(source, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(source, []byte("\r"), []byte("\n"))
}

func firstHeading(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
	}
	return ""
}
