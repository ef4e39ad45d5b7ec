package render

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is the document header: YAML front matter for markdown, a
// key/value block for multimarkdown.
type Metadata struct {
	Title  string   `yaml:"title"`
	Author string   `yaml:"author"`
	Tags   []string `yaml:"tags"`
}

const frontMatterDelimiter = "---"

// splitFrontMatter separates a leading "---" delimited YAML block from the
// body. Malformed front matter is left in the body untouched.
func splitFrontMatter(source []byte) (Metadata, []byte) {
	text := string(normalizeNewlines(source))
	if !strings.HasPrefix(text, frontMatterDelimiter+"\n") {
		return Metadata{}, source
	}
	rest := text[len(frontMatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelimiter)
	if end < 0 {
		return Metadata{}, source
	}
	header := rest[:end]
	after := rest[end+len(frontMatterDelimiter)+1:]
	if newline := strings.IndexByte(after, '\n'); newline >= 0 {
		if strings.TrimSpace(after[:newline]) != "" {
			return Metadata{}, source
		}
		after = after[newline+1:]
	} else if strings.TrimSpace(after) != "" {
		return Metadata{}, source
	} else {
		after = ""
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return Metadata{}, source
	}
	return meta, []byte(after)
}

// splitMultiMarkdownMetadata reads the "Key: value" lines that open a
// multimarkdown document, up to the first blank line.
func splitMultiMarkdownMetadata(source []byte) (Metadata, []byte) {
	text := normalizeNewlines(source)
	if bytes.HasPrefix(text, []byte(frontMatterDelimiter+"\n")) {
		return splitFrontMatter(text)
	}
	end := bytes.Index(text, []byte("\n\n"))
	if end < 0 {
		return Metadata{}, source
	}
	header := text[:end]
	for _, line := range bytes.Split(header, []byte("\n")) {
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || len(bytes.TrimSpace(key)) == 0 || bytes.ContainsAny(key, "#<[") ||
			key[0] == ' ' || key[0] == '\t' || bytes.HasPrefix(value, []byte("//")) {
			return Metadata{}, source
		}
	}

	var meta Metadata
	for _, line := range bytes.Split(header, []byte("\n")) {
		key, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimSpace(value)
		switch strings.ToLower(string(bytes.TrimSpace(key))) {
		case "title":
			meta.Title = string(value)
		case "author":
			meta.Author = string(value)
		case "tags", "keywords":
			for _, tag := range strings.Split(string(value), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					meta.Tags = append(meta.Tags, tag)
				}
			}
		}
	}
	return meta, text[end+2:]
}
