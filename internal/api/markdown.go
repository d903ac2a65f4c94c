package api

import (
	"bytes"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Replies are markdown; tables are common in data answers.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// format renders reply as HTML when the request asks for ?format=html.
// Rendering failures fall back to the markdown source.
func (s *Server) format(r *http.Request, reply string) string {
	if r.URL.Query().Get("format") != "html" {
		return reply
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(reply), &buf); err != nil {
		s.logger.Warn("markdown render failed", "error", err)
		return reply
	}
	return buf.String()
}
