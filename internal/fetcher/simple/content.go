package simplefetch

import (
	"net/url"
	"path"
	"strings"

	"github.com/webpeel/webpeel/internal/fetch"
)

type docKind int

const (
	docText docKind = iota
	docPDF
	docDOCX
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var textLikePrefixes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/xhtml+xml",
	"application/javascript",
	"application/x-javascript",
	"application/rss+xml",
	"application/atom+xml",
}

// classifyContent gates responses into text-like content or one of the two
// supported binary document kinds. Servers that mislabel a supported
// document as octet-stream are recovered via the URL extension.
func classifyContent(contentType, rawURL string) (docKind, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case ct == "" || isTextLike(ct):
		return docText, nil
	case ct == mimePDF:
		return docPDF, nil
	case ct == mimeDOCX:
		return docDOCX, nil
	case strings.HasSuffix(ct, "+xml") || strings.HasSuffix(ct, "+json"):
		return docText, nil
	case ct == "application/octet-stream":
		switch extensionOf(rawURL) {
		case ".pdf":
			return docPDF, nil
		case ".docx":
			return docDOCX, nil
		}
	}
	return docText, fetch.Invalid("unsupported binary content type %q", contentType)
}

func isTextLike(ct string) bool {
	for _, prefix := range textLikePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}
