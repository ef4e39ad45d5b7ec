package api

import (
	"bytes"
	"net/http"
	"strconv"

	"knowhow/internal/fsutil"
	"knowhow/internal/logging"
	"knowhow/internal/render"
)

const sourceMTimeHeader = "X-Knowhow-Source-Mtime"

// DocumentHandler renders markdown documents below the root and serves
// every other file as is.
type DocumentHandler struct {
	Renderer *render.Renderer
	Logger   *logging.Logger
	static   http.Handler
}

func NewDocumentHandler(renderer *render.Renderer, logger *logging.Logger) *DocumentHandler {
	return &DocumentHandler{
		Renderer: renderer,
		Logger:   logger,
		static:   http.FileServer(http.Dir(renderer.Root())),
	}
}

func (h *DocumentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.serve(w, r); err != nil {
		setSecurityHeaders(w, cacheControlNoStore)
		writeJSONError(w, err)
	}
}

func (h *DocumentHandler) serve(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(w, "GET, HEAD")
	}
	docPath, err := fsutil.CleanFSPath(r.URL.Path)
	if err != nil {
		return documentError(err)
	}
	if _, ok := render.KindOf(docPath); !ok || docPath == "." {
		setSecurityHeaders(w, cacheControlNoCache)
		h.static.ServeHTTP(w, r)
		return nil
	}

	page, err := h.Renderer.Render(r.Context(), docPath)
	if err != nil {
		apiErr := documentError(err)
		if apiErr.Status >= http.StatusInternalServerError {
			h.Logger.Error("render failed", map[string]string{
				"path":  docPath,
				"error": err.Error(),
			})
		}
		return apiErr
	}

	var body bytes.Buffer
	if r.URL.Query().Get("fragment") == "1" {
		err = render.WriteFragment(&body, page)
	} else {
		err = render.WritePage(&body, page)
	}
	if err != nil {
		h.Logger.Error("page template failed", map[string]string{
			"path":  docPath,
			"error": err.Error(),
		})
		return documentError(err)
	}

	setSecurityHeaders(w, cacheControlNoStore)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set(sourceMTimeHeader, strconv.FormatInt(page.MTime, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	_, _ = w.Write(body.Bytes())
	return nil
}
