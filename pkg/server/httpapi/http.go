package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/jacktea/filecenter/pkg/filecenter"
	"github.com/jacktea/filecenter/pkg/server/middleware"
	"github.com/jacktea/filecenter/pkg/xerrors"
)

// Server exposes a file center over a simple HTTP+JSON API. Files are
// addressed by their encrypted id token only; raw record ids never cross
// the wire.
type Server struct {
	Center *filecenter.Center
	Log    *log.Logger
	Opts   Options
}

// Options configure auth, rate limiting, and the upload body cap.
type Options struct {
	APIKey         string
	RateLimit      middleware.RateLimitOptions
	MaxUploadBytes int64
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

// Router builds the full handler chain, exported so tests can drive it
// through httptest without a listener.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/files", s.handleUpload)
	mux.HandleFunc("/files/", s.handleFile)
	mux.HandleFunc("/gc", s.handleGC)
	return s.applyMiddleware(mux)
}

type uploadResponse struct {
	Token     string `json:"token"`
	Size      int64  `json:"size"`
	Temporary bool   `json:"temporary"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	temporary := q.Get("temporary") == "1" || strings.EqualFold(q.Get("temporary"), "true")

	opts := filecenter.PutOptions{
		FileName:  q.Get("file_name"),
		Temporary: temporary,
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			opts.MIMEType = mt
		}
	}

	counted := &countingReader{r: r.Body}
	id, err := s.Center.Put(ctx, filecenter.FromReader(counted), opts)
	if err != nil {
		s.httpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(uploadResponse{
		Token:     s.Center.EncryptID(id),
		Size:      counted.n,
		Temporary: temporary,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.URL.Path, "/files/")
	if tok == "" || strings.Contains(tok, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.serveFile(r.Context(), w, tok)
	case http.MethodHead:
		s.statFile(r.Context(), w, tok)
	case http.MethodDelete:
		s.deleteFile(r.Context(), w, tok)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveFile(ctx context.Context, w http.ResponseWriter, tok string) {
	item, err := s.Center.GetByToken(ctx, tok)
	if err != nil {
		s.httpError(w, err)
		return
	}
	defer item.Data.Close()

	if item.MIMEType != "" {
		w.Header().Set("Content-Type", item.MIMEType)
	}
	if item.FileName != "" {
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": item.FileName}))
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", item.Size))
	rc := item.Data.Open()
	if _, err := io.Copy(w, rc); err != nil && s.Log != nil {
		s.Log.Printf("httpapi: stream %s: %v", tok, err)
	}
}

func (s *Server) statFile(ctx context.Context, w http.ResponseWriter, tok string) {
	// HEAD consumes a temporary file just like GET would; there is no
	// peek-without-consume for single-use files.
	item, err := s.Center.GetByToken(ctx, tok)
	if err != nil {
		s.httpError(w, err)
		return
	}
	defer item.Data.Close()
	if item.MIMEType != "" {
		w.Header().Set("Content-Type", item.MIMEType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", item.Size))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteFile(ctx context.Context, w http.ResponseWriter, tok string) {
	id, err := s.Center.DecryptIDToken(tok)
	if err != nil {
		s.httpError(w, err)
		return
	}
	if err := s.Center.Delete(ctx, id); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reclaimed, err := s.Center.ClearGarbage(r.Context())
	if err != nil {
		s.httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Reclaimed int `json:"reclaimed"`
	}{Reclaimed: reclaimed})
}

// httpError maps error kinds to status codes. Invalid tokens report 404
// like unknown ids, so callers cannot distinguish a forged token from a
// consumed or missing file.
func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound, xerrors.KindInvalidToken:
		status = http.StatusNotFound
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case xerrors.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError && s.Log != nil {
		s.Log.Printf("httpapi: %v", err)
	}
	http.Error(w, http.StatusText(status), status)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	return middleware.Wrap(handler,
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
		middleware.MaxBodyBytes(s.Opts.MaxUploadBytes),
	)
}
