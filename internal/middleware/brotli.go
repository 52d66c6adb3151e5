package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliOptions tunes response compression.
type BrotliOptions struct {
	Quality   int
	MinLength int
	// SkipPaths are route prefixes that are never compressed.
	SkipPaths []string
}

// DefaultBrotliOptions compresses anything over 1 KiB at the library default quality.
func DefaultBrotliOptions() BrotliOptions {
	return BrotliOptions{Quality: brotli.DefaultCompression, MinLength: 1024}
}

// brotliWriter holds output until MinLength bytes have been written so that
// small JSON bodies go out uncompressed.
type brotliWriter struct {
	gin.ResponseWriter
	enc       *brotli.Writer
	pending   []byte
	minLength int
	started   bool
}

func (w *brotliWriter) Write(p []byte) (int, error) {
	if w.started {
		return w.enc.Write(p)
	}

	w.pending = append(w.pending, p...)
	if len(w.pending) < w.minLength {
		return len(p), nil
	}

	w.started = true
	h := w.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	if _, err := w.enc.Write(w.pending); err != nil {
		return 0, err
	}
	w.pending = nil
	return len(p), nil
}

func (w *brotliWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// finish writes any short body uncompressed or closes the brotli stream.
func (w *brotliWriter) finish() error {
	if w.started {
		return w.enc.Close()
	}
	if len(w.pending) == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.pending)
	w.pending = nil
	return err
}

// Brotli compresses responses for clients that accept "br".
// WebSocket upgrades and event streams pass through untouched.
func Brotli(opts BrotliOptions) gin.HandlerFunc {
	if opts.Quality < brotli.BestSpeed || opts.Quality > brotli.BestCompression {
		opts.Quality = brotli.DefaultCompression
	}
	if opts.MinLength <= 0 {
		opts.MinLength = 1024
	}

	encoders := sync.Pool{
		New: func() any { return brotli.NewWriterLevel(nil, opts.Quality) },
	}

	return func(c *gin.Context) {
		if !compressible(c, opts.SkipPaths) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		enc := encoders.Get().(*brotli.Writer)
		enc.Reset(c.Writer)

		w := &brotliWriter{ResponseWriter: c.Writer, enc: enc, minLength: opts.MinLength}
		c.Writer = w

		defer func() {
			if err := w.finish(); err != nil {
				_ = c.Error(err)
			}
			encoders.Put(enc)
		}()

		c.Next()
	}
}

func compressible(c *gin.Context, skipPaths []string) bool {
	if c.Request.Method == http.MethodHead {
		return false
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return false
	}
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return false
	}
	for _, p := range skipPaths {
		if strings.HasPrefix(c.Request.URL.Path, p) {
			return false
		}
	}

	for _, enc := range strings.Split(c.GetHeader("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
