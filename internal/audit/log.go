// Package audit captures a per-request audit entry on the request context.
// Handlers and middleware enrich the entry as the request progresses; the
// middleware writes it exactly once when the request completes, panics
// included.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level audit entries are written at. Audit entries are
// operational records, not diagnostics: they are always written regardless
// of the logger's verbosity for ordinary events.
const Level = zerolog.InfoLevel

type entryContextKey struct{}

// Entry is the audit record for a single request.
type Entry struct {
	Method      string
	Path        string
	SourceIP    string
	UserAgent   string
	RequestedAt time.Time
	Status      int

	// authentication outcome
	Authorized   bool
	Scheme       string
	UserID       string
	Decision     string
	LogoutReason string

	Error string
}

// MarshalZerologObject writes the entry fields, omitting empties.
func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("method", e.Method).
		Str("path", e.Path).
		Time("requestedAt", e.RequestedAt).
		Int("status", e.Status)

	oe := NewOptionalEvent(nil)
	oe.Str("sourceIp", e.SourceIP).
		Str("userAgent", e.UserAgent)
	oe.Set(ev, "request")

	auth := NewOptionalEvent(nil)
	if e.Authorized {
		auth.Bool("authorized", e.Authorized)
	}
	auth.Str("scheme", e.Scheme).
		Str("userId", e.UserID).
		Str("decision", e.Decision).
		Str("logoutReason", e.LogoutReason)
	auth.Set(ev, "auth")

	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Context returns a context carrying an audit entry, creating one when
// absent, along with the entry itself.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{RequestedAt: time.Now().UTC()}
	return context.WithValue(ctx, entryContextKey{}, entry), entry
}

// Log returns the entry from the context. A detached entry is returned when
// the middleware is not active, so enrichment never needs a nil check; the
// detached entry is simply never written.
func Log(ctx context.Context) *Entry {
	if entry, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return entry
	}
	return &Entry{}
}

// Middleware attaches an audit entry to each request and writes it on
// completion. A panic in the handler chain still produces an audit record
// before the panic is re-raised.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())

			entry.Method = r.Method
			entry.Path = r.URL.Path
			entry.SourceIP = r.RemoteAddr
			entry.UserAgent = r.UserAgent()

			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				if recovered := recover(); recovered != nil {
					if entry.Error == "" {
						entry.Error = "panic during request handling"
					}
					entry.Status = http.StatusInternalServerError
					write(ctx, entry)
					panic(recovered)
				}

				entry.Status = sw.status()
				write(ctx, entry)
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

func write(ctx context.Context, entry *Entry) {
	log.Ctx(ctx).WithLevel(Level).EmbedObject(entry).Msg("audit")
}

// statusWriter records the response status for the audit entry.
type statusWriter struct {
	http.ResponseWriter
	wroteStatus int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.wroteStatus = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) status() int {
	if w.wroteStatus == 0 {
		return http.StatusOK
	}
	return w.wroteStatus
}
