// Package keyserver exposes a small HTTP surface next to the mailbox:
// it publishes the bot's official public key and accepts uploaded
// correspondent keys, which land in the same store the poller reads.
package keyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/model"
	"github.com/emailsec/decoybot/internal/pgp"
	"github.com/emailsec/decoybot/internal/store"
)

const maxUploadBytes = 1 << 20

// Server serves the key endpoints.
type Server struct {
	cfg      model.KeyServerConfig
	store    store.Store
	official *pgp.Identity
	log      hclog.Logger
}

func New(cfg model.KeyServerConfig, st store.Store, official *pgp.Identity, log hclog.Logger) *Server {
	return &Server{cfg: cfg, store: st, official: official, log: log.Named("keyserver")}
}

// Handler builds the route table. Split out so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /", s.handleGet)
	return mux
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("key server listening", "addr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down key server: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("key server: %w", err)
	}
}

// handleGet serves the bot's own public key as a virtual
// "<address> pub.asc" file, and anything else from the static root.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")

	switch name {
	case s.official.Email() + " pub.asc", s.official.Email() + " pub.txt":
		armor, err := s.official.PublicKeyArmor()
		if err != nil {
			s.log.Error("rendering public key", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		contentType := "application/pgp-keys"
		if strings.HasSuffix(name, ".txt") {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		io.WriteString(w, armor)
	default:
		if s.cfg.RootDir == "" {
			http.NotFound(w, r)
			return
		}
		// path.Clean above already collapsed any .. traversal.
		http.ServeFile(w, r, path.Join(s.cfg.RootDir, name))
	}
}

// handleUpload stores an uploaded armored key for every address its
// user ids name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	armored := r.FormValue("key")
	if armored == "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable request", http.StatusBadRequest)
			return
		}
		armored = string(body)
	}

	infos, err := pgp.ScanKeys(armored)
	if err != nil || len(infos) == 0 {
		s.log.Warn("rejected key upload", "error", err)
		http.Error(w, "not a usable key", http.StatusBadRequest)
		return
	}

	stored := 0
	for _, info := range infos {
		for _, email := range info.Emails {
			if err := s.store.SetPublicKey(r.Context(), email, armored); err != nil {
				s.log.Error("storing uploaded key", "email", email, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			stored++
		}
	}
	if stored == 0 {
		http.Error(w, "key has no email user ids", http.StatusBadRequest)
		return
	}

	s.log.Info("stored uploaded key", "addresses", stored)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "stored key for %d address(es)\n", stored)
}
