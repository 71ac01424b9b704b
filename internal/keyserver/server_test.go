package keyserver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/emailsec/decoybot/internal/keyserver"
	"github.com/emailsec/decoybot/internal/model"
	"github.com/emailsec/decoybot/internal/store"
	"github.com/emailsec/decoybot/tests/testutil"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()

	official, _, _ := testutil.Keys(t)
	st := testutil.NewTestStore(t)
	srv := keyserver.New(model.KeyServerConfig{}, st, official.Identity, hclog.NewNullLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func TestServesOwnPublicKey(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, name := range []string{"bot@example.org pub.asc", "bot@example.org pub.txt"} {
		path := "/" + url.PathEscape(name)
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
		if !strings.Contains(string(body), "BEGIN PGP PUBLIC KEY BLOCK") {
			t.Errorf("GET %s did not return an armored key", path)
		}
	}
}

func TestUnknownPathIs404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/other@example.org.asc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUploadStoresKeyForEveryAddress(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	ts, st := newTestServer(t)

	resp, err := http.PostForm(ts.URL+"/upload", url.Values{"key": {corr.PublicArmor}})
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	key, ok, err := st.PublicKey(context.Background(), "alice@example.com")
	if err != nil || !ok {
		t.Fatalf("PublicKey = ok=%v err=%v, want stored", ok, err)
	}
	if key != corr.PublicArmor {
		t.Error("stored key differs from the uploaded one")
	}
}

func TestUploadAcceptsRawBody(t *testing.T) {
	_, _, corr := testutil.Keys(t)
	ts, st := newTestServer(t)

	resp, err := http.Post(ts.URL+"/upload", "application/pgp-keys",
		strings.NewReader(corr.PublicArmor))
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if _, ok, _ := st.PublicKey(context.Background(), "alice@example.com"); !ok {
		t.Fatal("uploaded key not stored")
	}
}

func TestUploadRejectsGarbage(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.PostForm(ts.URL+"/upload", url.Values{"key": {"not a key"}})
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
