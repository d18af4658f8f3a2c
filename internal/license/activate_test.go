package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/corebit/corebit/internal/errors"
)

func TestActivateInstallsSignedLicense(t *testing.T) {
	priv := testKeypair(t)
	m, _, _ := newManagerFixture(t, time.Now())

	var gotReq activateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/activate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		l := signedLicense(priv, gotReq.LicenseKey, TierPro, 0, gotReq.Fingerprint)
		json.NewEncoder(w).Encode(activateResponse{License: &l})
	}))
	defer srv.Close()

	client := NewActivationClient(srv.URL)
	issued, err := client.Activate(context.Background(), m, "CB-PRO-ACT")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if issued.LicenseKey != "CB-PRO-ACT" {
		t.Fatalf("issued key = %q", issued.LicenseKey)
	}
	if gotReq.Fingerprint != m.ServerFingerprint() {
		t.Fatalf("request fingerprint = %q, want %q", gotReq.Fingerprint, m.ServerFingerprint())
	}
	if got := m.EffectiveLimit(); got != Unlimited {
		t.Fatalf("EffectiveLimit after activation = %d, want Unlimited", got)
	}
}

func TestActivateSurfacesServerRejection(t *testing.T) {
	testKeypair(t)
	m, _, _ := newManagerFixture(t, time.Now())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(activateResponse{Error: "unknown license key"})
	}))
	defer srv.Close()

	_, err := NewActivationClient(srv.URL).Activate(context.Background(), m, "CB-NOPE")
	if err == nil {
		t.Fatal("expected activation to fail")
	}
	if errors.TypeOf(err) != errors.ErrorTypeClientInput {
		t.Fatalf("error type = %s, want client_input", errors.TypeOf(err))
	}
	if len(m.Licenses()) != 0 {
		t.Fatal("no license should be installed on rejection")
	}
}

func TestActivateTreatsServerErrorsAsTransient(t *testing.T) {
	testKeypair(t)
	m, _, _ := newManagerFixture(t, time.Now())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"maintenance"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewActivationClient(srv.URL).Activate(context.Background(), m, "CB-LATER")
	if err == nil {
		t.Fatal("expected activation to fail")
	}
	if errors.TypeOf(err) != errors.ErrorTypeTransientNetwork {
		t.Fatalf("error type = %s, want transient_network", errors.TypeOf(err))
	}
}

func TestActivateRequiresKey(t *testing.T) {
	m, _, _ := newManagerFixture(t, time.Now())
	_, err := NewActivationClient("http://127.0.0.1:0").Activate(context.Background(), m, "")
	if err == nil {
		t.Fatal("expected error for empty key")
	}
	if errors.TypeOf(err) != errors.ErrorTypeClientInput {
		t.Fatalf("error type = %s, want client_input", errors.TypeOf(err))
	}
}
