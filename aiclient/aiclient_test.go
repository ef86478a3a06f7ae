package aiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/exam2quiz/pipeline/types"
)

func TestCredentialResolver_PrefersTenantCredential(t *testing.T) {
	r := &CredentialResolver{Default: "process-default"}
	cred, err := r.Resolve(&types.Tenant{ID: "t1", Credential: "tenant-key"})
	if err != nil {
		t.Fatal(err)
	}
	if cred != "tenant-key" {
		t.Errorf("expected tenant-key, got %s", cred)
	}
}

func TestCredentialResolver_FallsBackToDefault(t *testing.T) {
	r := &CredentialResolver{Default: "process-default"}
	cred, err := r.Resolve(&types.Tenant{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if cred != "process-default" {
		t.Errorf("expected process-default, got %s", cred)
	}
}

func TestCredentialResolver_ErrorsWithoutEither(t *testing.T) {
	r := &CredentialResolver{}
	_, err := r.Resolve(&types.Tenant{ID: "t1"})
	if err == nil {
		t.Fatal("expected error when no credential is available")
	}
}

func TestHTTPVisionClient_ParseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"question_text":"hello"}`))
	}))
	defer srv.Close()

	c := NewHTTPVisionClient(Config{BaseURL: srv.URL})
	body, err := c.Parse(context.Background(), "key", VisionRequest{ImageBytes: []byte("png")})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"question_text":"hello"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestHTTPVisionClient_RateLimitIsDetectable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	c := NewHTTPVisionClient(Config{BaseURL: srv.URL})
	_, err := c.Parse(context.Background(), "key", VisionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRateLimited(err) {
		t.Errorf("expected IsRateLimited(err) to be true, got %v", err)
	}
}

func TestHTTPLanguageClient_CompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"category":"math"}`))
	}))
	defer srv.Close()

	c := NewHTTPLanguageClient(Config{BaseURL: srv.URL})
	body, err := c.Complete(context.Background(), "key", LanguageRequest{Prompt: "question"})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"category":"math"}` {
		t.Errorf("unexpected body: %s", body)
	}
}
