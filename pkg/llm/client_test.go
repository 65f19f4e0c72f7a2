package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestComplete_SendsChatRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "sk-test", time.Second)
	out, err := c.Complete(context.Background(), Request{
		Model:       "gpt-4",
		System:      "sys",
		User:        "body",
		Temperature: 0.3,
		JSON:        true,
		Purpose:     "approval",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello" {
		t.Fatalf("content = %q", out)
	}
	if got.Model != "gpt-4" || got.Temperature != 0.3 || len(got.Messages) != 2 {
		t.Fatalf("unexpected wire request: %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Content != "body" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("json response format not requested")
	}
}

func TestComplete_Errors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		check   func(error) bool
		wantTmp bool
	}{
		{"server error", 503, "overloaded", func(err error) bool { var a *APIError; return errors.As(err, &a) }, true},
		{"bad request", 400, "nope", func(err error) bool { var a *APIError; return errors.As(err, &a) }, false},
		{"no choices", 200, `{"choices":[]}`, func(err error) bool { return errors.Is(err, ErrEmptyResponse) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", time.Second).Complete(context.Background(), Request{Model: "m", User: "u"})
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			var a *APIError
			if errors.As(err, &a) && a.Temporary() != tc.wantTmp {
				t.Fatalf("Temporary() = %v, want %v", a.Temporary(), tc.wantTmp)
			}
		})
	}
}
