package mailgun

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseInboundJSONSynonyms(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"canonical names", `{
			"messageId": "<ABC@mail.example>",
			"from": "Pat <pat@example.com>",
			"to": "scout@acme.example",
			"subject": "Hello",
			"stripped-text": "short body",
			"text": "long quoted body",
			"In-Reply-To": "<Root@mail.example>",
			"References": "<Root@mail.example> <mid@mail.example>"
		}`},
		{"gateway synonyms", `{
			"Message-Id": "<abc@mail.example>",
			"sender": "Pat <pat@example.com>",
			"recipient": "scout@acme.example",
			"subject": "Hello",
			"body-plain": "short body",
			"in-reply-to": "<root@mail.example>",
			"references": "<root@mail.example><mid@mail.example>"
		}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")

			in, err := ParseInbound(r)
			if err != nil {
				t.Fatal(err)
			}
			if in.MessageID != "abc@mail.example" {
				t.Fatalf("message id = %q", in.MessageID)
			}
			if in.To != "scout@acme.example" {
				t.Fatalf("to = %q", in.To)
			}
			if in.Text != "short body" {
				t.Fatalf("stripped body not preferred: %q", in.Text)
			}
			refs := in.ReferenceSet()
			if len(refs) == 0 || refs[0] != "root@mail.example" {
				t.Fatalf("references = %v", refs)
			}
		})
	}
}

func TestParseInboundForm(t *testing.T) {
	form := url.Values{
		"Message-Id":       {"<form@mail.example>"},
		"from":             {"pat@example.com"},
		"to":               {"scout@acme.example"},
		"subject":          {"Re: thing"},
		"text":             {"body"},
		"token":            {"tok-1"},
		"attachment-count": {"1"},
		"attachment-1":     {`{"filename":"a.txt","content-type":"text/plain","data":"aGVsbG8="}`},
	}
	r := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	in, err := ParseInbound(r)
	if err != nil {
		t.Fatal(err)
	}
	if in.Token != "tok-1" {
		t.Fatalf("token = %q", in.Token)
	}
	if len(in.Attachments) != 1 || in.Attachments[0].Filename != "a.txt" {
		t.Fatalf("attachments = %+v", in.Attachments)
	}
}

func TestParseInboundAttachmentArray(t *testing.T) {
	body := `{
		"messageId": "<att@mail.example>",
		"from": "pat@example.com",
		"to": "scout@acme.example",
		"attachments": [
			{"filename": "r.pdf", "content-type": "application/pdf", "data": "Zm9v"},
			{"name": "alt.bin", "mime_type": "application/octet-stream", "content": "YmFy"}
		]
	}`
	r := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	in, err := ParseInbound(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(in.Attachments) != 2 {
		t.Fatalf("attachments = %d", len(in.Attachments))
	}
	if in.Attachments[1].Filename != "alt.bin" || in.Attachments[1].Data != "YmFy" {
		t.Fatalf("synonym attachment fields not honored: %+v", in.Attachments[1])
	}
}

func TestParseInboundHeaderTokenWins(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/inbound",
		strings.NewReader(`{"messageId":"<x@y>","from":"a@b.c","to":"d@e.f","token":"payload"}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Inbound-Token", "header")

	in, err := ParseInbound(r)
	if err != nil {
		t.Fatal(err)
	}
	if in.Token != "header" {
		t.Fatalf("token = %q, want header value", in.Token)
	}
}

func TestParseInboundRejectsMissingEnvelope(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/inbound",
		strings.NewReader(`{"subject":"no envelope"}`))
	r.Header.Set("Content-Type", "application/json")
	if _, err := ParseInbound(r); err == nil {
		t.Fatal("want error for missing from/to")
	}
}

func TestClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "api" || pass != "key-test" {
			t.Errorf("basic auth = %s:%s", user, pass)
		}
		if !strings.HasSuffix(r.URL.Path, "/v3/acme.example/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("h:In-Reply-To"); got != "<root@x>" {
			t.Errorf("In-Reply-To = %q", got)
		}
		if got := r.FormValue("o:tracking"); got != "no" {
			t.Errorf("tracking = %q", got)
		}
		w.Write([]byte(`{"id":"<generated@acme.example>","message":"Queued."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-test", 5*time.Second)
	id, err := c.Send(context.Background(), SendRequest{
		Domain:    "acme.example",
		From:      "scout@acme.example",
		To:        "pat@example.com",
		Subject:   "Re: hi",
		Text:      "hello",
		InReplyTo: []string{"root@x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "<generated@acme.example>" {
		t.Fatalf("id = %q", id)
	}
}

func TestClientSendErrorSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Domain not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-test", 5*time.Second)
	_, err := c.Send(context.Background(), SendRequest{Domain: "missing.example", From: "a@b", To: "c@d"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}
