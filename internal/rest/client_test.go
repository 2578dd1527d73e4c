package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok-123", zap.NewNop())
}

func TestListChatsSendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("auth header = %q", got)
		}
		io.WriteString(w, `[{"_id":"c1","partner":{"_id":"u2","nombre":"Ana"}}]`)
	})

	chats, err := c.ListChats(context.Background())
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats) != 1 || chats[0].ID != "c1" || chats[0].Partner.Name != "Ana" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestListMessagesLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/c1/mensajes" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		io.WriteString(w, `[{"_id":"m1","chatId":"c1","senderId":"u2","text":"hola","createdAt":"2026-08-01T10:00:00Z"}]`)
	})

	msgs, err := c.ListMessages(context.Background(), "c1", 50)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestSetBlockedMethodPerDirection(t *testing.T) {
	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.SetBlocked(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetBlocked(context.Background(), "c1", false); err != nil {
		t.Fatal(err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodDelete {
		t.Errorf("methods = %v, want [POST DELETE]", methods)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	_, err := c.ListChats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if !apiErr.Unauthorized() {
		t.Errorf("Unauthorized() = false for status %d", apiErr.StatusCode)
	}
}

func TestUploadFileMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload/single" {
			t.Errorf("path = %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer file.Close()
		if header.Filename != "foto.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "png-bytes" {
			t.Errorf("body = %q", data)
		}
		io.WriteString(w, `{"url":"https://cdn/x.png","thumbUrl":"https://cdn/x_t.png"}`)
	})

	res, err := c.UploadFile(context.Background(), "foto.png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if res.URL != "https://cdn/x.png" || res.ThumbURL != "https://cdn/x_t.png" {
		t.Errorf("result = %+v", res)
	}
}

func TestEditMessageBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/chat/messages/m1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"text":"nuevo"}` {
			t.Errorf("body = %s", body)
		}
		io.WriteString(w, `{"_id":"m1","chatId":"c1","senderId":"u1","text":"nuevo","createdAt":"2026-08-01T10:00:00Z"}`)
	})

	msg, err := c.EditMessage(context.Background(), "m1", "nuevo")
	if err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}
	if msg.Text != "nuevo" {
		t.Errorf("text = %q", msg.Text)
	}
}
