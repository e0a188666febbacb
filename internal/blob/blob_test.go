package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/lherron/crmsync/internal/domain"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestDetectType(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		want     string
	}{
		{"sniffed png", "noext", pngHeader, "image/png"},
		{"text strips charset", "a.bin", []byte("hello world"), "text/plain"},
		{"extension fallback", "report.pdf", nil, "application/pdf"},
		{"unknown", "noext", nil, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectType(tt.filename, tt.data); got != tt.want {
				t.Errorf("DetectType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateSize(t *testing.T) {
	if err := ValidateSize(10<<20, 0); err != nil {
		t.Errorf("expected no limit, got %v", err)
	}
	if err := ValidateSize(1<<20, 1); err != nil {
		t.Errorf("expected exactly 1MB to pass, got %v", err)
	}
	if err := ValidateSize(1<<20+1, 1); err == nil {
		t.Error("expected error above limit")
	}
}

func TestDescribe(t *testing.T) {
	d := &domain.BlobDescriptor{Name: "pic", Size: 999}
	Describe(pngHeader, d)
	if d.Size != int64(len(pngHeader)) {
		t.Errorf("Size = %d, want %d", d.Size, len(pngHeader))
	}
	if d.Type != "image/png" {
		t.Errorf("Type = %q, want image/png", d.Type)
	}

	typed := &domain.BlobDescriptor{Name: "x", Type: "application/json"}
	Describe([]byte("{}"), typed)
	if typed.Type != "application/json" {
		t.Errorf("expected declared type to be kept, got %q", typed.Type)
	}
}

func TestHTTPUploader(t *testing.T) {
	var gotAuth, gotName, gotType, gotBody string
	r := mux.NewRouter()
	r.HandleFunc("/files", func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		file, header, err := req.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotBody = string(data)
		w.Write([]byte("blob-123\n"))
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	u := NewHTTPUploader(srv.URL+"/", StaticToken("tok"))
	ref, err := u.Upload(context.Background(), "a.txt", "text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if ref != "blob-123" {
		t.Errorf("ref = %q, want blob-123", ref)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotName != "a.txt" || gotType != "text/plain" || gotBody != "hello" {
		t.Errorf("unexpected part: name=%q type=%q body=%q", gotName, gotType, gotBody)
	}
}

func TestHTTPUploaderRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, nil)
	if _, err := u.Upload(context.Background(), "a", "", []byte("x")); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestHTTPFetcher(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/files/ok", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("content"))
	})
	r.HandleFunc("/files/big", func(w http.ResponseWriter, req *http.Request) {
		w.Write(make([]byte, 1<<20+10))
	})
	r.HandleFunc("/files/broken", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	f := NewHTTPFetcher(1)
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/files/ok")
	if err != nil || string(data) != "content" {
		t.Errorf("Fetch ok = %q, %v", data, err)
	}
	data, err = f.Fetch(ctx, srv.URL+"/files/missing")
	if err != nil || data != nil {
		t.Errorf("Fetch missing = %q, %v; want nil, nil", data, err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/files/broken"); err == nil {
		t.Error("expected error for 500")
	}
	if _, err := f.Fetch(ctx, srv.URL+"/files/big"); err == nil {
		t.Error("expected error for oversized body")
	}
}
