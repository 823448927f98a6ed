package backend

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestUploadRecognized(t *testing.T) {
	var gotDeviceID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDeviceID = r.Header.Get("Device-Id")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image field: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if string(data) != "jpeg-bytes" {
				t.Errorf("frame = %q", data)
			}
			file.Close()
		}
		_, _ = w.Write([]byte(`{
			"status": 1,
			"message": "ok",
			"user_info": {"name": "Alice", "account": "alice01", "api_key": "k", "api_id": "i", "user_id": 42},
			"today_schedules": [{"id": "s1", "content": "standup", "status_text": "pending"}]
		}`))
	}))
	defer srv.Close()

	client := New(Config{UploadURL: srv.URL, DeviceID: "94:a9:90:2b:c8:58"})
	profile, recognized, err := client.Upload([]byte("jpeg-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if !recognized {
		t.Fatal("expected recognition")
	}
	if profile.Name != "Alice" || profile.UserID != 42 || len(profile.Schedules) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if gotDeviceID != "94:a9:90:2b:c8:58" {
		t.Fatalf("Device-Id header = %q", gotDeviceID)
	}
}

func TestUploadNotRecognized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": 0, "message": "no face found"}`))
	}))
	defer srv.Close()

	client := New(Config{UploadURL: srv.URL})
	_, recognized, err := client.Upload([]byte("frame"))
	if err != nil {
		t.Fatal(err)
	}
	if recognized {
		t.Fatal("status 0 must not count as recognition")
	}
}

func TestUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(Config{UploadURL: srv.URL})
	if _, _, err := client.Upload([]byte("frame")); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestRequestInspection(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := codec.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(Config{InspectionURL: srv.URL, AuthKey: "secret-key"})
	if err := client.RequestInspection("94:a9:90:2b:c8:58"); err != nil {
		t.Fatal(err)
	}
	if body["device_id"] != "94:a9:90:2b:c8:58" || body["auth_key"] != "secret-key" {
		t.Fatalf("unexpected request body: %v", body)
	}
	if body["bypass_llm"] != false {
		t.Fatalf("bypass_llm = %v", body["bypass_llm"])
	}
}

func TestFileActivationStore(t *testing.T) {
	store := NewFileActivationStore(filepath.Join(t.TempDir(), "state", "activation.json"))

	activated, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if activated {
		t.Fatal("missing file should load as not activated")
	}

	if err := store.Save(true); err != nil {
		t.Fatal(err)
	}
	activated, err = store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !activated {
		t.Fatal("flag should persist")
	}
}
