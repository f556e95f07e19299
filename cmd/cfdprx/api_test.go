package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sheerbytes/cfdprx/internal/monitor"
	"github.com/sheerbytes/cfdprx/internal/receiver"
	"github.com/sheerbytes/cfdprx/internal/storage"
	"github.com/sheerbytes/cfdprx/internal/transfer"
	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

func newTestServer(t *testing.T) (*httptest.Server, *receiver.Receiver) {
	srv, rx, _ := newTestServerWithBucket(t)
	return srv, rx
}

func newTestServerWithBucket(t *testing.T) (*httptest.Server, *receiver.Receiver, *storage.MemoryBucket) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := monitor.NewHub(monitor.Config{Logger: logger})
	bucket := storage.NewMemoryBucket("test")
	rx := receiver.New(receiver.Config{Options: transfer.DefaultOptions(), Monitor: hub, Logger: logger})
	srv := httptest.NewServer(newAPI(rx, hub, bucket, logger))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		rx.Close()
	})
	return srv, rx, bucket
}

func openTransfer(rx *receiver.Receiver, seq uint64) {
	rx.HandlePDU(nil, &pdu.Metadata{
		Header: pdu.Header{
			Directive:            true,
			EntityIDLength:       1,
			SequenceNumberLength: 2,
			SourceID:             1,
			DestinationID:        2,
			SequenceNumber:       seq,
		},
		FileSize:            64,
		DestinationFilename: "image.bin",
	})
}

type apiInfo struct {
	ID         uint64 `json:"id"`
	State      string `json:"state"`
	ObjectName string `json:"objectName"`
}

func getInfo(t *testing.T, url string) (apiInfo, int) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var info apiInfo
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return info, resp.StatusCode
}

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body["ok"] {
		t.Fatalf("health = %v err=%v", body, err)
	}
}

func TestTransfersAPI(t *testing.T) {
	srv, rx := newTestServer(t)
	openTransfer(rx, 1)
	openTransfer(rx, 2)

	resp, err := http.Get(srv.URL + "/transfers")
	if err != nil {
		t.Fatalf("GET /transfers: %v", err)
	}
	var list []map[string]any
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil || len(list) != 2 {
		t.Fatalf("list = %v err=%v", list, err)
	}

	info, status := getInfo(t, srv.URL+"/transfers/1")
	if status != http.StatusOK || info.ID != 1 || info.ObjectName != "image.bin" {
		t.Fatalf("GET /transfers/1 = %d %+v", status, info)
	}

	if code := post(t, srv.URL+"/transfers/1/suspend"); code != http.StatusAccepted {
		t.Fatalf("suspend = %d", code)
	}
	waitState(t, srv.URL+"/transfers/1", transfer.StatePaused)

	if code := post(t, srv.URL+"/transfers/2/cancel"); code != http.StatusAccepted {
		t.Fatalf("cancel = %d", code)
	}
	waitState(t, srv.URL+"/transfers/2", transfer.StateFailed)
}

func TestTransfersAPIErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown id", http.MethodGet, "/transfers/42", http.StatusNotFound},
		{"bad id", http.MethodGet, "/transfers/abc", http.StatusBadRequest},
		{"resume unknown", http.MethodPost, "/transfers/42/resume", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/transfers/1/cancel", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s: %v", tt.method, tt.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func waitState(t *testing.T, url string, want transfer.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, _ := getInfo(t, url)
		if info.State == want.String() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: state %s, want %s", url, info.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObjectsAPI(t *testing.T) {
	srv, _, bucket := newTestServerWithBucket(t)
	meta := map[string]string{"missingSegments": "[10,20)"}
	if err := bucket.PutObject(context.Background(), "image.bin", []byte("partial"), meta); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	resp, err := http.Get(srv.URL + "/objects")
	if err != nil {
		t.Fatalf("GET /objects: %v", err)
	}
	var list struct {
		Bucket  string   `json:"bucket"`
		Objects []string `json:"objects"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil || list.Bucket != "test" || len(list.Objects) != 1 || list.Objects[0] != "image.bin" {
		t.Fatalf("list = %+v err=%v", list, err)
	}

	resp, err = http.Get(srv.URL + "/objects/image.bin")
	if err != nil {
		t.Fatalf("GET /objects/image.bin: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "partial" {
		t.Fatalf("body = %q", body)
	}
	if got := resp.Header.Get("X-Cfdp-Meta-missingSegments"); got != "[10,20)" {
		t.Fatalf("metadata header = %q", got)
	}

	resp, err = http.Get(srv.URL + "/objects/nothing")
	if err != nil {
		t.Fatalf("GET /objects/nothing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing object status = %d", resp.StatusCode)
	}
}

func TestHasFlag(t *testing.T) {
	if !hasFlag([]string{"-log-level", "debug", "--version"}, "version") {
		t.Fatalf("--version not detected")
	}
	if !hasFlag([]string{"-list-serial"}, "list-serial") {
		t.Fatalf("-list-serial not detected")
	}
	if hasFlag([]string{"-log-level", "debug"}, "version") {
		t.Fatalf("version detected without flag")
	}
}
