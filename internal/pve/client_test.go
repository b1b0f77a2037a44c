package pve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(Config{
		BaseURL:  srv.URL,
		APIToken: "user@pve!test=secret",
		Node:     "pve1",
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() error: %v", err)
	}
	return client
}

func writeData(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	payload, err := json.Marshal(struct {
		Data any `json:"data"`
	}{Data: v})
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func TestNewHTTPClientRejectsMalformedToken(t *testing.T) {
	_, err := NewHTTPClient(Config{BaseURL: "https://pve.example.com", APIToken: "no-equals-sign"})
	if err == nil {
		t.Fatal("expected an error for a token without '='")
	}
}

func TestListContainers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/json/nodes/pve1/lxc" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "PVEAPIToken=user@pve!test=secret" {
			t.Errorf("unexpected Authorization header: %s", got)
		}
		writeData(t, w, []ContainerSummary{{VMID: 101, Name: "pool-9001-aaaaaaaa", Status: "stopped"}})
	})

	containers, err := client.ListContainers(context.Background())
	if err != nil {
		t.Fatalf("ListContainers() error: %v", err)
	}
	if len(containers) != 1 || containers[0].VMID != 101 {
		t.Errorf("unexpected containers: %+v", containers)
	}
}

func TestLinkedCloneSendsFormAndReturnsUPID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm error: %v", err)
		}
		if r.PostForm.Get("newid") != "200" || r.PostForm.Get("full") != "0" {
			t.Errorf("unexpected form body: %v", r.PostForm)
		}
		writeData(t, w, "UPID:pve1:00000001:00000002:00000003:qmclone:100:user@pve:")
	})

	upid, err := client.LinkedClone(context.Background(), 100, 200, "pool-100-aaaaaaaa")
	if err != nil {
		t.Fatalf("LinkedClone() error: %v", err)
	}
	if upid == "" {
		t.Error("expected a non-empty UPID")
	}
}

func TestWaitForTaskSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, TaskStatus{Status: "stopped", ExitStatus: "OK"})
	})

	err := client.WaitForTask(context.Background(), "UPID:test", time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTask() error: %v", err)
	}
}

func TestWaitForTaskFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, TaskStatus{Status: "stopped", ExitStatus: "lock failed"})
	})

	err := client.WaitForTask(context.Background(), "UPID:test", time.Second, time.Millisecond)
	if err == nil {
		t.Fatal("expected an error for a non-OK exit status")
	}
	if _, ok := err.(*TaskFailedError); !ok {
		t.Errorf("expected *TaskFailedError, got %T: %v", err, err)
	}
}

func TestWaitForTask500TreatedAsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such task", http.StatusInternalServerError)
	})

	err := client.WaitForTask(context.Background(), "UPID:test", time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForTask() should treat a 500 as success, got: %v", err)
	}
}

func TestWaitForTaskEmptyUPIDIsSynchronous(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call should be made for an empty UPID")
	})

	if err := client.WaitForTask(context.Background(), "", time.Second, time.Millisecond); err != nil {
		t.Fatalf("WaitForTask() with empty UPID should be a no-op, got: %v", err)
	}
}

func TestIsLockBusy(t *testing.T) {
	if !IsLockBusy(&TaskFailedError{UPID: "x", ExitStatus: "CT 9001 is locked (clone)"}) {
		t.Error("expected a 'locked' message to be detected as busy")
	}
	if !IsLockBusy(&APIError{StatusCode: 595, Body: "unable to acquire lock, busy"}) {
		t.Error("expected a 'busy' message to be detected as busy")
	}
	if IsLockBusy(nil) {
		t.Error("nil error should not be lock-busy")
	}
	if IsLockBusy(&APIError{StatusCode: 500, Body: "some other failure"}) {
		t.Error("unrelated error should not be lock-busy")
	}
}
