package e2e

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/framesync/api/internal/model"
)

func TestSubmitBatch(t *testing.T) {
	ta := setupApp(t)

	body, contentType := submitForm(t, "case-42", "cam-a.mp4", "cam-b.mov")
	req := httptest.NewRequest(http.MethodPost, "/api/batches/", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	batchID, _ := result["batchId"].(string)
	if batchID == "" {
		t.Fatal("expected batchId in response")
	}
	fileIDs, _ := result["fileIds"].([]interface{})
	if len(fileIDs) != 2 {
		t.Fatalf("expected 2 fileIds, got %v", result["fileIds"])
	}

	// The batch is immediately queryable.
	statusResp, err := doRequest(ta.app, http.MethodGet, "/api/batches/"+batchID, "", nil)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	assertStatus(t, statusResp, http.StatusOK)

	snapshot := parseJSON(t, statusResp)
	batch, _ := snapshot["batch"].(map[string]interface{})
	if batch["status"] != "pending" {
		t.Errorf("expected pending batch, got %v", batch["status"])
	}
	files, _ := snapshot["files"].([]interface{})
	if len(files) != 2 {
		t.Errorf("expected 2 files in snapshot, got %d", len(files))
	}
}

func TestSubmitBatchRejectsUnsupportedType(t *testing.T) {
	ta := setupApp(t)

	body, contentType := submitForm(t, "case-42", "notes.txt")
	req := httptest.NewRequest(http.MethodPost, "/api/batches/", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	result := parseJSON(t, resp)
	errObj, _ := result["error"].(map[string]interface{})
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", errObj["code"])
	}
}

func TestSubmitBatchRequiresCaseID(t *testing.T) {
	ta := setupApp(t)

	body, contentType := submitForm(t, "", "cam-a.mp4")
	req := httptest.NewRequest(http.MethodPost, "/api/batches/", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestBatchStatusNotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/batches/no-such-batch", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestListBatchesByCase(t *testing.T) {
	ta := setupApp(t)

	body, contentType := submitForm(t, "case-list", "cam-a.mp4")
	req := httptest.NewRequest(http.MethodPost, "/api/batches/", body)
	req.Header.Set("Content-Type", contentType)
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	listResp, err := doRequest(ta.app, http.MethodGet, "/api/batches/?caseId=case-list", "", nil)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	assertStatus(t, listResp, http.StatusOK)

	result := parseJSON(t, listResp)
	batches, _ := result["batches"].([]interface{})
	if len(batches) != 1 {
		t.Errorf("expected 1 batch for case, got %d", len(batches))
	}

	// Missing caseId is a validation error.
	badResp, err := doRequest(ta.app, http.MethodGet, "/api/batches/", "", nil)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	assertStatus(t, badResp, http.StatusBadRequest)
}

func TestCancelBatch(t *testing.T) {
	ta := setupApp(t)

	seedBatch(t, ta.store, "batch-cancel", "file-c1", model.FileStatusExtracting)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/batches/batch-cancel/cancel", "", nil)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["status"] != "canceled" {
		t.Errorf("expected canceled, got %v", result["status"])
	}

	// Canceling again hits the terminal state check.
	again, err := doRequest(ta.app, http.MethodPost, "/api/batches/batch-cancel/cancel", "", nil)
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	assertStatus(t, again, http.StatusConflict)
}

func TestCancelBatchNotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/batches/no-such-batch/cancel", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestSyncResultNotAvailable(t *testing.T) {
	ta := setupApp(t)

	seedBatch(t, ta.store, "batch-sync", "file-s1", model.FileStatusExtracting)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/batches/batch-sync/sync", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}
