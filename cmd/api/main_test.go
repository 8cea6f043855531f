package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/intake"
	"disputeflow/stats"
	"disputeflow/tradeline"
)

type stubDisputeService struct {
	record        dispute.Record
	getErr        error
	listRecords   []dispute.Record
	listErr       error
	createRecord  dispute.Record
	createErr     error
	createParams  dispute.CreateParams
	transitionErr error
	transitioned  dispute.TransitionParams
	history       []dispute.HistoryEntry
	coverage      []dispute.Coverage
}

func (s *stubDisputeService) Create(_ context.Context, p dispute.CreateParams) (dispute.Record, error) {
	s.createParams = p
	return s.createRecord, s.createErr
}

func (s *stubDisputeService) Transition(_ context.Context, p dispute.TransitionParams) (dispute.Record, error) {
	s.transitioned = p
	if s.transitionErr != nil {
		return dispute.Record{}, s.transitionErr
	}
	rec := s.record
	rec.Status = p.Next
	rec.Version++
	return rec, nil
}

func (s *stubDisputeService) Get(_ context.Context, _ string) (dispute.Record, error) {
	return s.record, s.getErr
}

func (s *stubDisputeService) ListByUser(_ context.Context, _ string) ([]dispute.Record, error) {
	return s.listRecords, s.listErr
}

func (s *stubDisputeService) History(_ context.Context, _ string) ([]dispute.HistoryEntry, error) {
	return s.history, nil
}

func (s *stubDisputeService) BureauCoverage(_ context.Context, _, _ string) ([]dispute.Coverage, error) {
	return s.coverage, nil
}

type stubStats struct {
	out stats.UserStatistics
	err error
}

func (s *stubStats) Statistics(_ context.Context, _ string) (stats.UserStatistics, error) {
	return s.out, s.err
}

func newTestServer(svc *stubDisputeService) *Server {
	return &Server{
		disputeService: svc,
		statsService:   &stubStats{},
		pipeline:       intake.NewPipeline(nil, 2, nil),
		resolver:       identity.NewResolver(),
	}
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandler_RequiresUser(t *testing.T) {
	server := newTestServer(&stubDisputeService{})

	req := httptest.NewRequest(http.MethodGet, "/api/disputes", nil)
	rec := serve(server, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	rec := serve(newTestServer(&stubDisputeService{}), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleListDisputes_Success(t *testing.T) {
	now := time.Now().UTC()
	server := newTestServer(&stubDisputeService{
		listRecords: []dispute.Record{{ID: "d1", UserID: "owner-1", Bureau: tradeline.Equifax, Status: dispute.StatusPending, CreatedAt: now}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/disputes", nil)
	req.Header.Set(userHeader, "owner-1")
	rec := serve(server, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []disputeResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "d1" || payload.Items[0].Status != "pending" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleCreateDispute_ResolvesIdentity(t *testing.T) {
	svc := &stubDisputeService{createRecord: dispute.Record{ID: "d1", Status: dispute.StatusDraft}}
	server := newTestServer(svc)

	body := strings.NewReader(`{"tradeline":{"creditor_name":"Capital One, N.A.","account_number":"****1234","account_type":"credit_card","bureau":"equifax"},"reason":"not mine"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes", body)
	req.Header.Set(userHeader, "owner-1")
	rec := serve(server, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.createParams.UserID != "owner-1" || svc.createParams.Bureau != tradeline.Equifax {
		t.Fatalf("unexpected create params %+v", svc.createParams)
	}
	if svc.createParams.Identity.Key != "capital one|1234|credit_card" {
		t.Fatalf("unexpected identity key %q", svc.createParams.Identity.Key)
	}
}

func TestHandleCreateDispute_Errors(t *testing.T) {
	valid := `{"tradeline":{"creditor_name":"Chase","account_number":"1","account_type":"mortgage","bureau":"Experian"}}`
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"invalid tradeline", `{"tradeline":{"creditor_name":"","account_type":"mortgage","bureau":"Experian"}}`, nil, http.StatusBadRequest},
		{"duplicate", valid, dispute.ErrDuplicateDispute, http.StatusConflict},
		{"unexpected", valid, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&stubDisputeService{createErr: tt.err})
			req := httptest.NewRequest(http.MethodPost, "/api/disputes", strings.NewReader(tt.body))
			req.Header.Set(userHeader, "owner-1")
			rec := serve(server, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandleTransition(t *testing.T) {
	owned := dispute.Record{ID: "d1", UserID: "owner-1", Status: dispute.StatusDraft, Version: 1}
	tests := []struct {
		name string
		svc  *stubDisputeService
		user string
		body string
		want int
	}{
		{"success", &stubDisputeService{record: owned}, "owner-1", `{"status":"Pending","version":1}`, http.StatusOK},
		{"invalid", &stubDisputeService{record: owned, transitionErr: &dispute.InvalidTransitionError{From: dispute.StatusDraft, To: dispute.StatusDeleted}}, "owner-1", `{"status":"deleted"}`, http.StatusUnprocessableEntity},
		{"conflict", &stubDisputeService{record: owned, transitionErr: dispute.ErrConflict}, "owner-1", `{"status":"pending","version":1}`, http.StatusConflict},
		{"missing", &stubDisputeService{getErr: dispute.ErrNotFound}, "owner-1", `{"status":"pending"}`, http.StatusNotFound},
		{"other user", &stubDisputeService{record: owned}, "intruder", `{"status":"pending"}`, http.StatusNotFound},
		{"unknown status", &stubDisputeService{record: owned}, "owner-1", `{"status":"bogus-1234"}`, http.StatusBadRequest},
		{"blank status", &stubDisputeService{record: owned}, "owner-1", `{"status":"blank"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(tt.svc)
			req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/transitions", strings.NewReader(tt.body))
			req.Header.Set(userHeader, tt.user)
			rec := serve(server, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusBadRequest && tt.svc.transitioned.DisputeID != "" {
				t.Fatalf("expected no transition for bad status, got %+v", tt.svc.transitioned)
			}
		})
	}

	svc := &stubDisputeService{record: owned}
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/transitions", strings.NewReader(`{"status":" Pending ","note":"mailed"}`))
	req.Header.Set(userHeader, "owner-1")
	serve(newTestServer(svc), req)
	if svc.transitioned.Next != dispute.StatusPending || svc.transitioned.By != dispute.ActorUser || svc.transitioned.DisputeID != "d1" {
		t.Fatalf("unexpected transition params %+v", svc.transitioned)
	}
}

func TestHandleDisputeHistory(t *testing.T) {
	draft := dispute.StatusDraft
	svc := &stubDisputeService{
		record: dispute.Record{ID: "d1", UserID: "owner-1"},
		history: []dispute.HistoryEntry{
			{Seq: 1, Next: dispute.StatusDraft, ChangedBy: dispute.ActorUser},
			{Seq: 2, Previous: &draft, Next: dispute.StatusPending, ChangedBy: dispute.ActorUser},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/disputes/d1/history", nil)
	req.Header.Set(userHeader, "owner-1")
	rec := serve(newTestServer(svc), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []historyResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].Previous != nil || *payload.Items[1].Previous != "draft" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleCoverage_ReportsBlank(t *testing.T) {
	svc := &stubDisputeService{coverage: []dispute.Coverage{
		{Bureau: tradeline.Equifax, Status: dispute.StatusPending, Record: &dispute.Record{ID: "d1"}},
		{Bureau: tradeline.TransUnion, Status: dispute.StatusBlank},
		{Bureau: tradeline.Experian, Status: dispute.StatusBlank},
	}}
	req := httptest.NewRequest(http.MethodGet, "/api/identities/i1/coverage", nil)
	req.Header.Set(userHeader, "owner-1")
	rec := serve(newTestServer(svc), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"blank"`) || !strings.Contains(rec.Body.String(), `"disputeId":"d1"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestHandleClassify(t *testing.T) {
	server := newTestServer(&stubDisputeService{createRecord: dispute.Record{ID: "d1"}})
	body := strings.NewReader(`{"openDisputes":true,"tradelines":[
		{"creditor_name":"Generic Bank","account_number":"4321","account_type":"credit_card","status":"Charge Off","balance":"500","late_120":2,"bureau":"Equifax"},
		{"creditor_name":"Chase","account_type":"credit_card","status":"Open","balance":"200","bureau":"Experian"},
		{"account_type":"credit_card","bureau":"Experian"}
	]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/classify", body)
	req.Header.Set(userHeader, "owner-1")
	rec := serve(server, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload classifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Accounts) != 2 || len(payload.Rejected) != 1 || len(payload.Disputes) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if !payload.Accounts[0].Negative || payload.Accounts[1].Negative {
		t.Fatalf("expected only the charge-off to be negative: %+v", payload.Accounts)
	}
}

func TestHandleStatistics(t *testing.T) {
	server := newTestServer(&stubDisputeService{})
	server.statsService = &stubStats{out: stats.UserStatistics{UserID: "owner-1", Total: 4, Deleted: 1, SuccessRate: 25}}

	req := httptest.NewRequest(http.MethodGet, "/api/statistics", nil)
	req.Header.Set(userHeader, "owner-1")
	rec := serve(server, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload stats.UserStatistics
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 4 || payload.SuccessRate != 25 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestClassifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")
	body := []byte(`
- creditor_name: Generic Bank
  account_number: "1234"
  account_type: credit_card
  status: Charge Off
  balance: "500"
  late_120: 2
  bureau: Equifax
- creditor_name: Generic Bank
  account_number: "1234"
  account_type: credit_card
  status: Charged off
  balance: "480"
  bureau: TransUnion
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write report: %v", err)
	}

	var out strings.Builder
	if err := classifyFile(context.Background(), intake.NewPipeline(nil, 2, nil), path, &out); err != nil {
		t.Fatalf("classify: %v", err)
	}
	var payload classifyResponse
	if err := json.Unmarshal([]byte(out.String()), &payload); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(payload.Accounts) != 1 || len(payload.Accounts[0].Assessments) != 2 {
		t.Fatalf("expected one account seen by two bureaus, got %+v", payload.Accounts)
	}
}
