package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/tradeline"
)

func chargeOff(bureau, creditor string) tradeline.Input {
	return tradeline.Input{
		CreditorName:  creditor,
		AccountNumber: "XXXX-XXXX-1234",
		AccountType:   "credit_card",
		Status:        "Charge Off",
		Balance:       "$500.00",
		Late120:       2,
		Bureau:        bureau,
	}
}

func openAccount(bureau string) tradeline.Input {
	return tradeline.Input{
		CreditorName:  "Capital One",
		AccountNumber: "1234",
		AccountType:   "credit_card",
		Status:        "Open",
		Balance:       "200",
		Bureau:        bureau,
	}
}

type countingMetrics struct {
	mu       sync.Mutex
	negative int
	positive int
	rejected int
}

func (m *countingMetrics) TradelineClassified(negative bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if negative {
		m.negative++
	} else {
		m.positive++
	}
}

func (m *countingMetrics) TradelineRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func TestProcess_GroupsBureauCopies(t *testing.T) {
	metrics := &countingMetrics{}
	p := NewPipeline(identity.NewResolver(), 4, nil).WithMetrics(metrics)

	report, err := p.Process(context.Background(), []tradeline.Input{
		chargeOff("Equifax", "Capital One, N.A."),
		openAccount("TransUnion"),
		chargeOff("experian", "CAPITAL ONE"),
		{CreditorName: "", AccountType: "mortgage", Bureau: "Equifax"},
		chargeOff("Equifax", "Midland Credit Management"),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(report.Rejected) != 1 || report.Rejected[0].Index != 3 {
		t.Fatalf("expected input 3 rejected, got %+v", report.Rejected)
	}
	if !errors.Is(report.Rejected[0].Err, tradeline.ErrValidation) {
		t.Fatalf("expected validation error, got %v", report.Rejected[0].Err)
	}
	if len(report.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(report.Accounts))
	}

	capOne := report.Accounts[0]
	if capOne.Identity.Key != "capital one|1234|credit_card" {
		t.Fatalf("unexpected identity key %q", capOne.Identity.Key)
	}
	if len(capOne.ByBureau) != 3 {
		t.Fatalf("expected 3 bureau copies, got %d", len(capOne.ByBureau))
	}
	if !capOne.Negative() {
		t.Fatalf("expected account to be negative")
	}
	got := capOne.DisputableBureaus()
	if len(got) != 2 || got[0] != tradeline.Equifax || got[1] != tradeline.Experian {
		t.Fatalf("expected Equifax and Experian, got %v", got)
	}

	if metrics.negative != 3 || metrics.positive != 1 || metrics.rejected != 1 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestProcess_DuplicateCopyKeepsMoreSevere(t *testing.T) {
	p := NewPipeline(nil, 2, nil)
	report, err := p.Process(context.Background(), []tradeline.Input{
		openAccount("Equifax"),
		chargeOff("Equifax", "Capital One"),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(report.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(report.Accounts))
	}
	if !report.Accounts[0].ByBureau[tradeline.Equifax].Result.IsNegative {
		t.Fatalf("expected the charge-off copy to win")
	}
}

type stubCreator struct {
	mu      sync.Mutex
	calls   []dispute.CreateParams
	dupes   map[tradeline.Bureau]bool
	failOn  tradeline.Bureau
	counter int
}

func (s *stubCreator) Create(_ context.Context, p dispute.CreateParams) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	if s.dupes[p.Bureau] {
		return dispute.Record{}, dispute.ErrDuplicateDispute
	}
	if p.Bureau == s.failOn {
		return dispute.Record{}, errors.New("boom")
	}
	s.counter++
	return dispute.Record{ID: fmt.Sprintf("d%d", s.counter), Bureau: p.Bureau, Status: dispute.StatusDraft}, nil
}

func TestOpenDisputes_DuplicateIsInProgress(t *testing.T) {
	p := NewPipeline(nil, 4, nil)
	report, err := p.Process(context.Background(), []tradeline.Input{
		chargeOff("Equifax", "Capital One"),
		chargeOff("Experian", "Capital One"),
		openAccount("TransUnion"),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	creator := &stubCreator{dupes: map[tradeline.Bureau]bool{tradeline.Experian: true}}
	outcomes, err := p.OpenDisputes(context.Background(), creator, "user-1", report.Accounts)
	if err != nil {
		t.Fatalf("open disputes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Bureau != tradeline.Equifax || outcomes[0].DisputeID == "" || outcomes[0].InProgress {
		t.Fatalf("unexpected equifax outcome %+v", outcomes[0])
	}
	if outcomes[1].Bureau != tradeline.Experian || !outcomes[1].InProgress {
		t.Fatalf("expected experian in progress, got %+v", outcomes[1])
	}
	for _, c := range creator.calls {
		if c.UserID != "user-1" || c.Reason == "" {
			t.Fatalf("unexpected create params %+v", c)
		}
	}
}

func TestOpenDisputes_PropagatesFailures(t *testing.T) {
	p := NewPipeline(nil, 1, nil)
	report, err := p.Process(context.Background(), []tradeline.Input{chargeOff("TransUnion", "Capital One")})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	_, err = p.OpenDisputes(context.Background(), &stubCreator{failOn: tradeline.TransUnion}, "user-1", report.Accounts)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenDisputes_WithService(t *testing.T) {
	p := NewPipeline(nil, 2, nil)
	svc := dispute.NewService(dispute.NewMemoryRepository(), nil)
	report, err := p.Process(context.Background(), []tradeline.Input{
		chargeOff("Equifax", "Capital One"),
		chargeOff("TransUnion", "Capital One"),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	first, err := p.OpenDisputes(context.Background(), svc, "user-1", report.Accounts)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := p.OpenDisputes(context.Background(), svc, "user-1", report.Accounts)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	for i := range first {
		if first[i].InProgress || !second[i].InProgress {
			t.Fatalf("expected fresh then in-progress, got %+v then %+v", first[i], second[i])
		}
	}
}
