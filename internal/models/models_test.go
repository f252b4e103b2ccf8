package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func line(code string, typ AccountType, debit, credit string) JournalLine {
	return JournalLine{
		AccountCode: code,
		AccountType: typ,
		Debit:       decimal.RequireFromString(debit),
		Credit:      decimal.RequireFromString(credit),
	}
}

func TestBankStatementTransactionValidate(t *testing.T) {
	valid := BankStatementTransaction{
		ID:        "T-1",
		AccountID: "ACC-1",
		Date:      date("2024-01-31"),
		Amount:    decimal.RequireFromString("-12.50"),
		Direction: DirectionOut,
		Currency:  "USD",
	}

	tests := []struct {
		name    string
		mutate  func(*BankStatementTransaction)
		wantErr bool
	}{
		{"valid", func(*BankStatementTransaction) {}, false},
		{"empty id", func(t *BankStatementTransaction) { t.ID = " " }, true},
		{"no account", func(t *BankStatementTransaction) { t.AccountID = "" }, true},
		{"zero amount", func(t *BankStatementTransaction) { t.Amount = decimal.Zero }, true},
		{"bad direction", func(t *BankStatementTransaction) { t.Direction = "SIDEWAYS" }, true},
		{"zero date", func(t *BankStatementTransaction) { t.Date = time.Time{} }, true},
		{"bad currency", func(t *BankStatementTransaction) { t.Currency = "DOLLARS" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := valid
			tt.mutate(&txn)
			if err := txn.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCounterpartyKey(t *testing.T) {
	txn := BankStatementTransaction{Counterparty: "  acme   corp ", Reference: "INV-1"}
	if got := txn.CounterpartyKey(); got != "ACME CORP" {
		t.Errorf("expected ACME CORP, got %q", got)
	}
	txn.Counterparty = ""
	if got := txn.CounterpartyKey(); got != "INV-1" {
		t.Errorf("expected reference fallback, got %q", got)
	}
}

func TestJournalEntry(t *testing.T) {
	salary := JournalEntry{
		ID:        "JE-1",
		AccountID: "ACC-1",
		Date:      date("2024-02-01"),
		Currency:  "USD",
		Lines: []JournalLine{
			line("1000", AccountAsset, "3000.00", "0"),
			line("4000", AccountIncome, "0", "3000.00"),
		},
	}

	if err := salary.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !salary.Amount().Equal(decimal.RequireFromString("3000")) {
		t.Errorf("expected amount 3000, got %s", salary.Amount())
	}
	if salary.DebitType() != AccountAsset || salary.CreditType() != AccountIncome {
		t.Errorf("unexpected primary types %s/%s", salary.DebitType(), salary.CreditType())
	}
	if salary.Category() != "4000" {
		t.Errorf("expected income account as category, got %s", salary.Category())
	}

	rent := JournalEntry{
		ID:        "JE-2",
		AccountID: "ACC-1",
		Date:      date("2024-02-01"),
		Lines: []JournalLine{
			line("6100", AccountExpense, "900", "0"),
			line("6150", AccountExpense, "100", "0"),
			line("1000", AccountAsset, "0", "1000"),
		},
	}
	if rent.Category() != "6100" {
		t.Errorf("expected largest expense line as category, got %s", rent.Category())
	}

	unbalanced := salary
	unbalanced.Lines = []JournalLine{
		line("1000", AccountAsset, "10", "0"),
		line("4000", AccountIncome, "0", "9.99"),
	}
	if err := unbalanced.Validate(); err == nil {
		t.Error("expected unbalanced entry to fail validation")
	}
}

func TestDaysBetweenCrossesBoundaries(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2024-01-31", "2024-02-01", 1},
		{"2023-12-31", "2024-01-01", 1},
		{"2024-02-28", "2024-03-01", 2},
		{"2024-03-10", "2024-03-03", 7},
	}
	for _, tt := range tests {
		if got := DaysBetween(date(tt.a), date(tt.b)); got != tt.want {
			t.Errorf("DaysBetween(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}

	late := time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC)
	early := time.Date(2024, 2, 1, 0, 1, 0, 0, time.UTC)
	if DaysBetween(late, early) != 1 {
		t.Error("expected times on consecutive days to be one civil day apart")
	}
}

func TestParseHelpers(t *testing.T) {
	amounts := map[string]string{
		"$1,234.50": "1234.5",
		"(87.50)":   "-87.5",
		" -0.10 ":   "-0.1",
	}
	for in, want := range amounts {
		got, err := ParseDecimalFromString(in)
		if err != nil {
			t.Errorf("ParseDecimalFromString(%q) error = %v", in, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("ParseDecimalFromString(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseDecimalFromString("12.3.4"); err == nil {
		t.Error("expected malformed amount to fail")
	}

	if _, err := ParseTimeWithFormats("2024-01-31"); err != nil {
		t.Errorf("unexpected date error: %v", err)
	}
	if _, err := ParseTimeWithFormats("31st of Jan"); err == nil {
		t.Error("expected unparseable date to fail")
	}

	if d, _ := ParseDirection("cr"); d != DirectionIn {
		t.Errorf("expected cr to parse as IN, got %s", d)
	}
	if at, _ := ParseAccountType("Liabilities"); at != AccountLiability {
		t.Errorf("expected liability, got %s", at)
	}
	if _, err := ParseAccountType("widgets"); err == nil {
		t.Error("expected unknown account type to fail")
	}
}

func TestMatchTransitions(t *testing.T) {
	tests := []struct {
		from, to MatchStatus
		allowed  bool
	}{
		{StatusPending, StatusAutoAccepted, true},
		{StatusPending, StatusPendingReview, true},
		{StatusPending, StatusAccepted, false},
		{StatusPendingReview, StatusAccepted, true},
		{StatusPendingReview, StatusRejected, true},
		{StatusPendingReview, StatusSuperseded, true},
		{StatusAutoAccepted, StatusRejected, true},
		{StatusAutoAccepted, StatusSuperseded, false},
		{StatusAccepted, StatusRejected, false},
		{StatusRejected, StatusPendingReview, false},
		{StatusSuperseded, StatusPendingReview, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := &ReconciliationMatch{ID: "M-1", Status: tt.from}
			err := m.Transition(tt.to, date("2024-01-01"))
			if (err == nil) != tt.allowed {
				t.Errorf("Transition() error = %v, allowed %v", err, tt.allowed)
			}
			if tt.allowed && m.Status != tt.to {
				t.Errorf("expected status %s, got %s", tt.to, m.Status)
			}
			if !tt.allowed && m.Status != tt.from {
				t.Errorf("status changed on illegal transition: %s", m.Status)
			}
		})
	}

	for _, s := range []MatchStatus{StatusAccepted, StatusRejected, StatusSuperseded} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	if StatusRejected.IsActive() || StatusSuperseded.IsActive() || !StatusAutoAccepted.IsActive() {
		t.Error("unexpected active states")
	}
}

func TestEntrySetKeyIsOrderIndependent(t *testing.T) {
	a := &ReconciliationMatch{JournalEntryIDs: []string{"JE-3", "JE-1", "JE-2"}}
	b := &ReconciliationMatch{JournalEntryIDs: []string{"JE-1", "JE-2", "JE-3"}}
	if a.EntrySetKey() != b.EntrySetKey() {
		t.Errorf("expected equal keys, got %q and %q", a.EntrySetKey(), b.EntrySetKey())
	}
	if a.JournalEntryIDs[0] != "JE-3" {
		t.Error("EntrySetKey must not reorder the match's entry ids")
	}
}

func TestConsistencyCheckResolve(t *testing.T) {
	check := &ConsistencyCheck{
		ID:            "C-1",
		CheckType:     CheckAnomaly,
		Severity:      SeverityHigh,
		RelatedTxnIDs: []string{"T-2"},
		Status:        CheckOpen,
	}

	if !check.BlocksApproval() {
		t.Error("expected open high check to block approval")
	}
	if err := check.Resolve(ResolutionFlagged, "ask treasury", date("2024-03-01")); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if check.BlocksApproval() {
		t.Error("resolved check should not block approval")
	}
	if err := check.Resolve(ResolutionApproved, "", date("2024-03-02")); err == nil {
		t.Error("expected second resolution to fail")
	}

	low := &ConsistencyCheck{Severity: SeverityLow, Status: CheckOpen}
	if low.BlocksApproval() {
		t.Error("low severity checks should not block approval")
	}
}

func TestCheckFingerprint(t *testing.T) {
	a := CheckFingerprint(CheckDuplicate, []string{"T-9", "T-1"})
	b := CheckFingerprint(CheckDuplicate, []string{"T-1", "T-9"})
	if a != b || a != "duplicate:T-1,T-9" {
		t.Errorf("unexpected fingerprints %q %q", a, b)
	}
	if CheckFingerprint(CheckTransferPair, []string{"T-1", "T-9"}) == a {
		t.Error("fingerprint must include the check type")
	}
	if MaxSeverity(SeverityMedium, SeverityHigh) != SeverityHigh || MaxSeverity(SeverityMedium, SeverityLow) != SeverityMedium {
		t.Error("unexpected MaxSeverity")
	}
	if r, err := ParseResolution("flag"); err != nil || r != ResolutionFlagged {
		t.Errorf("ParseResolution(flag) = %s, %v", r, err)
	}
}
