package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/remote/memremote"
	"github.com/skywave/ledgersync/internal/store"
)

const (
	localDevice = "laptop-aaaa000000"
	otherDevice = "desk-bbbb000000"
)

func testEnv(t *testing.T) (*store.Store, *memremote.Store, *Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), localDevice)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	rem := memremote.New()
	m := New(st, rem, nil, log.New(io.Discard, "", 0))
	m.backoff = func(int) time.Duration { return 0 }
	return st, rem, m
}

func testConfig(kinds ...entity.Kind) *Config {
	if len(kinds) == 0 {
		kinds = []entity.Kind{entity.KindClient}
	}
	return &Config{
		BatchSize:   10,
		Timeout:     time.Second,
		MaxRetries:  2,
		Collections: kinds,
	}
}

func TestRunCyclePushesDirtyRecords(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	a, err := st.Save(ctx, entity.KindClient, "", &entity.Client{Name: "Alpha"})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	b, err := st.Save(ctx, entity.KindClient, "", &entity.Client{Name: "Beta"})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	var notified []entity.Kind
	m.Bus().Subscribe(func(kind entity.Kind) { notified = append(notified, kind) })

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("cycle not clean: %s", report.Summary())
	}
	if got := report.Collections[entity.KindClient].Pushed; got != 2 {
		t.Errorf("pushed = %d, want 2", got)
	}
	if rem.Count(entity.KindClient) != 2 {
		t.Errorf("remote has %d clients, want 2", rem.Count(entity.KindClient))
	}

	// The local id doubles as the remote document id.
	for _, id := range []string{a.LocalID, b.LocalID} {
		if rem.Document(entity.KindClient, id) == nil {
			t.Errorf("remote missing document %s", id)
		}
		got, err := st.Get(ctx, entity.KindClient, id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if got.Status != entity.StatusSynced {
			t.Errorf("record %s status = %q, want synced", id, got.Status)
		}
		if got.RemoteID != id {
			t.Errorf("record %s remote id = %q, want %q", id, got.RemoteID, id)
		}
	}

	if len(notified) == 0 || notified[0] != entity.KindClient {
		t.Errorf("no change notification for clients: %v", notified)
	}
}

func TestPushRetriesTransientFailure(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	if _, err := st.Save(ctx, entity.KindClient, "", &entity.Client{Name: "Alpha"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rem.FailPushes = 1

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("cycle not clean after retry: %s", report.Summary())
	}
	if rem.Count(entity.KindClient) != 1 {
		t.Errorf("remote has %d clients, want 1", rem.Count(entity.KindClient))
	}
}

func TestPushIdempotentAcrossCycles(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	rec, _ := st.Save(ctx, entity.KindClient, "", &entity.Client{Name: "Alpha"})

	// Exhaust retries: the record stays dirty and the collection is
	// reported incomplete, never discarded.
	cfg := testConfig()
	cfg.MaxRetries = 0
	rem.FailPushes = 1

	report, err := m.RunCycle(ctx, cfg)
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if report.Collections[entity.KindClient].Incomplete == "" {
		t.Fatal("exhausted retries not reported as incomplete")
	}
	got, _ := st.Get(ctx, entity.KindClient, rec.LocalID)
	if !got.Status.Dirty() {
		t.Fatalf("record status = %q, want dirty", got.Status)
	}

	// The retried cycle confirms the same document instead of creating
	// a second one.
	report, err = m.RunCycle(ctx, cfg)
	if err != nil {
		t.Fatalf("second RunCycle() failed: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("second cycle not clean: %s", report.Summary())
	}
	if rem.Count(entity.KindClient) != 1 {
		t.Errorf("remote has %d clients after retry, want exactly 1", rem.Count(entity.KindClient))
	}
}

func TestPullInsertsRemoteDocuments(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Pulled One"}, otherDevice, now)
	lastSeq := rem.Seed(entity.KindClient, "doc-2", &entity.Client{Name: "Pulled Two"}, otherDevice, now)

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if got := report.Collections[entity.KindClient].Pulled; got != 2 {
		t.Errorf("pulled = %d, want 2", got)
	}

	local, err := st.Get(ctx, entity.KindClient, "doc-1")
	if err != nil {
		t.Fatalf("Get(doc-1) failed: %v", err)
	}
	if local.Status != entity.StatusSynced || local.RemoteID != "doc-1" {
		t.Errorf("pulled record = %+v, want synced with remote id doc-1", local)
	}

	cursor, err := st.Cursor(ctx, entity.KindClient)
	if err != nil {
		t.Fatalf("Cursor() failed: %v", err)
	}
	if cursor != lastSeq {
		t.Errorf("cursor = %d, want %d", cursor, lastSeq)
	}

	// A second cycle re-reads nothing and pulls nothing.
	report, err = m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("second RunCycle() failed: %v", err)
	}
	if got := report.Collections[entity.KindClient].Pulled; got != 0 {
		t.Errorf("second cycle pulled = %d, want 0", got)
	}
}

func TestConflictRemoteWins(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Original"}, otherDevice, base)
	if _, err := m.RunCycle(ctx, testConfig()); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}

	// Local edit, then a newer remote edit from the other device.
	if _, err := st.Save(ctx, entity.KindClient, "doc-1", &entity.Client{Name: "Local Edit"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Remote Edit"}, otherDevice,
		time.Now().UTC().Add(time.Hour))

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if got := report.Collections[entity.KindClient].Conflicts; got != 1 {
		t.Errorf("conflicts = %d, want 1", got)
	}

	local, _ := st.Get(ctx, entity.KindClient, "doc-1")
	if local.Payload.(*entity.Client).Name != "Remote Edit" {
		t.Errorf("local name = %q, want the remote winner", local.Payload.(*entity.Client).Name)
	}
	if local.Status != entity.StatusSynced {
		t.Errorf("status = %q, want synced", local.Status)
	}

	entries, err := st.ConflictLog(ctx, 0)
	if err != nil {
		t.Fatalf("ConflictLog() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Resolution != "remote_wins" {
		t.Errorf("conflict log = %+v, want one remote_wins entry", entries)
	}
}

func TestConflictLocalWinsAndRepushes(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Original"}, otherDevice, base)
	if _, err := m.RunCycle(ctx, testConfig()); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}

	// The remote edit is older than the local one.
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Stale Remote Edit"}, otherDevice,
		base.Add(time.Minute))
	if _, err := st.Save(ctx, entity.KindClient, "doc-1", &entity.Client{Name: "Local Edit"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if got := report.Collections[entity.KindClient].Conflicts; got != 1 {
		t.Errorf("conflicts = %d, want 1", got)
	}

	// The local winner was pushed back in the same cycle.
	local, _ := st.Get(ctx, entity.KindClient, "doc-1")
	if local.Status != entity.StatusSynced {
		t.Errorf("status = %q, want synced after re-push", local.Status)
	}
	doc := rem.Document(entity.KindClient, "doc-1")
	if doc == nil {
		t.Fatal("remote document missing")
	}
	var pushed entity.Client
	if err := json.Unmarshal(doc.Payload, &pushed); err != nil {
		t.Fatalf("failed to parse pushed payload: %v", err)
	}
	if pushed.Name != "Local Edit" {
		t.Errorf("remote name = %q, want the local winner", pushed.Name)
	}

	entries, _ := st.ConflictLog(ctx, 0)
	if len(entries) != 1 || entries[0].Resolution != "local_wins" {
		t.Errorf("conflict log = %+v, want one local_wins entry", entries)
	}
}

func TestLocalDeletionWinsOverRemoteEdit(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Original"}, otherDevice, base)
	if _, err := m.RunCycle(ctx, testConfig()); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}

	if err := st.MarkDeleted(ctx, entity.KindClient, "doc-1"); err != nil {
		t.Fatalf("MarkDeleted() failed: %v", err)
	}
	// A remote edit races the deletion and loses, even though newer.
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Edited Elsewhere"}, otherDevice,
		time.Now().UTC().Add(time.Hour))

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	cr := report.Collections[entity.KindClient]
	if cr.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", cr.Conflicts)
	}
	if cr.Purged != 1 {
		t.Errorf("purged = %d, want 1", cr.Purged)
	}

	if _, err := st.Get(ctx, entity.KindClient, "doc-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() after purge: got %v, want ErrNotFound", err)
	}
	doc := rem.Document(entity.KindClient, "doc-1")
	if doc == nil || !doc.Deleted {
		t.Errorf("remote document not deleted: %+v", doc)
	}

	entries, _ := st.ConflictLog(ctx, 0)
	if len(entries) != 1 || entries[0].Resolution != "deletion_wins" || entries[0].Severity != "high" {
		t.Errorf("conflict log = %+v, want one high deletion_wins entry", entries)
	}
}

func TestRemoteDeletionWinsOverLocalEdit(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Original"}, otherDevice, base)
	if _, err := m.RunCycle(ctx, testConfig()); err != nil {
		t.Fatalf("seed cycle failed: %v", err)
	}

	// The other device deletes; this device edits before learning of it.
	if err := rem.PushTombstones(ctx, entity.KindClient, []string{"doc-1"}); err != nil {
		t.Fatalf("PushTombstones() failed: %v", err)
	}
	if _, err := st.Save(ctx, entity.KindClient, "doc-1", &entity.Client{Name: "Local Edit"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	report, err := m.RunCycle(ctx, testConfig())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	cr := report.Collections[entity.KindClient]
	if cr.Deletes != 1 {
		t.Errorf("deletes = %d, want 1", cr.Deletes)
	}
	if cr.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", cr.Conflicts)
	}
	if _, err := st.Get(ctx, entity.KindClient, "doc-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() after remote delete: got %v, want ErrNotFound", err)
	}
	if rem.Count(entity.KindClient) != 0 {
		t.Errorf("local edit resurrected the deleted document")
	}
}

func TestFirstSyncReconcilesByNaturalKey(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	// Both devices seeded the same account before ever syncing.
	acct := &entity.Account{Code: "1110", Name: "Cash", Balance: decimal.Zero}
	local, err := st.Save(ctx, entity.KindAccount, "", acct)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rem.Seed(entity.KindAccount, "doc-acct", &entity.Account{Code: "1110", Name: "Cash", Balance: decimal.Zero},
		otherDevice, time.Now().UTC())

	report, err := m.RunCycle(ctx, testConfig(entity.KindAccount))
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("cycle not clean: %s", report.Summary())
	}

	// One record, bound to the remote document, not a twin.
	all, err := st.Query(ctx, entity.KindAccount, nil)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d accounts, want 1", len(all))
	}
	if all[0].LocalID != local.LocalID || all[0].RemoteID != "doc-acct" {
		t.Errorf("record = %+v, want local id kept and remote id adopted", all[0])
	}
	if rem.Count(entity.KindAccount) != 1 {
		t.Errorf("remote has %d accounts, want 1", rem.Count(entity.KindAccount))
	}
}

func TestDuplicateInvoiceNumberRejectedAndReported(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	inv := &entity.Invoice{
		InvoiceNumber: "SW-100",
		ProjectID:     "p1",
		Subtotal:      decimal.NewFromInt(100),
		TotalAmount:   decimal.NewFromInt(100),
	}
	local, err := st.Save(ctx, entity.KindInvoice, "", inv)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	// The record already carries a document binding from an earlier
	// attempt, so natural-key reconciliation does not apply.
	if err := st.AdoptRemoteID(ctx, entity.KindInvoice, local.LocalID, local.LocalID); err != nil {
		t.Fatalf("AdoptRemoteID() failed: %v", err)
	}

	// Another device synced its own SW-100 first.
	rem.Seed(entity.KindInvoice, "doc-y", &entity.Invoice{
		InvoiceNumber: "SW-100",
		ProjectID:     "p9",
		Subtotal:      decimal.NewFromInt(77),
		TotalAmount:   decimal.NewFromInt(77),
	}, otherDevice, time.Now().UTC())

	report, err := m.RunCycle(ctx, testConfig(entity.KindInvoice))
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	cr := report.Collections[entity.KindInvoice]
	if len(cr.Errors) == 0 {
		t.Fatal("duplicate invoice number produced no record errors")
	}

	// The local invoice stays dirty and visible; nothing was silently
	// overwritten on either side.
	got, _ := st.Get(ctx, entity.KindInvoice, local.LocalID)
	if !got.Status.Dirty() {
		t.Errorf("local invoice status = %q, want dirty", got.Status)
	}
	if rem.Count(entity.KindInvoice) != 1 {
		t.Errorf("remote has %d invoices, want 1", rem.Count(entity.KindInvoice))
	}
}

func TestIndependentInvoiceNumbersNeverFused(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	// Two devices invoiced SW-100 independently; neither has synced and
	// no document binding exists on either side.
	local, err := st.Save(ctx, entity.KindInvoice, "", &entity.Invoice{
		InvoiceNumber: "SW-100",
		ProjectID:     "p1",
		Subtotal:      decimal.NewFromInt(100),
		TotalAmount:   decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rem.Seed(entity.KindInvoice, "doc-y", &entity.Invoice{
		InvoiceNumber: "SW-100",
		ProjectID:     "p9",
		Subtotal:      decimal.NewFromInt(77),
		TotalAmount:   decimal.NewFromInt(77),
	}, otherDevice, time.Now().UTC())

	report, err := m.RunCycle(ctx, testConfig(entity.KindInvoice))
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	cr := report.Collections[entity.KindInvoice]
	if len(cr.Errors) == 0 {
		t.Fatal("colliding invoice numbers produced no record errors")
	}
	// Two different invoices, not two revisions of one; the resolver
	// must never run.
	if cr.Conflicts != 0 {
		t.Errorf("conflicts = %d, want 0", cr.Conflicts)
	}

	// The other device's document is untouched.
	doc := rem.Document(entity.KindInvoice, "doc-y")
	if doc == nil {
		t.Fatal("remote document doc-y vanished")
	}
	var theirs entity.Invoice
	if err := json.Unmarshal(doc.Payload, &theirs); err != nil {
		t.Fatalf("unmarshal remote payload: %v", err)
	}
	if theirs.ProjectID != "p9" || !theirs.TotalAmount.Equal(decimal.NewFromInt(77)) {
		t.Errorf("remote invoice overwritten: %+v", theirs)
	}
	if rem.Count(entity.KindInvoice) != 1 {
		t.Errorf("remote has %d invoices, want 1", rem.Count(entity.KindInvoice))
	}

	// The local invoice keeps its own identity and stays dirty for the
	// user to renumber.
	got, err := st.Get(ctx, entity.KindInvoice, local.LocalID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Status.Dirty() {
		t.Errorf("local invoice status = %q, want dirty", got.Status)
	}
	if mine := got.Payload.(*entity.Invoice); mine.ProjectID != "p1" || !mine.TotalAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("local invoice payload changed: %+v", mine)
	}
}

func TestRejectedRecordsDoNotStarveQueue(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	// Another device already holds SW-1, so the head of the dirty queue
	// is rejected on every push.
	rem.Seed(entity.KindInvoice, "doc-other", &entity.Invoice{
		InvoiceNumber: "SW-1",
		ProjectID:     "p9",
		Subtotal:      decimal.NewFromInt(10),
		TotalAmount:   decimal.NewFromInt(10),
	}, otherDevice, time.Now().UTC())

	first, err := st.Save(ctx, entity.KindInvoice, "", &entity.Invoice{
		InvoiceNumber: "SW-1",
		ProjectID:     "p1",
		Subtotal:      decimal.NewFromInt(10),
		TotalAmount:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	second, err := st.Save(ctx, entity.KindInvoice, "", &entity.Invoice{
		InvoiceNumber: "SW-2",
		ProjectID:     "p1",
		Subtotal:      decimal.NewFromInt(20),
		TotalAmount:   decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	cfg := testConfig(entity.KindInvoice)
	cfg.BatchSize = 1

	report, err := m.RunCycle(ctx, cfg)
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	cr := report.Collections[entity.KindInvoice]
	if len(cr.Errors) == 0 {
		t.Fatal("rejected SW-1 produced no record errors")
	}

	// SW-2 syncs in the same cycle despite the rejected record filling
	// the head batch.
	got, err := st.Get(ctx, entity.KindInvoice, second.LocalID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != entity.StatusSynced {
		t.Errorf("SW-2 status = %q, want synced", got.Status)
	}
	if rem.Document(entity.KindInvoice, second.LocalID) == nil {
		t.Error("remote missing the SW-2 document")
	}

	// SW-1 stays dirty and visible.
	got, err = st.Get(ctx, entity.KindInvoice, first.LocalID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Status.Dirty() {
		t.Errorf("SW-1 status = %q, want dirty", got.Status)
	}
}

func TestPaymentsFromTwoDevicesUnion(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	date := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	mine := &entity.Payment{
		ProjectID:   "p1",
		AccountCode: "1110",
		Amount:      decimal.NewFromInt(500),
		Date:        date,
		PaymentKey:  entity.PaymentKeyFor(localDevice, 1),
	}
	if _, err := st.Save(ctx, entity.KindPayment, "", mine); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	theirs := &entity.Payment{
		ProjectID:   "p1",
		AccountCode: "1110",
		Amount:      decimal.NewFromInt(300),
		Date:        date,
		PaymentKey:  entity.PaymentKeyFor(otherDevice, 1),
	}
	rem.Seed(entity.KindPayment, "doc-their-payment", theirs, otherDevice, time.Now().UTC())

	report, err := m.RunCycle(ctx, testConfig(entity.KindPayment))
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("cycle not clean: %s", report.Summary())
	}

	// Both rows survive on both sides.
	local, err := st.Query(ctx, entity.KindPayment, nil)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(local) != 2 {
		t.Errorf("local has %d payments, want 2", len(local))
	}
	if rem.Count(entity.KindPayment) != 2 {
		t.Errorf("remote has %d payments, want 2", rem.Count(entity.KindPayment))
	}
}

func TestAuthErrorAbortsCycle(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	if _, err := st.Save(ctx, entity.KindClient, "", &entity.Client{Name: "Alpha"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rem.AuthBroken = true

	cfg := testConfig(entity.KindClient, entity.KindProject)
	report, err := m.RunCycle(ctx, cfg)
	if err == nil {
		t.Fatal("RunCycle() succeeded with broken credentials")
	}
	if !report.Aborted {
		t.Error("report not marked aborted")
	}
	// The failing collection stops the cycle; later ones are untouched.
	if _, ok := report.Collections[entity.KindProject]; ok {
		t.Error("cycle continued past an auth failure")
	}
}

func TestCancelledContextAbortsCleanly(t *testing.T) {
	st, _, m := testEnv(t)

	if _, err := st.Save(context.Background(), entity.KindClient, "", &entity.Client{Name: "Alpha"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := m.RunCycle(ctx, testConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle() = %v, want context.Canceled", err)
	}
	if !report.Aborted {
		t.Error("report not marked aborted")
	}

	// The record is untouched and the cycle is safe to resume.
	report, err = m.RunCycle(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("resumed RunCycle() failed: %v", err)
	}
	if got := report.Collections[entity.KindClient].Pushed; got != 1 {
		t.Errorf("resumed cycle pushed = %d, want 1", got)
	}
}

func TestRunCycleRejectsInvalidConfig(t *testing.T) {
	_, _, m := testEnv(t)

	_, err := m.RunCycle(context.Background(), &Config{})
	if err == nil {
		t.Fatal("RunCycle() accepted an invalid config")
	}
}

func TestStatsPersistedAcrossCycles(t *testing.T) {
	st, rem, m := testEnv(t)
	ctx := context.Background()

	statsPath := filepath.Join(t.TempDir(), "stats.json")
	m.SetStatsPath(statsPath)

	if _, err := st.Save(ctx, entity.KindClient, "", &entity.Client{Name: "Alpha"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rem.Seed(entity.KindClient, "doc-1", &entity.Client{Name: "Remote"}, otherDevice, time.Now().UTC())

	if _, err := m.RunCycle(ctx, testConfig()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if _, err := m.RunCycle(ctx, testConfig()); err != nil {
		t.Fatalf("second RunCycle() failed: %v", err)
	}

	stats := LoadStats(statsPath)
	if stats.Cycles != 2 {
		t.Errorf("cycles = %d, want 2", stats.Cycles)
	}
	if stats.Pushed != 1 || stats.Pulled != 1 {
		t.Errorf("pushed=%d pulled=%d, want 1 and 1", stats.Pushed, stats.Pulled)
	}
	if stats.LastSuccessAt == nil {
		t.Error("last success not recorded")
	}
}
