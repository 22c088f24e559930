package permissions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AfshinJalili/fintrack/libs/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func recordFromMask(mask int) Record {
	return Record{
		Assets:       mask&1 != 0,
		Liabilities:  mask&2 != 0,
		Transactions: mask&4 != 0,
		Investments:  mask&8 != 0,
		CreditScore:  mask&16 != 0,
		EPFBalance:   mask&32 != 0,
	}
}

func TestRenderPartitionsEveryCategory(t *testing.T) {
	for mask := 0; mask < 64; mask++ {
		rec := recordFromMask(mask)
		text := Render(rec)

		denied := 0
		for _, c := range Categories {
			if !rec.Allows(c.Key) {
				denied++
			}
		}

		if got := strings.Count(text, "DENIED: "); got != denied {
			t.Fatalf("mask %06b: expected %d denied lines, got %d", mask, denied, got)
		}
		if got := strings.Count(text, "ALLOWED: "); got != 6-denied {
			t.Fatalf("mask %06b: expected %d allowed lines, got %d", mask, 6-denied, got)
		}
		for _, c := range Categories {
			if n := strings.Count(text, ": "+c.Description+"\n"); n != 1 {
				t.Fatalf("mask %06b: category %s listed %d times", mask, c.Key, n)
			}
		}

		hasRefusal := strings.Contains(text, RefusalMessage)
		if hasRefusal != (denied > 0) {
			t.Fatalf("mask %06b: refusal line present=%v with %d denied", mask, hasRefusal, denied)
		}
		if !strings.HasSuffix(text, "Never mention or analyze DENIED data.") {
			t.Fatalf("mask %06b: missing closing directive", mask)
		}
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	rec := Record{Assets: true, Investments: false, CreditScore: true}
	if Render(rec) != Render(rec) {
		t.Fatalf("expected identical output for identical input")
	}
}

func TestPartitionKeepsCanonicalOrder(t *testing.T) {
	allowed, denied := Partition(Record{Assets: true, Transactions: true, EPFBalance: true})
	want := []string{Assets, Transactions, EPFBalance}
	for i, c := range allowed {
		if c.Key != want[i] {
			t.Fatalf("allowed[%d] = %s, want %s", i, c.Key, want[i])
		}
	}
	if len(denied) != 3 || denied[0].Key != Liabilities || denied[2].Key != CreditScore {
		t.Fatalf("unexpected denied order %+v", denied)
	}
}

type fakeSource struct {
	rec Record
	err error
}

func (f fakeSource) GetPermissions(context.Context, string) (Record, error) {
	return f.rec, f.err
}

func newFallbackCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fallbacks"}, []string{"reason"})
}

func TestResolverReturnsStoredRecord(t *testing.T) {
	want := Record{Assets: true, Investments: true}
	r := NewResolver(fakeSource{rec: want}, logging.Discard(), nil)
	if got := r.Resolve(context.Background(), "user-1"); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestResolverFailsClosedForUnknownUser(t *testing.T) {
	counter := newFallbackCounter()
	r := NewResolver(fakeSource{rec: AllowAll(), err: ErrUnknownUser}, logging.Discard(), counter)

	if got := r.Resolve(context.Background(), "ghost"); got != DenyAll() {
		t.Fatalf("expected deny-all, got %+v", got)
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("unknown_user")); v != 1 {
		t.Fatalf("expected fallback counted, got %v", v)
	}
}

func TestResolverFailsClosedOnLookupError(t *testing.T) {
	counter := newFallbackCounter()
	r := NewResolver(fakeSource{rec: AllowAll(), err: errors.New("connection refused")}, logging.Discard(), counter)

	if got := r.Resolve(context.Background(), "user-1"); got != DenyAll() {
		t.Fatalf("expected deny-all, got %+v", got)
	}
	if v := testutil.ToFloat64(counter.WithLabelValues("lookup_error")); v != 1 {
		t.Fatalf("expected fallback counted, got %v", v)
	}
}

func TestDeniedKeys(t *testing.T) {
	rec := AllowAll()
	rec.Investments = false
	rec.EPFBalance = false
	got := rec.Denied()
	if len(got) != 2 || got[0] != Investments || got[1] != EPFBalance {
		t.Fatalf("unexpected denied keys %v", got)
	}
}

func TestUpdateApplyLeavesAbsentFlags(t *testing.T) {
	no := false
	yes := true
	u := Update{Investments: &no, CreditScore: &yes}
	if u.Empty() {
		t.Fatalf("expected non-empty update")
	}

	got := u.Apply(Record{Assets: true, Investments: true})
	want := Record{Assets: true, CreditScore: true}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if !(Update{}).Empty() {
		t.Fatalf("expected empty update")
	}
}
