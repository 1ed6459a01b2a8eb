package toncenter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key")
}

func TestGetAccountState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getAddressInformation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("missing API key header")
		}
		w.Write([]byte(`{"ok":true,"result":{"balance":"1500000000","state":"active","last_transaction_id":{"lt":"42000001"}}}`))
	})

	state, err := c.GetAccountState(context.Background(), "EQAbc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Balance != 1500000000 {
		t.Errorf("expected balance 1500000000, got %d", state.Balance)
	}
	if state.Status != "active" {
		t.Errorf("expected status active, got %s", state.Status)
	}
	if state.LastTransactionLT != 42000001 {
		t.Errorf("expected lt 42000001, got %d", state.LastTransactionLT)
	}
}

func TestGetSequenceNumber(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"seqno":17}}`))
	})
	seqno, err := c.GetSequenceNumber(context.Background(), "EQAbc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seqno != 17 {
		t.Errorf("expected seqno 17, got %d", seqno)
	}
}

func TestGetSequenceNumber_UninitializedWallet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"wallet":false}}`))
	})
	seqno, err := c.GetSequenceNumber(context.Background(), "EQAbc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seqno != 0 {
		t.Errorf("expected seqno 0 for uninitialized wallet, got %d", seqno)
	}
}

func TestSubmitTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Write([]byte(`{"ok":true,"result":{"hash":"deadbeef"}}`))
	})
	hash, err := c.SubmitTransaction(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != "deadbeef" {
		t.Errorf("expected hash deadbeef, got %s", hash)
	}
}

func TestGetTransactionsSince_FiltersAndSorts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":[
			{"transaction_id":{"lt":"300","hash":"h3"},"utime":1700000300,"in_msg":{"source":"A","destination":"B","value":"5000","message":"req_1"}},
			{"transaction_id":{"lt":"100","hash":"h1"},"utime":1700000100,"in_msg":{"source":"A","destination":"B","value":"1000","message":""}},
			{"transaction_id":{"lt":"200","hash":"h2"},"utime":1700000200,"in_msg":{"source":"C","destination":"B","value":"2000","message":""}}
		]}`))
	})

	txs, err := c.GetTransactionsSince(context.Background(), "B", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions after lt 100, got %d", len(txs))
	}
	if txs[0].LT != 200 || txs[1].LT != 300 {
		t.Errorf("expected ascending lt order [200 300], got [%d %d]", txs[0].LT, txs[1].LT)
	}
	if txs[1].Comment != "req_1" {
		t.Errorf("expected comment req_1, got %q", txs[1].Comment)
	}
}

// backlogHandler serves a synthetic account history with transactions
// at LT 1..total, newest first, honoring limit, to_lt, and the lt+hash
// page anchor the way toncenter does (the anchor row is included).
func backlogHandler(total int, calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		toLT, _ := strconv.ParseInt(q.Get("to_lt"), 10, 64)
		start := int64(total)
		if v := q.Get("lt"); v != "" {
			start, _ = strconv.ParseInt(v, 10, 64)
		}

		var rows []string
		for lt := start; lt > toLT && len(rows) < limit; lt-- {
			rows = append(rows, fmt.Sprintf(
				`{"transaction_id":{"lt":"%d","hash":"h%d"},"utime":%d,"in_msg":{"source":"A","destination":"B","value":"1000","message":""}}`,
				lt, lt, 1700000000+lt))
		}
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(rows, ","))
	}
}

func TestGetTransactionsSince_PagesThroughBacklog(t *testing.T) {
	calls := 0
	c := newTestClient(t, backlogHandler(150, &calls))

	txs, err := c.GetTransactionsSince(context.Background(), "B", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 150 {
		t.Fatalf("expected all 150 transactions, got %d", len(txs))
	}
	if calls < 2 {
		t.Errorf("a 150-deep backlog needs more than one page, got %d calls", calls)
	}
	for i, tx := range txs {
		if tx.LT != int64(i+1) {
			t.Fatalf("gap or misorder at index %d: lt %d", i, tx.LT)
		}
	}
}

func TestGetTransactionsSince_PagingStopsAtCursor(t *testing.T) {
	calls := 0
	c := newTestClient(t, backlogHandler(150, &calls))

	txs, err := c.GetTransactionsSince(context.Background(), "B", 120)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 30 {
		t.Fatalf("expected 30 transactions above lt 120, got %d", len(txs))
	}
	if txs[0].LT != 121 || txs[len(txs)-1].LT != 150 {
		t.Errorf("window bounds wrong: [%d %d]", txs[0].LT, txs[len(txs)-1].LT)
	}
	if calls != 1 {
		t.Errorf("a 30-entry window fits one page, got %d calls", calls)
	}
}

func TestGetTransactionsSince_BacklogBeyondBudgetFails(t *testing.T) {
	calls := 0
	c := newTestClient(t, backlogHandler(txPageMax*txPageLimit+50, &calls))

	_, err := c.GetTransactionsSince(context.Background(), "B", 0)
	if err == nil {
		t.Fatal("expected error for a backlog deeper than the page budget")
	}
	if calls != txPageMax {
		t.Errorf("expected exactly %d page fetches before giving up, got %d", txPageMax, calls)
	}
}

func TestAPIError_Transient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ok":false,"code":503,"error":"overloaded"}`))
	})
	_, err := c.GetAccountState(context.Background(), "EQAbc")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if !apiErr.Transient() {
		t.Error("503 should be transient")
	}
}

func TestAPIError_NotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"ok":false,"code":422,"error":"invalid address"}`))
	})
	_, err := c.GetAccountState(context.Background(), "nonsense")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Transient() {
		t.Error("422 should not be transient")
	}
}
