// Package toncenter is a client for the toncenter-style TON HTTP API.
// It exposes only the four primitives the rest of the service needs:
// account state, wallet sequence number, raw transaction submission, and
// the transaction log since a logical time.
package toncenter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// AccountState is the on-chain view of an account.
type AccountState struct {
	Address           string
	Balance           int64 // nanoton
	Status            string
	LastTransactionLT int64
}

// Transaction is a confirmed transaction on a watched account.
type Transaction struct {
	Hash      string
	LT        int64 // logical time, strictly increasing per account
	From      string
	To        string
	Amount    int64 // minimal units carried by the inbound message
	Comment   string
	Timestamp time.Time
}

// APIError is a non-2xx or ok=false reply from the chain API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("toncenter: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether the error is worth retrying.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client talks to a toncenter-compatible endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a client for the given base URL, e.g.
// https://testnet.toncenter.com/api/v2. apiKey may be empty.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// envelope is the standard toncenter reply wrapper.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Code   int             `json:"code"`
	Error  string          `json:"error"`
}

// GetAccountState fetches the balance and status of an address.
func (c *Client) GetAccountState(ctx context.Context, address string) (*AccountState, error) {
	q := url.Values{"address": {address}}
	var raw struct {
		Balance           string `json:"balance"`
		State             string `json:"state"`
		LastTransactionID struct {
			LT string `json:"lt"`
		} `json:"last_transaction_id"`
	}
	if err := c.get(ctx, "/getAddressInformation", q, &raw); err != nil {
		return nil, err
	}

	balance, err := strconv.ParseInt(raw.Balance, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("toncenter: parse balance %q: %w", raw.Balance, err)
	}
	lastLT, _ := strconv.ParseInt(raw.LastTransactionID.LT, 10, 64)

	return &AccountState{
		Address:           address,
		Balance:           balance,
		Status:            raw.State,
		LastTransactionLT: lastLT,
	}, nil
}

// GetSequenceNumber fetches the wallet seqno for an address. A wallet
// that has never sent a message reports seqno 0.
func (c *Client) GetSequenceNumber(ctx context.Context, address string) (uint32, error) {
	q := url.Values{"address": {address}}
	var raw struct {
		Seqno *uint32 `json:"seqno"`
	}
	if err := c.get(ctx, "/getWalletInformation", q, &raw); err != nil {
		return 0, err
	}
	if raw.Seqno == nil {
		return 0, nil
	}
	return *raw.Seqno, nil
}

// SubmitTransaction sends a signed message body to the chain and returns
// the chain-assigned transaction hash.
func (c *Client) SubmitTransaction(ctx context.Context, signedPayload []byte) (string, error) {
	body := map[string]string{"boc": base64.StdEncoding.EncodeToString(signedPayload)}
	var raw struct {
		Hash string `json:"hash"`
	}
	if err := c.post(ctx, "/sendBocReturnHash", body, &raw); err != nil {
		return "", err
	}
	if raw.Hash == "" {
		return "", fmt.Errorf("toncenter: submit accepted but no hash returned")
	}
	return raw.Hash, nil
}

// Page size and scan budget for one backlog fetch. Ten pages of 100
// cover far more than any single escrow account accumulates between
// polls; a deeper backlog fails the fetch so the caller's cursor
// stays put and the next poll resumes from the same place.
const (
	txPageLimit = 100
	txPageMax   = 10
)

// GetTransactionsSince returns confirmed transactions on address with
// logical time strictly greater than sinceLT, in ascending LT order.
// The API serves pages newest-first, so the client anchors each next
// page on the oldest transaction of the previous one (lt+hash) until
// the window down to sinceLT is covered. Returning only the newest
// page would let the caller's cursor jump over everything below it.
func (c *Client) GetTransactionsSince(ctx context.Context, address string, sinceLT int64) ([]Transaction, error) {
	var (
		txs        []Transaction
		anchorLT   int64
		anchorHash string
	)
	for page := 0; ; page++ {
		if page == txPageMax {
			return nil, fmt.Errorf("toncenter: transaction backlog on %s exceeds %d entries", address, txPageMax*txPageLimit)
		}

		q := url.Values{
			"address":  {address},
			"limit":    {strconv.Itoa(txPageLimit)},
			"archival": {"true"},
		}
		if sinceLT > 0 {
			q.Set("to_lt", strconv.FormatInt(sinceLT, 10))
		}
		if anchorHash != "" {
			// Resume from the previous page's oldest transaction.
			// The reply repeats the anchor itself, filtered below.
			q.Set("lt", strconv.FormatInt(anchorLT, 10))
			q.Set("hash", anchorHash)
		}

		batch, err := c.transactionsPage(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, t := range batch {
			if t.LT <= sinceLT {
				continue
			}
			if anchorHash != "" && t.LT >= anchorLT {
				continue // already collected on the previous page
			}
			txs = append(txs, t)
		}

		if len(batch) < txPageLimit {
			break // bottom of the account history or of the to_lt window
		}
		oldest := batch[len(batch)-1]
		if oldest.LT <= sinceLT+1 {
			break
		}
		anchorLT, anchorHash = oldest.LT, oldest.Hash
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].LT < txs[j].LT })
	return txs, nil
}

// transactionsPage fetches and decodes one /getTransactions reply in
// the server's order (newest first).
func (c *Client) transactionsPage(ctx context.Context, q url.Values) ([]Transaction, error) {
	var raw []struct {
		TransactionID struct {
			LT   string `json:"lt"`
			Hash string `json:"hash"`
		} `json:"transaction_id"`
		Utime int64 `json:"utime"`
		InMsg struct {
			Source      string `json:"source"`
			Destination string `json:"destination"`
			Value       string `json:"value"`
			Message     string `json:"message"`
		} `json:"in_msg"`
	}
	if err := c.get(ctx, "/getTransactions", q, &raw); err != nil {
		return nil, err
	}

	out := make([]Transaction, 0, len(raw))
	for _, t := range raw {
		lt, err := strconv.ParseInt(t.TransactionID.LT, 10, 64)
		if err != nil {
			continue
		}
		amount, _ := strconv.ParseInt(t.InMsg.Value, 10, 64)
		out = append(out, Transaction{
			Hash:      t.TransactionID.Hash,
			LT:        lt,
			From:      t.InMsg.Source,
			To:        t.InMsg.Destination,
			Amount:    amount,
			Comment:   t.InMsg.Message,
			Timestamp: time.Unix(t.Utime, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("toncenter: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("toncenter: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("toncenter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("toncenter: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("toncenter: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	if resp.StatusCode != http.StatusOK || !env.OK {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("toncenter: decode result: %w", err)
		}
	}
	return nil
}
