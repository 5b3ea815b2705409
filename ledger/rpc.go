package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"paket/crypto"
)

// RPCClient implements Client against a ledger node's JSON-RPC server. The
// operator key funds new accounts; it is the only key the client retains.
type RPCClient struct {
	baseURL   string
	authToken string
	operator  *crypto.PrivateKey
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string, operator *crypto.PrivateKey) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		operator:  operator,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Node error codes mapped onto the package sentinels.
const (
	rpcCodeAccountNotFound   = -32001
	rpcCodeAccountExists     = -32002
	rpcCodeNoTrustline       = -32003
	rpcCodeInsufficientFunds = -32004
	rpcCodeBadSequence       = -32005
	rpcCodeTxTooEarly        = -32006
	rpcCodeNotAuthorized     = -32007
)

func (c *RPCClient) NewAccount(ctx context.Context, destination string, startingBalance uint64) error {
	if c.operator == nil {
		return errors.New("ledger: rpc client has no operator key")
	}
	operator := c.operator.PubKey().Address().String()
	seq, err := c.AccountSequence(ctx, operator)
	if err != nil {
		return fmt.Errorf("create account %s: %w", destination, err)
	}
	env := NewEnvelope(Transaction{
		Source:     operator,
		Sequence:   seq + 1,
		Operations: []Operation{CreateAccountOp(destination, startingBalance)},
	})
	if err := env.Sign(c.operator); err != nil {
		return err
	}
	_, err = c.Submit(ctx, env)
	return err
}

func (c *RPCClient) Trust(ctx context.Context, holder *crypto.PrivateKey, asset Asset, limit uint64) error {
	env, err := trustEnvelope(ctx, c, holder, asset, limit)
	if err != nil {
		return err
	}
	_, err = c.Submit(ctx, env)
	return err
}

func (c *RPCClient) BalanceOf(ctx context.Context, account string, asset Asset) (uint64, error) {
	var result struct {
		Balance uint64 `json:"balance"`
	}
	params := map[string]interface{}{"account": account, "asset": asset}
	if err := c.call(ctx, "ledger_balance", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

func (c *RPCClient) AccountSequence(ctx context.Context, account string) (uint64, error) {
	var result struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.call(ctx, "ledger_sequence", []interface{}{map[string]string{"account": account}}, &result); err != nil {
		return 0, err
	}
	return result.Sequence, nil
}

func (c *RPCClient) Now(ctx context.Context) (int64, error) {
	var result struct {
		Time int64 `json:"time"`
	}
	if err := c.call(ctx, "ledger_time", []interface{}{}, &result); err != nil {
		return 0, err
	}
	return result.Time, nil
}

func (c *RPCClient) Submit(ctx context.Context, env *Envelope) (*Receipt, error) {
	var result Receipt
	if err := c.call(ctx, "ledger_submit", []interface{}{env}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		if sentinel := sentinelForCode(rpcResp.Error.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, rpcResp.Error.Message)
		}
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func sentinelForCode(code int) error {
	switch code {
	case rpcCodeAccountNotFound:
		return ErrAccountNotFound
	case rpcCodeAccountExists:
		return ErrAccountExists
	case rpcCodeNoTrustline:
		return ErrNoTrustline
	case rpcCodeInsufficientFunds:
		return ErrInsufficientFunds
	case rpcCodeBadSequence:
		return ErrBadSequence
	case rpcCodeTxTooEarly:
		return ErrTxTooEarly
	case rpcCodeNotAuthorized:
		return ErrNotAuthorized
	default:
		return nil
	}
}
