// Package ledger はリモートトークンレジャーとの連携を提供する。
// メタデータ取得、残高照会、送金、およびメタデータのリードスルーキャッシュを含む。
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
)

const (
	metadataPath  = "/api/v1/metadata"
	balancePath   = "/api/v1/balance"
	transfersPath = "/api/v1/transfers"
)

// TransferErrorKind はレジャー送金失敗の分類。
type TransferErrorKind string

const (
	// TransferErrInsufficientFunds は残高不足による拒否。
	TransferErrInsufficientFunds TransferErrorKind = "insufficient_funds"
	// TransferErrBadAccount は宛先アカウント不正による拒否。
	TransferErrBadAccount TransferErrorKind = "bad_account"
	// TransferErrRejected はレジャーによるその他の拒否。
	TransferErrRejected TransferErrorKind = "rejected"
	// TransferErrTransport は送金リクエスト自体の失敗（ネットワーク等）。
	TransferErrTransport TransferErrorKind = "transport"
)

// TransferError はレジャー送金の失敗を表す型付きエラー。
type TransferError struct {
	Kind    TransferErrorKind
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%s): %s", e.Kind, e.Message)
}

// Ledger はトークンレジャーのインターフェース。
type Ledger interface {
	// Metadata はトークンのシンボルとdecimalsを取得する。
	Metadata(ctx context.Context) (*TokenMetadataResult, error)
	// Balance は指定アカウントの残高（minor units）を取得する。
	Balance(ctx context.Context, account string) (*big.Int, error)
	// Transfer は認証済みユーザーのアカウントから宛先へamountを送金し、レシートIDを返す。
	// 失敗時は*TransferErrorを返す。成功した送金は取り消せない。
	Transfer(ctx context.Context, token, destination string, amount *big.Int) (string, error)
}

// TokenMetadataResult はレジャーのメタデータレスポンス。
type TokenMetadataResult struct {
	Symbol   string `json:"symbol"`
	Decimals uint   `json:"decimals"`
}

// Client はHTTP APIを公開するトークンレジャーのクライアント実装。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// テスト用にエンドポイントを差し替え可能
	metadataURL  string
	balanceURL   string
	transfersURL string
}

// NewClient はClientを生成する。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		metadataURL:  baseURL + metadataPath,
		balanceURL:   baseURL + balancePath,
		transfersURL: baseURL + transfersPath,
	}
}

// Metadata はトークンのメタデータを取得する。
func (c *Client) Metadata(ctx context.Context) (*TokenMetadataResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ledger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger metadata returned status %d", resp.StatusCode)
	}

	var md TokenMetadataResult
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}

	return &md, nil
}

// balanceResponse はレジャーの残高レスポンス。amountは10進文字列。
type balanceResponse struct {
	Balance string `json:"balance"`
}

// Balance は指定アカウントの残高（minor units）を取得する。
func (c *Client) Balance(ctx context.Context, account string) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.balanceURL+"?account="+account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ledger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger balance returned status %d", resp.StatusCode)
	}

	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("failed to decode balance response: %w", err)
	}

	balance, ok := new(big.Int).SetString(br.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("ledger returned invalid balance: %q", br.Balance)
	}

	return balance, nil
}

// transferRequest はレジャーへの送金リクエスト。amountは10進文字列（minor units）。
type transferRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// transferResponse はレジャーの送金レスポンス。okまたはerrのどちらか一方を持つ。
type transferResponse struct {
	OK *struct {
		ReceiptID string `json:"receipt_id"`
	} `json:"ok,omitempty"`
	Err *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"err,omitempty"`
}

// Transfer は認証済みユーザーのアカウントから宛先へ送金する。
// 成功時のレシートIDはレジャー上の送金記録を一意に識別する。
// トランスポート失敗もレジャーによる拒否も*TransferErrorとして返す。
func (c *Client) Transfer(ctx context.Context, token, destination string, amount *big.Int) (string, error) {
	body, err := json.Marshal(transferRequest{
		Destination: destination,
		Amount:      amount.String(),
	})
	if err != nil {
		return "", &TransferError{Kind: TransferErrTransport, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transfersURL, bytes.NewReader(body))
	if err != nil {
		return "", &TransferError{Kind: TransferErrTransport, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("レジャー送金リクエストに失敗しました",
			slog.String("error", err.Error()),
			slog.String("destination", destination),
		)
		return "", &TransferError{Kind: TransferErrTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", &TransferError{Kind: TransferErrTransport, Message: err.Error()}
	}

	var tr transferResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", &TransferError{
			Kind:    TransferErrTransport,
			Message: fmt.Sprintf("invalid ledger response (status %d)", resp.StatusCode),
		}
	}

	if tr.Err != nil {
		kind := TransferErrorKind(tr.Err.Kind)
		switch kind {
		case TransferErrInsufficientFunds, TransferErrBadAccount:
		default:
			kind = TransferErrRejected
		}
		return "", &TransferError{Kind: kind, Message: tr.Err.Message}
	}

	if tr.OK == nil || tr.OK.ReceiptID == "" {
		return "", &TransferError{
			Kind:    TransferErrTransport,
			Message: fmt.Sprintf("ledger returned neither ok nor err (status %d)", resp.StatusCode),
		}
	}

	return tr.OK.ReceiptID, nil
}

// compile-time interface check
var _ Ledger = (*Client)(nil)
