// Package client is the typed surface against a single mint endpoint.
// It caches the mint's info and keysets per instance and maps mint error
// responses onto the error taxonomy the saga engines rely on.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut01"
	"github.com/elnosh/cashew/cashu/nuts/nut02"
	"github.com/elnosh/cashew/cashu/nuts/nut03"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/cashu/nuts/nut06"
	"github.com/elnosh/cashew/cashu/nuts/nut07"
	"github.com/elnosh/cashew/cashu/nuts/nut09"
)

const (
	defaultTimeout = 30 * time.Second
	// melts can block on a payment attempt for a while
	meltTimeout = 120 * time.Second
)

type Client struct {
	mintURL    string
	httpClient *http.Client
	meltClient *http.Client

	mu sync.RWMutex
	// cached mint metadata. cacheTTL nil means cache forever;
	// a stale load forces a refresh on the next read.
	info       *nut06.MintInfo
	infoLoaded time.Time
	keysets    *nut02.GetKeysetsResponse
	ksLoaded   time.Time
	cacheTTL   *time.Duration
}

type Option func(*Client)

// WithCacheTTL bounds how long mint info and keysets are served from
// cache. Without it they are cached forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = &ttl
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func New(mintURL string, options ...Option) *Client {
	client := &Client{
		mintURL:    mintURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		meltClient: &http.Client{Timeout: meltTimeout},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

func (c *Client) MintURL() string {
	return c.mintURL
}

func (c *Client) stale(loaded time.Time) bool {
	if c.cacheTTL == nil {
		return loaded.IsZero()
	}
	return loaded.IsZero() || time.Since(loaded) > *c.cacheTTL
}

// InvalidateCache drops the cached mint metadata so the next read
// refreshes from the mint.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = nil
	c.infoLoaded = time.Time{}
	c.keysets = nil
	c.ksLoaded = time.Time{}
}

func (c *Client) GetMintInfo() (*nut06.MintInfo, error) {
	c.mu.RLock()
	if c.info != nil && !c.stale(c.infoLoaded) {
		info := c.info
		c.mu.RUnlock()
		return info, nil
	}
	c.mu.RUnlock()

	var mintInfo nut06.MintInfo
	if err := c.get("/v1/info", &mintInfo); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.info = &mintInfo
	c.infoLoaded = time.Now()
	c.mu.Unlock()

	return &mintInfo, nil
}

func (c *Client) GetActiveKeysets() (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get("/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets() (*nut02.GetKeysetsResponse, error) {
	c.mu.RLock()
	if c.keysets != nil && !c.stale(c.ksLoaded) {
		keysets := c.keysets
		c.mu.RUnlock()
		return keysets, nil
	}
	c.mu.RUnlock()

	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get("/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keysets = &keysetsRes
	c.ksLoaded = time.Now()
	c.mu.Unlock()

	return &keysetsRes, nil
}

func (c *Client) GetKeysetById(id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get("/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) PostMintQuoteBolt11(request nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {

	var quoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.post("/v1/mint/quote/bolt11", request, &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) GetMintQuoteState(quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var quoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.get("/v1/mint/quote/bolt11/"+quoteId, &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) PostMintBolt11(request nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {

	var mintResponse nut04.PostMintBolt11Response
	if err := c.post("/v1/mint/bolt11", request, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func (c *Client) PostSwap(request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := c.post("/v1/swap", request, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func (c *Client) PostMeltQuoteBolt11(request nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	var quoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post("/v1/melt/quote/bolt11", request, &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) GetMeltQuoteState(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.get("/v1/melt/quote/bolt11/"+quoteId, &quoteResponse); err != nil {
		return nil, err
	}
	return &quoteResponse, nil
}

func (c *Client) PostMeltBolt11(request nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.doJSON(c.meltClient, http.MethodPost, "/v1/melt/bolt11", request, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *Client) PostCheckProofState(request nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {

	var stateResponse nut07.PostCheckStateResponse
	if err := c.post("/v1/checkstate", request, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *Client) PostRestore(request nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {

	var restoreResponse nut09.PostRestoreResponse
	if err := c.post("/v1/restore", request, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func (c *Client) get(path string, result any) error {
	return c.doJSON(c.httpClient, http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, request, result any) error {
	return c.doJSON(c.httpClient, http.MethodPost, path, request, result)
}

func (c *Client) doJSON(httpClient *http.Client, method, path string, request, result any) error {
	var body io.Reader
	if request != nil {
		requestBody, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("json.Marshal: %v", err)
		}
		body = bytes.NewBuffer(requestBody)
	}

	req, err := http.NewRequest(method, c.mintURL+path, body)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	if request != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errResponse cashu.Error
		if err := json.Unmarshal(responseBody, &errResponse); err != nil {
			return &TransportError{
				Op:  method + " " + path,
				Err: fmt.Errorf("could not decode error response from mint: %s", responseBody),
			}
		}
		return mapCashuError(errResponse)
	}

	if err := json.Unmarshal(responseBody, result); err != nil {
		return &TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("error reading response from mint: %v", err),
		}
	}

	return nil
}
