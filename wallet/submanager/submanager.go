// Package submanager maintains NUT-17 websocket subscriptions against a
// mint and reshapes the pushed notifications into typed, de-duplicated
// events.
package submanager

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut17"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/gorilla/websocket"
)

var (
	ErrNUT17NotSupported = errors.New("NUT-17 not supported")
)

type SubscriptionManager struct {
	wsConn           *websocket.Conn
	mu               sync.RWMutex
	subs             map[string]*Subscription
	idCounter        int
	supportedMethods []nut17.SupportedMethod
	quit             chan struct{}
}

func NewSubscriptionManager(mint string) (*SubscriptionManager, error) {
	mintInfo, err := client.New(mint).GetMintInfo()
	if err != nil {
		return nil, fmt.Errorf("could not get mint info: %v", err)
	}
	if mintInfo.Nuts.Nut17 == nil || len(mintInfo.Nuts.Nut17.Supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	mintURL, err := url.Parse(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + mintURL.Host + mintURL.Path + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	subManager := &SubscriptionManager{
		wsConn:           conn,
		subs:             make(map[string]*Subscription),
		idCounter:        0,
		supportedMethods: mintInfo.Nuts.Nut17.Supported,
		quit:             make(chan struct{}),
	}

	return subManager, nil
}

// Run reads messages off the websocket and routes them to subscriptions.
// It should be run on a separate goroutine; an error sent on the channel
// means the manager should be closed.
func (sm *SubscriptionManager) Run(errChannel chan error) {
	if err := sm.handleWsMessages(); err != nil {
		errChannel <- err
		return
	}
}

func (sm *SubscriptionManager) Close() error {
	close(sm.quit)
	return sm.wsConn.Close()
}

func (sm *SubscriptionManager) handleWsMessages() error {
	for {
		select {
		case <-sm.quit:
			return nil
		default:
			_, msg, err := sm.wsConn.ReadMessage()
			if err != nil {
				return err
			}

			var notification nut17.WsNotification
			if err := json.Unmarshal(msg, &notification); err == nil {
				sm.mu.RLock()
				sub, ok := sm.subs[notification.Params.SubId]
				sm.mu.RUnlock()
				if ok {
					sub.deliver(notification)
				}
				continue
			}

			var response nut17.WsResponse
			if err := json.Unmarshal(msg, &response); err == nil {
				sm.mu.RLock()
				for _, sub := range sm.subs {
					if sub.id == response.Id {
						sub.responseChannel <- response
						break
					}
				}
				sm.mu.RUnlock()
				continue
			}

			var wsError nut17.WsError
			if err := json.Unmarshal(msg, &wsError); err == nil {
				sm.mu.RLock()
				for _, sub := range sm.subs {
					if sub.id == wsError.Id {
						sub.errChannel <- wsError
						break
					}
				}
				sm.mu.RUnlock()
			}
		}
	}
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	delete(sm.subs, subId)
	sm.mu.Unlock()
}

func (sm *SubscriptionManager) Subscribe(kind nut17.SubscriptionKind, filters []string) (*Subscription, error) {
	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}

	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	sm.mu.Lock()
	id := sm.idCounter
	sm.idCounter++
	sm.mu.Unlock()

	hash := sha256.Sum256([]byte(filters[0]))
	subId := hex.EncodeToString(hash[:])

	request := nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.SUBSCRIBE,
		Params: nut17.RequestParams{
			Kind:    kind.String(),
			SubId:   subId,
			Filters: filters,
		},
		Id: id,
	}

	sub := &Subscription{
		id:                  id,
		subId:               subId,
		kind:                kind,
		responseChannel:     make(chan nut17.WsResponse, 1),
		notificationChannel: make(chan nut17.WsNotification, 16),
		errChannel:          make(chan nut17.WsError, 1),
		seen:                make(map[string]string),
	}

	sm.mu.Lock()
	sm.subs[subId] = sub
	sm.mu.Unlock()

	if err := sm.wsConn.WriteJSON(request); err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not send request for subscription: %v", err)
	}

	select {
	case response := <-sub.responseChannel:
		if response.Result.Status == nut17.OK {
			return sub, nil
		}
	case wsErr := <-sub.errChannel:
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %v", wsErr.Error())
	case <-time.After(10 * time.Second):
	}

	sm.removeSubscription(subId)
	return nil, errors.New("could not setup subscription to mint")
}

func (sm *SubscriptionManager) CloseSubscription(subId string) error {
	sm.mu.RLock()
	_, ok := sm.subs[subId]
	sm.mu.RUnlock()
	if !ok {
		return errors.New("subscription does not exist")
	}

	sm.mu.Lock()
	id := sm.idCounter
	sm.idCounter++
	sm.mu.Unlock()

	request := nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.UNSUBSCRIBE,
		Params: nut17.RequestParams{
			SubId: subId,
		},
		Id: id,
	}

	if err := sm.wsConn.WriteJSON(request); err != nil {
		return fmt.Errorf("could not send unsubscribe request to mint: %v", err)
	}
	sm.removeSubscription(subId)

	return nil
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	for _, method := range sm.supportedMethods {
		if method.Method == cashu.BOLT11_METHOD {
			if slices.Contains(method.Commands, kind.String()) {
				return true
			}
		}
	}
	return false
}

type Subscription struct {
	subId string
	id    int
	kind  nut17.SubscriptionKind

	responseChannel     chan nut17.WsResponse
	notificationChannel chan nut17.WsNotification
	errChannel          chan nut17.WsError

	mu sync.Mutex
	// last state seen per entity, for (kind, id, state) de-duplication
	seen map[string]string
}

func (s *Subscription) SubId() string {
	return s.subId
}

func (s *Subscription) Kind() nut17.SubscriptionKind {
	return s.kind
}

// notificationPayload is the subset of the pushed payload needed to
// de-duplicate: either a quote id or a proof Y, plus the new state.
type notificationPayload struct {
	Quote string `json:"quote"`
	Y     string `json:"Y"`
	State string `json:"state"`
}

// deliver pushes a notification unless its state equals the last state
// seen for the same id on this subscription.
func (s *Subscription) deliver(notification nut17.WsNotification) {
	var payload notificationPayload
	if err := json.Unmarshal(notification.Params.Payload, &payload); err == nil {
		entity := payload.Quote
		if entity == "" {
			entity = payload.Y
		}
		if entity != "" {
			s.mu.Lock()
			if s.seen[entity] == payload.State {
				s.mu.Unlock()
				return
			}
			s.seen[entity] = payload.State
			s.mu.Unlock()
		}
	}

	s.notificationChannel <- notification
}

// Read blocks until the next notification. It returns an error when the
// subscription channel is closed.
func (s *Subscription) Read() (nut17.WsNotification, error) {
	msg, ok := <-s.notificationChannel
	if !ok {
		return nut17.WsNotification{}, errors.New("subscription channel closed")
	}
	return msg, nil
}
