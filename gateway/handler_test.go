package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/hannahhoward/go-pubsub"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/ethpaych/gateway"
	"github.com/filecoin-project/ethpaych/paychmgr"
)

var (
	receiver = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	sender   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeAPI struct {
	mu       sync.Mutex
	ready    bool
	channels map[paychmgr.ChannelKey]*paychmgr.Channel
	payErr   error
	closed   []paychmgr.ChannelKey

	nextSub  int
	disputes map[int]func(paychmgr.DisputeEvt)
}

func newFakeAPI() *fakeAPI {
	key := paychmgr.ChannelKey{Sender: sender, Receiver: receiver, OpenBlock: 100}
	return &fakeAPI{
		ready:    true,
		disputes: map[int]func(paychmgr.DisputeEvt){},
		channels: map[paychmgr.ChannelKey]*paychmgr.Channel{
			key: {
				Sender:    sender,
				Receiver:  receiver,
				OpenBlock: 100,
				Deposit:   big.NewInt(1000),
				Balance:   big.NewInt(0),
				Withdrawn: big.NewInt(0),
				State:     paychmgr.StateOpen,
			},
		},
	}
}

func (f *fakeAPI) RegisterPayment(_ context.Context, rcv common.Address, openBlock uint32, snd common.Address, balance *big.Int, sig []byte) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payErr != nil {
		return nil, f.payErr
	}
	ch, ok := f.channels[paychmgr.ChannelKey{Sender: snd, Receiver: rcv, OpenBlock: openBlock}]
	if !ok {
		return nil, paychmgr.ErrNoOpenChannel
	}
	delta := new(big.Int).Sub(balance, ch.Balance)
	ch.Balance = balance
	ch.BalanceSignature = sig
	return delta, nil
}

func (f *fakeAPI) GetChannel(key paychmgr.ChannelKey) (*paychmgr.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[key]
	if !ok {
		return nil, paychmgr.ErrChannelNotTracked
	}
	return ch.Clone(), nil
}

func (f *fakeAPI) ListChannels(paychmgr.ChannelFilter) []*paychmgr.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*paychmgr.Channel
	for _, ch := range f.channels {
		out = append(out, ch.Clone())
	}
	return out
}

func (f *fakeAPI) CloseChannel(_ context.Context, snd common.Address, openBlock uint32, balance *big.Int) (*paychmgr.Channel, *paychmgr.CloseAgreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := paychmgr.ChannelKey{Sender: snd, Receiver: receiver, OpenBlock: openBlock}
	ch, ok := f.channels[key]
	if !ok {
		return nil, nil, paychmgr.ErrChannelNotTracked
	}
	if !ch.HasProof() {
		return nil, nil, paychmgr.ErrNoBalanceProofReceived
	}
	if balance != nil && balance.Cmp(ch.Balance) != 0 {
		return nil, nil, paychmgr.ErrInvalidBalanceAmount
	}
	delete(f.channels, key)
	f.closed = append(f.closed, key)
	return ch.Clone(), &paychmgr.CloseAgreement{
		Channel:          key,
		Balance:          ch.Balance,
		BalanceSignature: ch.BalanceSignature,
		ClosingSignature: []byte{0xc1},
	}, nil
}

func (f *fakeAPI) SubscribeDisputes(cb func(paychmgr.DisputeEvt)) pubsub.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.disputes[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.disputes, id)
	}
}

func (f *fakeAPI) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disputes)
}

func (f *fakeAPI) fireDispute(evt paychmgr.DisputeEvt) {
	f.mu.Lock()
	cbs := make([]func(paychmgr.DisputeEvt), 0, len(f.disputes))
	for _, cb := range f.disputes {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(evt)
	}
}

func (f *fakeAPI) Receiver() common.Address { return receiver }

func (f *fakeAPI) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeAPI) WaitSync(context.Context) error { return nil }

func newHandler(t *testing.T, api gateway.PaymentAPI) http.Handler {
	h, err := gateway.Handler(t.Context(), api, gateway.Options{Registry: promclient.NewRegistry()})
	require.NoError(t, err)
	return h
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRegisterPaymentJSON(t *testing.T) {
	api := newFakeAPI()
	h := newHandler(t, api)

	body := `{"receiver":"` + receiver.Hex() + `","sender":"` + sender.Hex() + `","open_block":100,"balance":"0x32","balance_signature":"0x0102"}`
	w := do(h, httptest.NewRequest(http.MethodPost, "/api/1/payments", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp gateway.PaymentResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "50", resp.Received)
	require.Equal(t, "50", resp.Channel.Balance)
	require.Equal(t, "950", resp.Channel.Remaining)
	require.Equal(t, paychmgr.StateOpen, resp.Channel.State)
}

func TestRegisterPaymentHeaders(t *testing.T) {
	api := newFakeAPI()
	h := newHandler(t, api)

	req := httptest.NewRequest(http.MethodPost, "/api/1/payments", nil)
	req.Header.Set(gateway.HeaderReceiver, receiver.Hex())
	req.Header.Set(gateway.HeaderSender, sender.Hex())
	req.Header.Set(gateway.HeaderOpenBlock, "100")
	req.Header.Set(gateway.HeaderBalance, "75")
	req.Header.Set(gateway.HeaderSignature, "0xaabb")

	w := do(h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ch, err := api.GetChannel(paychmgr.ChannelKey{Sender: sender, Receiver: receiver, OpenBlock: 100})
	require.NoError(t, err)
	require.EqualValues(t, 75, ch.Balance.Int64())
	require.Equal(t, []byte{0xaa, 0xbb}, ch.BalanceSignature)

	// malformed header
	req = httptest.NewRequest(http.MethodPost, "/api/1/payments", nil)
	req.Header.Set(gateway.HeaderSender, "nope")
	req.Header.Set(gateway.HeaderSignature, "0xaabb")
	w = do(h, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterPaymentErrors(t *testing.T) {
	tcases := []struct {
		err        error
		status     int
		retryAfter bool
	}{
		{paychmgr.ErrInsufficientConfirmations, http.StatusPaymentRequired, true},
		{paychmgr.ErrInvalidBalanceProof, http.StatusConflict, false},
		{paychmgr.ErrInvalidBalanceAmount, http.StatusConflict, false},
		{paychmgr.ErrNoOpenChannel, http.StatusPaymentRequired, true},
		{context.Canceled, http.StatusInternalServerError, false},
	}

	body := `{"receiver":"` + receiver.Hex() + `","sender":"` + sender.Hex() + `","open_block":100,"balance":"0x1","balance_signature":"0x01"}`
	for _, tcase := range tcases {
		tcase := tcase
		t.Run(tcase.err.Error(), func(t *testing.T) {
			api := newFakeAPI()
			api.payErr = tcase.err
			h := newHandler(t, api)

			w := do(h, httptest.NewRequest(http.MethodPost, "/api/1/payments", bytes.NewBufferString(body)))
			require.Equal(t, tcase.status, w.Code)
			if tcase.retryAfter {
				require.NotEmpty(t, w.Header().Get("Retry-After"))
			} else {
				require.Empty(t, w.Header().Get("Retry-After"))
			}
			require.NotContains(t, w.Body.String(), "0x")
		})
	}

	h := newHandler(t, newFakeAPI())
	w := do(h, httptest.NewRequest(http.MethodPost, "/api/1/payments", bytes.NewBufferString("{")))
	require.Equal(t, http.StatusBadRequest, w.Code)

	// no signature
	w = do(h, httptest.NewRequest(http.MethodPost, "/api/1/payments", bytes.NewBufferString(`{"balance":"0x1"}`)))
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterPaymentRequiresParties(t *testing.T) {
	api := newFakeAPI()
	h := newHandler(t, api)

	for name, body := range map[string]string{
		"sender":   `{"receiver":"` + receiver.Hex() + `","open_block":100,"balance":"0x32","balance_signature":"0x0102"}`,
		"receiver": `{"sender":"` + sender.Hex() + `","open_block":100,"balance":"0x32","balance_signature":"0x0102"}`,
	} {
		w := do(h, httptest.NewRequest(http.MethodPost, "/api/1/payments", bytes.NewBufferString(body)))
		require.Equal(t, http.StatusBadRequest, w.Code, name)
	}

	ch, err := api.GetChannel(paychmgr.ChannelKey{Sender: sender, Receiver: receiver, OpenBlock: 100})
	require.NoError(t, err)
	require.EqualValues(t, 0, ch.Balance.Int64())
}

func TestChannelEndpoints(t *testing.T) {
	api := newFakeAPI()
	h := newHandler(t, api)
	path := "/api/1/channels/" + sender.Hex() + "/100"

	w := do(h, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var info gateway.ChannelInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	require.Equal(t, "1000", info.Deposit)

	w = do(h, httptest.NewRequest(http.MethodGet, "/api/1/channels", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []gateway.ChannelInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)

	w = do(h, httptest.NewRequest(http.MethodGet, "/api/1/channels?state=bogus", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, httptest.NewRequest(http.MethodGet, "/api/1/channels/"+sender.Hex()+"/7", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	// nothing to close on without a proof
	w = do(h, httptest.NewRequest(http.MethodDelete, path, nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	_, err := api.RegisterPayment(context.Background(), receiver, 100, sender, big.NewInt(20), []byte{1})
	require.NoError(t, err)

	w = do(h, httptest.NewRequest(http.MethodDelete, path+"?balance=10", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(h, httptest.NewRequest(http.MethodDelete, path, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var closed gateway.CloseResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&closed))
	require.Equal(t, "20", closed.Balance)
	require.Equal(t, []byte{0xc1}, []byte(closed.ClosingSignature))
	require.Equal(t, "20", closed.Channel.Balance)
	require.Len(t, api.closed, 1)

	w = do(h, httptest.NewRequest(http.MethodDelete, path, nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	api := newFakeAPI()
	h := newHandler(t, api)

	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/health/livez", nil)).Code)
	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/health/readyz", nil)).Code)

	api.mu.Lock()
	api.ready = false
	api.mu.Unlock()
	require.Equal(t, http.StatusServiceUnavailable, do(h, httptest.NewRequest(http.MethodGet, "/health/readyz", nil)).Code)
	require.Equal(t, http.StatusOK, do(h, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)).Code)
}

func TestRequestRateLimiterHandler(t *testing.T) {
	var callCount int
	h := gateway.NewRateLimitHandler(t.Context(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
	}), 0, 2, time.Hour)

	runRequest := func(host string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = host + ":1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, runRequest("boop").Code)
	require.Equal(t, http.StatusOK, runRequest("boop").Code)
	require.Equal(t, http.StatusTooManyRequests, runRequest("boop").Code)
	require.Equal(t, http.StatusOK, runRequest("beep").Code)
	require.Equal(t, 3, callCount)

	global := gateway.NewRateLimitHandler(t.Context(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), 1, 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	global.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	w = httptest.NewRecorder()
	global.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRequestID(t *testing.T) {
	h := newHandler(t, newFakeAPI())

	w := do(h, httptest.NewRequest(http.MethodGet, "/health/livez", nil))
	require.NotEmpty(t, w.Header().Get(gateway.HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/api/1/channels", nil)
	req.Header.Set(gateway.HeaderRequestID, "req-1")
	w = do(h, req)
	require.Equal(t, "req-1", w.Header().Get(gateway.HeaderRequestID))
}

func TestDisputeStream(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(newHandler(t, api))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/1/disputes"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	require.Eventually(t, func() bool { return api.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	api.fireDispute(paychmgr.DisputeEvt{
		Channel:          paychmgr.ChannelKey{Sender: sender, Receiver: receiver, OpenBlock: 100},
		CloseBalance:     big.NewInt(40),
		Balance:          big.NewInt(90),
		BalanceSignature: []byte{0xab},
		SettleTimeout:    600,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var info gateway.DisputeInfo
	require.NoError(t, conn.ReadJSON(&info))
	require.Equal(t, sender, info.Sender)
	require.Equal(t, "40", info.CloseBalance)
	require.Equal(t, "90", info.Balance)
	require.EqualValues(t, 600, info.SettleTimeout)

	// closing the stream drops the subscription
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return api.subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
