package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hannahhoward/go-pubsub"
	"github.com/samber/lo"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/metrics"
	"github.com/filecoin-project/ethpaych/paychmgr"
)

// PaymentAPI is the part of the channel manager served over HTTP.
type PaymentAPI interface {
	RegisterPayment(ctx context.Context, receiver common.Address, openBlock uint32, sender common.Address, balance *big.Int, sig []byte) (*big.Int, error)
	GetChannel(key paychmgr.ChannelKey) (*paychmgr.Channel, error)
	ListChannels(filter paychmgr.ChannelFilter) []*paychmgr.Channel
	CloseChannel(ctx context.Context, sender common.Address, openBlock uint32, balance *big.Int) (*paychmgr.Channel, *paychmgr.CloseAgreement, error)
	SubscribeDisputes(cb func(paychmgr.DisputeEvt)) pubsub.Unsubscribe
	Receiver() common.Address
	Ready() bool
	WaitSync(ctx context.Context) error
}

var _ PaymentAPI = (*paychmgr.Manager)(nil)

// Payment headers, as attached by paying clients to the request they pay for.
const (
	HeaderReceiver  = "RDN-Receiver-Address"
	HeaderSender    = "RDN-Sender-Address"
	HeaderOpenBlock = "RDN-Open-Block"
	HeaderBalance   = "RDN-Sender-Balance"
	HeaderSignature = "RDN-Balance-Signature"
)

// RetryAfter is sent with 402 responses; the channel may be confirmed by then.
const RetryAfter = 15 * time.Second

// PaymentRequest is a balance proof submitted by a sender.
type PaymentRequest struct {
	Receiver  common.Address `json:"receiver"`
	Sender    common.Address `json:"sender"`
	OpenBlock uint32         `json:"open_block"`
	Balance   *hexutil.Big   `json:"balance"`
	Signature hexutil.Bytes  `json:"balance_signature"`
}

func (p *PaymentRequest) validate() error {
	if p.Balance == nil {
		return xerrors.Errorf("missing balance: %w", paychmgr.ErrInvalidBalanceAmount)
	}
	if len(p.Signature) == 0 {
		return xerrors.Errorf("missing signature: %w", paychmgr.ErrInvalidBalanceProof)
	}
	if p.Sender == (common.Address{}) {
		return xerrors.Errorf("missing sender: %w", errBadRequest)
	}
	if p.Receiver == (common.Address{}) {
		return xerrors.Errorf("missing receiver: %w", errBadRequest)
	}
	return nil
}

// paymentFromHeaders reads a payment from RDN-* headers. It returns nil
// when the request carries none.
func paymentFromHeaders(h http.Header) (*PaymentRequest, error) {
	if h.Get(HeaderSender) == "" && h.Get(HeaderSignature) == "" {
		return nil, nil
	}

	var p PaymentRequest
	var err error
	if p.Receiver, err = parseAddress(h.Get(HeaderReceiver)); err != nil {
		return nil, xerrors.Errorf("header %s: %w", HeaderReceiver, err)
	}
	if p.Sender, err = parseAddress(h.Get(HeaderSender)); err != nil {
		return nil, xerrors.Errorf("header %s: %w", HeaderSender, err)
	}
	if p.OpenBlock, err = parseBlock(h.Get(HeaderOpenBlock)); err != nil {
		return nil, xerrors.Errorf("header %s: %w", HeaderOpenBlock, err)
	}
	bal, ok := new(big.Int).SetString(h.Get(HeaderBalance), 10)
	if !ok {
		return nil, xerrors.Errorf("header %s: %w", HeaderBalance, paychmgr.ErrInvalidBalanceAmount)
	}
	p.Balance = (*hexutil.Big)(bal)
	if p.Signature, err = hexutil.Decode(h.Get(HeaderSignature)); err != nil {
		return nil, xerrors.Errorf("header %s: %s: %w", HeaderSignature, err, paychmgr.ErrInvalidBalanceProof)
	}
	return &p, nil
}

var errBadRequest = xerrors.New("bad request")

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, xerrors.Errorf("invalid address %q: %w", s, errBadRequest)
	}
	return common.HexToAddress(s), nil
}

func parseBlock(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, xerrors.Errorf("invalid block %q: %w", s, errBadRequest)
	}
	return uint32(n), nil
}

// ChannelInfo is the external view of a channel. Amounts are decimal strings.
type ChannelInfo struct {
	Sender        common.Address        `json:"sender"`
	Receiver      common.Address        `json:"receiver"`
	OpenBlock     uint32                `json:"open_block"`
	State         paychmgr.ChannelState `json:"state"`
	Deposit       string                `json:"deposit"`
	Balance       string                `json:"balance"`
	Remaining     string                `json:"remaining"`
	Withdrawn     string                `json:"withdrawn"`
	SettleTimeout uint64                `json:"settle_timeout,omitempty"`
	LastUpdate    time.Time             `json:"last_update"`
}

func channelInfo(ch *paychmgr.Channel) ChannelInfo {
	return ChannelInfo{
		Sender:        ch.Sender,
		Receiver:      ch.Receiver,
		OpenBlock:     ch.OpenBlock,
		State:         ch.State,
		Deposit:       ch.Deposit.String(),
		Balance:       ch.Balance.String(),
		Remaining:     ch.Remaining().String(),
		Withdrawn:     ch.Withdrawn.String(),
		SettleTimeout: ch.SettleTimeout,
		LastUpdate:    ch.LastUpdate,
	}
}

// PaymentResponse acknowledges an accepted payment.
type PaymentResponse struct {
	Received string      `json:"received"`
	Channel  ChannelInfo `json:"channel"`
}

// CloseResponse carries the receiver's closing signature.
type CloseResponse struct {
	Channel          ChannelInfo   `json:"channel"`
	Balance          string        `json:"balance"`
	BalanceSignature hexutil.Bytes `json:"balance_signature"`
	ClosingSignature hexutil.Bytes `json:"closing_signature"`
}

// DisputeInfo is streamed to subscribers when a channel is closed below the
// balance the receiver holds a proof for.
type DisputeInfo struct {
	Sender           common.Address `json:"sender"`
	OpenBlock        uint32         `json:"open_block"`
	CloseBalance     string         `json:"close_balance"`
	Balance          string         `json:"balance"`
	BalanceSignature hexutil.Bytes  `json:"balance_signature"`
	SettleTimeout    uint64         `json:"settle_timeout"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StatusForError maps a manager error onto an HTTP status and the message
// exposed to the client. Messages never carry more than the error kind.
func StatusForError(err error) (int, string) {
	for _, kind := range []struct {
		err    error
		status int
	}{
		{paychmgr.ErrInsufficientConfirmations, http.StatusPaymentRequired},
		{paychmgr.ErrNoOpenChannel, http.StatusPaymentRequired},
		{paychmgr.ErrInvalidBalanceProof, http.StatusConflict},
		{paychmgr.ErrInvalidBalanceAmount, http.StatusConflict},
		{paychmgr.ErrNoBalanceProofReceived, http.StatusBadRequest},
		{paychmgr.ErrInvalidChannelState, http.StatusConflict},
		{paychmgr.ErrChannelNotTracked, http.StatusNotFound},
		{errBadRequest, http.StatusBadRequest},
	} {
		if errors.Is(err, kind.err) {
			return kind.status, kind.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal error"
}

type paymentHandler struct {
	pm PaymentAPI
}

func timed(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := tag.New(r.Context(), tag.Upsert(metrics.Endpoint, endpoint))
		stop := metrics.Timer(ctx, metrics.APIRequestDuration)
		defer stop()
		h(w, r.WithContext(ctx))
	})
}

func (h *paymentHandler) registerPayment(w http.ResponseWriter, r *http.Request) {
	req, err := paymentFromHeaders(r.Header)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req == nil {
		req = new(PaymentRequest)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, r, xerrors.Errorf("decoding payment: %s: %w", err, errBadRequest))
			return
		}
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	received, err := h.pm.RegisterPayment(r.Context(), req.Receiver, req.OpenBlock, req.Sender, req.Balance.ToInt(), req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ch, err := h.pm.GetChannel(paychmgr.ChannelKey{Sender: req.Sender, Receiver: req.Receiver, OpenBlock: req.OpenBlock})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &PaymentResponse{
		Received: received.String(),
		Channel:  channelInfo(ch),
	})
}

func (h *paymentHandler) listChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	receiver := h.pm.Receiver()
	filter := paychmgr.ChannelFilter{Receiver: &receiver}

	if s := q.Get("sender"); s != "" {
		sender, err := parseAddress(s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.Sender = &sender
	}
	if s := q.Get("state"); s != "" {
		var st paychmgr.ChannelState
		if err := st.UnmarshalText([]byte(s)); err != nil {
			writeError(w, r, xerrors.Errorf("%s: %w", err, errBadRequest))
			return
		}
		filter.State = &st
	}
	if s := q.Get("idle_since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, r, xerrors.Errorf("idle_since: %s: %w", err, errBadRequest))
			return
		}
		filter.IdleSince = ts
	}

	out := lo.Map(h.pm.ListChannels(filter), func(ch *paychmgr.Channel, _ int) ChannelInfo {
		return channelInfo(ch)
	})
	writeJSON(w, http.StatusOK, out)
}

func (h *paymentHandler) channelKey(r *http.Request) (paychmgr.ChannelKey, error) {
	vars := mux.Vars(r)
	sender, err := parseAddress(vars["sender"])
	if err != nil {
		return paychmgr.ChannelKey{}, err
	}
	block, err := parseBlock(vars["block"])
	if err != nil {
		return paychmgr.ChannelKey{}, err
	}
	return paychmgr.ChannelKey{Sender: sender, Receiver: h.pm.Receiver(), OpenBlock: block}, nil
}

func (h *paymentHandler) getChannel(w http.ResponseWriter, r *http.Request) {
	key, err := h.channelKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ch, err := h.pm.GetChannel(key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, channelInfo(ch))
}

// closeChannel signs a closing agreement over the registered balance (which
// must equal the balance given in the query, if any) and drops the channel
// from the ledger.
func (h *paymentHandler) closeChannel(w http.ResponseWriter, r *http.Request) {
	key, err := h.channelKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var balance *big.Int
	if s := r.URL.Query().Get("balance"); s != "" {
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			writeError(w, r, xerrors.Errorf("balance %q: %w", s, errBadRequest))
			return
		}
		balance = b
	}

	ch, agreement, err := h.pm.CloseChannel(r.Context(), key.Sender, key.OpenBlock, balance)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Infow("channel closed cooperatively", "channel", key, "balance", agreement.Balance)
	writeJSON(w, http.StatusOK, &CloseResponse{
		Channel:          channelInfo(ch),
		Balance:          agreement.Balance.String(),
		BalanceSignature: agreement.BalanceSignature,
		ClosingSignature: agreement.ClosingSignature,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := StatusForError(err)
	if status == http.StatusInternalServerError {
		log.Errorw("request failed", "request", requestID(r), "error", err)
	} else {
		log.Debugw("request rejected", "request", requestID(r), "status", status, "error", err)
	}
	if status == http.StatusPaymentRequired {
		w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter/time.Second)))
	}
	writeJSON(w, status, &errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("writing response", "error", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamDisputes pushes a DisputeInfo message for every dispute until the
// client goes away. Slow clients miss events rather than block the ledger.
func (h *paymentHandler) streamDisputes(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("upgrading dispute stream", "request", requestID(r), "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	evts := make(chan paychmgr.DisputeEvt, 16)
	unsub := h.pm.SubscribeDisputes(func(evt paychmgr.DisputeEvt) {
		select {
		case evts <- evt:
		default:
			log.Warnw("dropping dispute for slow stream client", "request", requestID(r), "channel", evt.Channel)
		}
	})
	defer unsub()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-evts:
			if err := conn.WriteJSON(&DisputeInfo{
				Sender:           evt.Channel.Sender,
				OpenBlock:        evt.Channel.OpenBlock,
				CloseBalance:     evt.CloseBalance.String(),
				Balance:          evt.Balance.String(),
				BalanceSignature: evt.BalanceSignature,
				SettleTimeout:    evt.SettleTimeout,
			}); err != nil {
				log.Debugw("dispute stream closed", "request", requestID(r), "error", err)
				return
			}
		case <-gone:
			return
		}
	}
}

// HeaderRequestID carries the id the receiver logs a request under.
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// withRequestID tags every request with an id, reusing the client's when
// one is given.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}
