package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdconfig"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/cfdlog"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/coordinator"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/feeaccount"
	"github.com/cfdnet/cfdd/protocol/rollover"
	"github.com/cfdnet/cfdd/protocol/settlement"
	"github.com/cfdnet/cfdd/punisher"
)

var peerLog btclog.Logger = cfdlog.Disabled
var srvrLog btclog.Logger = cfdlog.Disabled

// defaultNPayouts bounds how many payout buckets a rebuilt generation's
// CET set is split into.
const defaultNPayouts = 50

// server is the daemon's connection manager: it owns the transport
// listener, the table of connected peers, and wires every inbound
// substream to the coordinator's Dispatcher. It plays the "central
// messaging bus" role lnd's server struct describes, stripped to peer
// lifecycle plus dispatch since wallet/chain-backend selection is out
// of scope.
type server struct {
	cfg        *cfdconfig.Config
	selfPeerId string

	// wallet, oracle and priceFeed are the out-of-scope collaborators:
	// the daemon only ever calls them through cfdcore's thin
	// interfaces. A real binary wires a concrete implementation
	// in here before Start; nil here surfaces as an ordinary
	// ErrWalletFailure/ErrOracleUnavailable to whichever engine tries
	// to use it, rather than a daemon crash.
	wallet    cfdcore.Wallet
	oracle    cfdcore.OracleClient
	priceFeed cfdcore.PriceFeed
	chain     cfdcore.ChainMonitor
	oraclePk  *secp256k1.PublicKey

	transport  *cfdwire.TCPTransport
	executor   *coordinator.Executor
	tower      *coordinator.ControlTower
	dispatcher *coordinator.Dispatcher

	rolloverEngine   rollover.Engine
	settlementEngine settlement.Engine

	// decisions is the operator's recorded accept/reject answers,
	// consumed by the next inbound proposal per order.
	decisions *decisionBook

	// punishWatcher guards every open order's lock output against a
	// stale-commit broadcast; watchDlc re-arms it per generation.
	punishWatcher *punisher.Watcher

	mu    sync.Mutex
	peers map[string]*peer

	// dlcCache holds each order's most recently built/received Dlc,
	// full key material included. The event log only ever records
	// public commitments (txids, descriptors' script bytes aren't
	// even always logged) per cfdaggregate.Cfd.LatestDlc's doc
	// comment, so a generation's signing material only ever lives in
	// the process that built it; a restart loses the ability to roll
	// over or settle until the next generation is rebuilt. Real
	// deployments would persist this encrypted at rest, which is
	// explicitly out of scope here.
	//
	// dlcFees mirrors dlcCache one-for-one, recording the complete fee
	// baked into the current generation. dlcHistory retains every
	// generation dlcCache's current entry has superseded, each paired
	// with the complete fee it carried at the time -- this is what
	// resolveRollover walks to answer a rollover retry's
	// from_commit_txid against a generation other than the current
	// one.
	dlcMu      sync.Mutex
	dlcCache   map[cfdcore.OrderId]*dlctx.Dlc
	dlcFees    map[cfdcore.OrderId]feeaccount.CompleteFee
	dlcHistory map[cfdcore.OrderId][]dlcGeneration

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// dlcGeneration pairs one superseded Dlc with the complete fee that
// was settled into it: the baseline a retry's accounting recomputes
// from.
type dlcGeneration struct {
	dlc *dlctx.Dlc
	fee feeaccount.CompleteFee
}

// canonicalPosition translates the aggregate's own-side position into
// the taker-side orientation the payout curve is parameterized by --
// both peers must feed the build functions the same value or their
// independently built transactions (and so every signature) diverge.
func canonicalPosition(cfd cfdaggregate.Cfd) cfdcore.Position {
	if cfd.Role == cfdcore.Taker {
		return cfd.Position
	}
	return cfd.Position.Counter()
}

func (s *server) dlcFor(orderId cfdcore.OrderId) *dlctx.Dlc {
	s.dlcMu.Lock()
	defer s.dlcMu.Unlock()
	return s.dlcCache[orderId]
}

// setDlc installs d as orderId's current generation together with the
// complete fee it was built with, retaining whatever generation it
// supersedes in dlcHistory so a later rollover retry can still resolve
// against it, and re-arms every chain/oracle watcher against the new
// generation's transactions.
func (s *server) setDlc(orderId cfdcore.OrderId, d *dlctx.Dlc, fee feeaccount.CompleteFee) {
	s.dlcMu.Lock()
	if prev, ok := s.dlcCache[orderId]; ok {
		s.dlcHistory[orderId] = append(s.dlcHistory[orderId], dlcGeneration{dlc: prev, fee: s.dlcFees[orderId]})
	}
	s.dlcCache[orderId] = d
	s.dlcFees[orderId] = fee
	s.dlcMu.Unlock()

	s.watchDlc(orderId, d)
}

// resolveRollover answers a rollover Propose's from_commit_txid: a
// match against the current generation, a match against a generation
// dlcHistory retains (a retry rollover), or not found. The returned
// CompleteFee is always the matched generation's own from_complete_fee
// baseline, never the current (possibly further-along) balance, so
// that a retry's accounting resumes from there rather than
// double-charging for generations the retry discards.
func (s *server) resolveRollover(orderId cfdcore.OrderId, fromCommitTxid string) (*dlctx.Dlc, feeaccount.CompleteFee, bool) {
	s.dlcMu.Lock()
	defer s.dlcMu.Unlock()

	if cur, ok := s.dlcCache[orderId]; ok && cur.Commit.Tx.TxHash().String() == fromCommitTxid {
		return cur, s.dlcFees[orderId], true
	}
	for _, gen := range s.dlcHistory[orderId] {
		if gen.dlc.Commit.Tx.TxHash().String() == fromCommitTxid {
			return gen.dlc, gen.fee, true
		}
	}
	return nil, feeaccount.CompleteFee{}, false
}

func newServer(cfg *cfdconfig.Config, executor *coordinator.Executor, tower *coordinator.ControlTower, dispatcher *coordinator.Dispatcher) (*server, error) {
	peerLog = cfdlog.SubLogger("PEER")
	srvrLog = cfdlog.SubLogger("SRVR")

	s := &server{
		cfg:        cfg,
		selfPeerId: fmt.Sprintf("cfdd-%d", cfg.PeerPort),
		executor:   executor,
		tower:      tower,
		dispatcher: dispatcher,
		decisions:  newDecisionBook(),
		peers:      make(map[string]*peer),
		dlcCache:   make(map[cfdcore.OrderId]*dlctx.Dlc),
		dlcFees:    make(map[cfdcore.OrderId]feeaccount.CompleteFee),
		dlcHistory: make(map[cfdcore.OrderId][]dlcGeneration),
		quit:       make(chan struct{}),
	}
	s.rolloverEngine = rollover.Engine{Wallet: s.wallet, Oracle: s.oracle}
	s.settlementEngine = settlement.Engine{}
	s.registerHandlers()
	s.wireOutboundRequests()
	return s, nil
}

// SetCollaborators installs the out-of-scope collaborator
// implementations before Start. Engines and watchers tolerate nil
// collaborators by failing the operation that needed one.
func (s *server) SetCollaborators(wallet cfdcore.Wallet, oracle cfdcore.OracleClient, priceFeed cfdcore.PriceFeed, chain cfdcore.ChainMonitor, oraclePk *secp256k1.PublicKey) {
	s.wallet = wallet
	s.oracle = oracle
	s.priceFeed = priceFeed
	s.chain = chain
	s.oraclePk = oraclePk
	s.rolloverEngine = rollover.Engine{Wallet: wallet, Oracle: oracle}
	if chain != nil && wallet != nil {
		s.punishWatcher = punisher.New(chain, wallet, defaultSweepFeeRate)
	}
}

// Start opens the listener and begins accepting inbound substreams.
func (s *server) Start() error {
	t, err := cfdwire.NewTCPTransport(s.selfPeerId, net.JoinHostPort("", fmt.Sprintf("%d", s.cfg.PeerPort)))
	if err != nil {
		return err
	}
	s.transport = t
	s.started = true

	s.wg.Add(1)
	go s.superviseAcceptLoop()

	srvrLog.Infof("listening for peer connections on %s", t.Addr())
	return nil
}

// restartDelay is the supervision backoff: a loop that terminates for
// any reason other than shutdown restarts after this long, preserving
// no state (everything durable lives in the event store).
const restartDelay = 5 * time.Second

// superviseAcceptLoop keeps the accept loop alive across unexpected
// terminations, the same restart-after-backoff discipline lnd's
// server applies to its long-running peer watchers.
func (s *server) superviseAcceptLoop() {
	defer s.wg.Done()

	for {
		s.acceptLoop()

		select {
		case <-s.quit:
			return
		default:
		}

		srvrLog.Errorf("accept loop terminated unexpectedly, restarting in %s", restartDelay)
		select {
		case <-s.quit:
			return
		case <-time.After(restartDelay):
		}
	}
}

// Stop closes the listener and every connected peer's background loops.
func (s *server) Stop() {
	close(s.quit)
	if s.transport != nil {
		s.transport.Close()
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		ids := s.dispatcher.OnPeerDisconnect(p.id)
		s.failInFlight(ids)
		p.stop()
	}
}

// WaitForShutdown blocks until every background goroutine the server
// spawned has returned.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}

// ConnectToMaker is the Taker's entrypoint for dialing a configured
// Maker address: it registers the peer, runs the identify handshake,
// and starts the heartbeat loop whose misses drive FeedMakerOnlineStatus
//.
func (s *server) ConnectToMaker(ctx context.Context, addr string) (*peer, error) {
	p := newPeer(s, addr, addr, true)
	if err := p.startOutbound(ctx); err != nil {
		return nil, fmt.Errorf("connecting to maker %s: %w", addr, err)
	}

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	srvrLog.Infof("connected to maker %s", addr)
	return p, nil
}

// acceptLoop accepts inbound substreams until shutdown or an accept
// error; its supervisor decides whether a return means restart.
func (s *server) acceptLoop() {
	for {
		acceptCtx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.quit:
				cancel()
			case <-acceptCtx.Done():
			}
		}()

		peerId, protocol, stream, err := s.transport.AcceptSubstream(acceptCtx)
		cancel()
		if err != nil {
			select {
			case <-s.quit:
			default:
				srvrLog.Errorf("accept error: %v", err)
			}
			return
		}

		go s.handleInboundStream(peerId, protocol, stream)
	}
}

// handleInboundStream routes one accepted substream by its announced
// protocol name: identify and ping are answered inline (they aren't
// per-order protocol instances), everything else goes through the
// Dispatcher so the ControlTower's mutual-exclusion invariant applies.
func (s *server) handleInboundStream(peerId, protocol string, stream cfdwire.Substream) {
	ctx := context.Background()

	switch protocol {
	case coordinator.ProtocolIdentify:
		defer stream.Close()
		s.serveIdentify(ctx, peerId, stream)
	case coordinator.ProtocolPing:
		defer stream.Close()
		p := s.peerFor(peerId)
		p.servePing(ctx, stream)
	default:
		if err := s.dispatcher.Dispatch(ctx, peerId, protocol, stream); err != nil {
			srvrLog.Errorf("dispatch failed: peer=%s protocol=%s err=%v", peerId, protocol, err)
		}
	}
}

func (s *server) peerFor(peerId string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.peers[peerId]; ok {
		return p
	}
	p := newPeer(s, peerId, peerId, false)
	s.peers[peerId] = p
	return p
}

// serveIdentify answers an inbound identify substream with our own
// Identify payload.
func (s *server) serveIdentify(ctx context.Context, peerId string, stream cfdwire.Substream) {
	env, err := stream.Next(ctx)
	if err != nil {
		return
	}
	var theirs cfdwire.Identify
	if err := env.Unmarshal(&theirs); err != nil {
		return
	}

	own := cfdwire.Identify{
		ProtocolVersion:    "1.0.0",
		AgentVersion:       "cfdd/" + version(),
		PublicKey:          s.selfPeerId,
		SupportedProtocols: cfdwire.ExpectedProtocols,
	}
	if err := stream.Send(own); err != nil {
		return
	}

	p := s.peerFor(peerId)
	p.identify = theirs
	p.identifySet = true
}

// registerHandlers binds every per-order protocol to a Dispatcher
// handler. Contract setup has no dedicated protocol name: it rides the
// offer substream a taker opens to take an order (handleOffer runs the
// take-order handshake and then the setup engine over the same
// stream).
func (s *server) registerHandlers() {
	s.dispatcher.RegisterHandler(coordinator.ProtocolOffer, s.handleOffer)
	s.dispatcher.RegisterHandler(coordinator.ProtocolRolloverV1, s.handleRollover(feeaccount.V1))
	s.dispatcher.RegisterHandler(coordinator.ProtocolRolloverV2, s.handleRollover(feeaccount.V3))
	s.dispatcher.RegisterHandler(coordinator.ProtocolCollabSettlement, s.handleSettlement)
}

// peekedOrder is what every per-order protocol's first frame reveals
// before the engine itself consumes it: the order id always, and the
// rollover propose's from_commit_txid when present.
type peekedOrder struct {
	orderId        cfdcore.OrderId
	fromCommitTxid string
}

// peekOrder reads the substream's first frame, extracts order_id from
// its JSON payload (every first message of every per-order protocol
// carries one), and returns a substream that replays that frame before
// forwarding to the underlying stream, so the engine itself still gets
// to read it as its own first message.
func peekOrder(ctx context.Context, stream cfdwire.Substream) (peekedOrder, cfdwire.Substream, error) {
	env, err := stream.Next(ctx)
	if err != nil {
		return peekedOrder{}, nil, err
	}

	var tagged struct {
		OrderId        string `json:"order_id"`
		FromCommitTxid string `json:"from_commit_txid"`
	}
	if err := env.Unmarshal(&tagged); err != nil {
		return peekedOrder{}, nil, fmt.Errorf("decoding order id from first frame: %w", err)
	}

	orderId, err := cfdcore.ParseOrderId(tagged.OrderId)
	if err != nil {
		return peekedOrder{}, nil, fmt.Errorf("malformed order_id %q: %w", tagged.OrderId, err)
	}

	peeked := peekedOrder{orderId: orderId, fromCommitTxid: tagged.FromCommitTxid}
	return peeked, &replaySubstream{first: env, underlying: stream}, nil
}

// replaySubstream hands back a buffered envelope once, then defers to
// the wrapped substream for every subsequent Next call.
type replaySubstream struct {
	first      cfdwire.Envelope
	replayed   bool
	underlying cfdwire.Substream
}

func (r *replaySubstream) Send(msg cfdwire.Message) error { return r.underlying.Send(msg) }
func (r *replaySubstream) Close() error                   { return r.underlying.Close() }

func (r *replaySubstream) Next(ctx context.Context) (cfdwire.Envelope, error) {
	if !r.replayed {
		r.replayed = true
		return r.first, nil
	}
	return r.underlying.Next(ctx)
}

// handleRollover returns the maker's responder half for one rollover
// protocol version: the taker is the only side that ever initiates a
// rollover, so an inbound substream on either protocol
// name is always a Propose the maker must decide on. version is fixed
// per protocol name at registration time: peers still running V1 keep
// getting V1's undercharge over /itchysats/rollover/1.0.0, while
// /itchysats/rollover/2.0.0 peers get the corrected accounting.
func (s *server) handleRollover(version feeaccount.RolloverVersion) coordinator.Handler {
	return func(ctx context.Context, peerId string, stream cfdwire.Substream) error {
		peeked, stream, err := peekOrder(ctx, stream)
		if err != nil {
			stream.Close()
			return err
		}
		defer stream.Close()
		orderId := peeked.orderId

		if err := s.tower.ClaimProtocolSlot(orderId, coordinator.RolloverProtocol); err != nil {
			return err
		}
		defer s.tower.ReleaseProtocolSlot(orderId)
		s.dispatcher.Track(peerId, orderId)
		defer s.dispatcher.Untrack(peerId, orderId)

		if err := appendEvent(ctx, s.executor, orderId, cfdevent.RolloverStarted,
			cfdaggregate.RolloverStartedPayload{Initiator: cfdcore.Taker, FromCommitTxid: peeked.fromCommitTxid}); err != nil {
			return err
		}

		cfd, err := coordinator.Rehydrate(ctx, s.executor, orderId)
		if err != nil {
			return err
		}
		currentDlc := s.dlcFor(orderId)
		if currentDlc == nil {
			return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverFailed,
				cfdaggregate.RolloverFailedPayload{Reason: "no DLC in memory to roll over"})
		}

		resolve := func(fromCommitTxid string) (*dlctx.Dlc, feeaccount.CompleteFee, bool) {
			return s.resolveRollover(orderId, fromCommitTxid)
		}

		// NewEventId reuses the current generation's settlement event:
		// selecting the next period's oracle announcement is the price
		// feed's job (cfdcore.OracleClient.GetAnnouncements), which this
		// minimal wiring doesn't yet poll on a schedule.
		params := rollover.ResponderParams{
			SharedParams: rollover.SharedParams{
				OraclePk:           s.oraclePk,
				Position:           canonicalPosition(cfd),
				Quantity:           cfd.Quantity,
				LongLeverage:       cfd.LongLeverage,
				ShortLeverage:      cfd.ShortLeverage,
				NPayouts:           defaultNPayouts,
				MakerAddressScript: currentDlc.MakerAddressScript,
				TakerAddressScript: currentDlc.TakerAddressScript,
			},
			OwnRole:              cfd.Role,
			IsAcceptingRollovers: s.decisions.rolloverDecision(orderId, s.cfg.IsAcceptingRollovers),
			Version:              version,
			NewEventId:           cfd.SettlementEventId,
			TxFeeRate:            cfd.InitialTxFeeRate,
			FundingRate:          cfd.InitialFundingRate,
			Resolve:              resolve,
		}

		result, err := s.rolloverEngine.RunResponder(ctx, stream, params)
		if err != nil {
			return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverFailed,
				cfdaggregate.RolloverFailedPayload{Reason: err.Error()})
		}
		if result.Rejected {
			return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverRejected,
				cfdaggregate.RolloverRejectedPayload{Reason: result.RejectReason})
		}

		// The maker decided Confirm before the exchange's tail ran;
		// record the acceptance now that the whole exchange is done so
		// the Started -> Accepted -> Completed order is preserved even
		// though all three land together.
		if err := appendEvent(ctx, s.executor, orderId, cfdevent.RolloverAccepted,
			cfdaggregate.RolloverAcceptedPayload{
				OracleEventId: params.NewEventId,
				TxFeeRate:     params.TxFeeRate,
				FundingRate:   params.FundingRate,
			}); err != nil {
			return err
		}

		s.setDlc(orderId, result.Dlc, result.SettledFee)
		return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverCompleted,
			cfdaggregate.RolloverCompletedPayload{
				Version:           result.Version,
				SettledFee:        result.SettledFee,
				SettlementEventId: cfd.SettlementEventId,
				CommitTxid:        result.Dlc.Commit.Tx.TxHash().String(),
				PriorCommitTxid:   result.PriorCommitTxid,
			})
	}
}

// appendEvent appends kind/payload to orderId's log via the Executor.
// The event is test-folded against the rehydrated aggregate first: a
// transition the aggregate rejects is returned to the caller with no
// event appended, so an invalid event
// can never poison the persisted log.
func appendEvent(ctx context.Context, executor *coordinator.Executor, orderId cfdcore.OrderId, kind cfdevent.Kind, payload interface{}) error {
	_, err := coordinator.Execute(ctx, executor, orderId, func(cfd cfdaggregate.Cfd) (*cfdevent.Event, struct{}, error) {
		event, err := cfdevent.NewEvent(orderId, kind, payload)
		if err != nil {
			return nil, struct{}{}, err
		}
		if _, err := cfdaggregate.Apply(cfd, event); err != nil {
			return nil, struct{}{}, err
		}
		return &event, struct{}{}, nil
	})
	return err
}

// handleSettlement is always the maker's responder half, symmetric to
// handleRollover: only the taker ever initiates a settlement.
func (s *server) handleSettlement(ctx context.Context, peerId string, stream cfdwire.Substream) error {
	peeked, stream, err := peekOrder(ctx, stream)
	if err != nil {
		stream.Close()
		return err
	}
	defer stream.Close()
	orderId := peeked.orderId

	if err := s.tower.ClaimProtocolSlot(orderId, coordinator.SettlementProtocol); err != nil {
		return err
	}
	defer s.tower.ReleaseProtocolSlot(orderId)
	s.dispatcher.Track(peerId, orderId)
	defer s.dispatcher.Untrack(peerId, orderId)

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.SettlementProposed,
		cfdaggregate.SettlementProposedPayload{Initiator: cfdcore.Taker}); err != nil {
		return err
	}

	cfd, err := coordinator.Rehydrate(ctx, s.executor, orderId)
	if err != nil {
		return err
	}
	currentDlc := s.dlcFor(orderId)
	if currentDlc == nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementRejected,
			cfdaggregate.SettlementRejectedPayload{Reason: "no DLC in memory to settle"})
	}

	var ownQuote cfdcore.Quote
	if s.priceFeed != nil {
		q, err := s.priceFeed.LatestQuote(ctx)
		if err != nil {
			return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementRejected,
				cfdaggregate.SettlementRejectedPayload{Reason: fmt.Sprintf("no quote available: %v", err)})
		}
		ownQuote = q
	}

	operatorReject, operatorReason := s.decisions.settlementDecision(orderId)

	lockCtx := settlement.LockContext{
		LockTx:                 currentDlc.Lock.Tx,
		LockDescriptor:         currentDlc.Lock.Descriptor,
		OwnIdentitySk:          currentDlc.OwnIdentitySk,
		CounterpartyIdentityPk: currentDlc.CounterpartyIdentityPk,
		MakerAddressScript:     currentDlc.MakerAddressScript,
		TakerAddressScript:     currentDlc.TakerAddressScript,
	}

	result, err := s.settlementEngine.RunResponder(ctx, stream, settlement.ResponderParams{
		LockContext:          lockCtx,
		OwnQuote:             ownQuote,
		QuoteIntervalMinutes: s.cfg.QuoteIntervalMinutes,
		Payout: dlctx.PayoutCurveParams{
			Position:      canonicalPosition(cfd),
			Price:         cfd.OpeningPrice,
			Quantity:      cfd.Quantity,
			LongLeverage:  cfd.LongLeverage,
			ShortLeverage: cfd.ShortLeverage,
			NPayouts:      defaultNPayouts,
		},
		FeeRate:              cfd.InitialTxFeeRate,
		OperatorReject:       operatorReject,
		OperatorRejectReason: operatorReason,
	})
	if err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementRejected,
			cfdaggregate.SettlementRejectedPayload{Reason: err.Error()})
	}
	if result.Rejected {
		return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementRejected,
			cfdaggregate.SettlementRejectedPayload{Reason: result.RejectReason})
	}

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.SettlementAccepted,
		cfdaggregate.SettlementAcceptedPayload{}); err != nil {
		return err
	}
	return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementCompleted,
		cfdaggregate.SettlementCompletedPayload{Txid: result.Tx.TxHash().String()})
}

// failInFlight appends a RolloverFailed/SettlementRejected/
// ContractSetupFailed event for every order a disconnected peer left
// mid-protocol.
func (s *server) failInFlight(orderIds []cfdcore.OrderId) {
	for _, id := range orderIds {
		_, err := coordinator.Execute(context.Background(), s.executor, id, func(cfd cfdaggregate.Cfd) (*cfdevent.Event, struct{}, error) {
			if cfd.InFlight == cfdaggregate.NoProtocol {
				return nil, struct{}{}, nil
			}
			kind := failureKindFor(cfd.InFlight)
			event, err := cfdevent.NewEvent(id, kind, map[string]string{"Reason": "peer disconnected"})
			if err != nil {
				return nil, struct{}{}, err
			}
			return &event, struct{}{}, nil
		})
		if err != nil {
			srvrLog.Errorf("failInFlight for order %s: %v", id, err)
		}
	}
}

func failureKindFor(inFlight cfdaggregate.InFlight) cfdevent.Kind {
	switch inFlight {
	case cfdaggregate.SetupInFlight:
		return cfdevent.ContractSetupFailed
	case cfdaggregate.RolloverInFlight:
		return cfdevent.RolloverFailed
	default:
		return cfdevent.SettlementRejected
	}
}
