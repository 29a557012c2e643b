// Package punisher watches open CFDs for a unilaterally published, stale
// commit transaction and broadcasts the punish-branch sweep against it
// before its CSV delay would otherwise let the cheating counterparty
// reclaim the funds. It generalizes
// lnd's breachArbiter from channel-force-close breaches to
// stale-CFD-commit breaches.
package punisher

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdlog"
	"github.com/cfdnet/cfdd/dlctx"
)

var log btclog.Logger = cfdlog.Disabled

// UseLogger installs a logger for this package.
func UseLogger(logger btclog.Logger) { log = logger }

// Watcher is the in-process registry of Dlcs whose lock output it is
// watching for a stale-commit breach, mirroring lnd's
// breachArbiter holding one contractObserver goroutine per active
// channel. Unlike lnd, nothing here is persisted to disk between
// restarts: a Dlc's punish keys live only in the memory of the process
// that negotiated it (event payloads record txids, not key material),
// so a restarted daemon must re-register every still-open
// order's Dlc before punish coverage resumes.
type Watcher struct {
	chain   cfdcore.ChainMonitor
	wallet  cfdcore.Wallet
	feeRate cfdcore.TxFeeRate

	mu      sync.Mutex
	watched map[cfdcore.OrderId]context.CancelFunc
}

// New wires a Watcher to the chain monitor it registers spend
// notifications against and the wallet it broadcasts sweeps through.
func New(chain cfdcore.ChainMonitor, wallet cfdcore.Wallet, feeRate cfdcore.TxFeeRate) *Watcher {
	return &Watcher{
		chain:   chain,
		wallet:  wallet,
		feeRate: feeRate,
		watched: make(map[cfdcore.OrderId]context.CancelFunc),
	}
}

// WatchOrder registers a spend notification on dlc's lock outpoint and
// runs a goroutine that, for the lifetime of ctx (or until StopWatching
// is called), punishes any spend of it that matches one of dlc's
// RevokedCommit generations. Calling WatchOrder again for an order
// already being watched replaces the previous watch, the same
// register-or-replace shape lnd's AddLink gives linkIndex.
func (w *Watcher) WatchOrder(ctx context.Context, orderId cfdcore.OrderId, dlc *dlctx.Dlc) error {
	if len(dlc.Lock.Tx.TxOut) == 0 {
		return fmt.Errorf("order %s: lock tx has no outputs to watch", orderId)
	}

	lockOutpoint := wire.OutPoint{Hash: dlc.Lock.Tx.TxHash(), Index: 0}

	spendEvent, err := w.chain.RegisterSpendNtfn(ctx, lockOutpoint)
	if err != nil {
		return fmt.Errorf("registering spend notification for order %s: %w", orderId, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	if prev, ok := w.watched[orderId]; ok {
		prev()
	}
	w.watched[orderId] = cancel
	w.mu.Unlock()

	go w.observe(watchCtx, orderId, dlc, spendEvent)
	return nil
}

// StopWatching cancels orderId's watch, called once the CFD reaches a
// terminal state (Closed, Refunded) where a stale commit can no longer
// be published.
func (w *Watcher) StopWatching(orderId cfdcore.OrderId) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cancel, ok := w.watched[orderId]; ok {
		cancel()
		delete(w.watched, orderId)
	}
}

// observe is the per-order contract-observer goroutine, the direct
// counterpart of breachArbiter.contractObserver: block on the spend
// notification, and on the one delivery check whether it was a breach.
func (w *Watcher) observe(ctx context.Context, orderId cfdcore.OrderId, dlc *dlctx.Dlc, spendEvent *cfdcore.SpendEvent) {
	select {
	case <-ctx.Done():
		return
	case detail, ok := <-spendEvent.Spend:
		if !ok || detail == nil {
			return
		}

		revoked, isBreach := matchRevokedCommit(dlc, detail.SpendingTx)
		if !isBreach {
			log.Debugf("order %s: lock output spent cooperatively, no punish needed", orderId)
			return
		}

		log.Warnf("order %s: stale commit %s published, punishing", orderId, detail.SpenderTxHash)
		if err := w.punish(ctx, orderId, dlc, revoked, detail.SpendingTx); err != nil {
			log.Errorf("order %s: punish sweep failed: %v", orderId, err)
		}
	}
}

// matchRevokedCommit reports whether spendingTx is one of dlc's
// RevokedCommit generations, identified by txid.
func matchRevokedCommit(dlc *dlctx.Dlc, spendingTx *wire.MsgTx) (*dlctx.RevokedCommit, bool) {
	spendingTxid := spendingTx.TxHash()
	for i := range dlc.RevokedCommit {
		if dlc.RevokedCommit[i].CommitTx.TxHash() == spendingTxid {
			return &dlc.RevokedCommit[i], true
		}
	}
	return nil, false
}

// punish assembles and broadcasts the sweep transaction against
// revoked's punish branch: the counterparty published a commit
// generation whose revocation secret it already handed over on the next
// rollover, so the punish branch is spendable by this process alone.
func (w *Watcher) punish(ctx context.Context, orderId cfdcore.OrderId, dlc *dlctx.Dlc, revoked *dlctx.RevokedCommit, publishedTx *wire.MsgTx) error {
	// The stale generation pays its OWN descriptor: rollover rotates
	// the punish keys, so the current generation's script never
	// appears on a revoked commit.
	punishOutIdx, err := findPunishOutput(publishedTx, revoked.Descriptor)
	if err != nil {
		return err
	}

	input := dlctx.SweepInput{
		OutPoint: wire.OutPoint{Hash: publishedTx.TxHash(), Index: punishOutIdx},
		Value:    cfdcore.Amount(publishedTx.TxOut[punishOutIdx].Value),
		SignDesc: dlctx.SignDescriptor{
			Descriptor:               revoked.Descriptor,
			InputAmount:              publishedTx.TxOut[punishOutIdx].Value,
			HashType:                 txscript.SigHashAll,
			OwnPublishSk:             revoked.PublishSk,
			CounterpartyRevocationSk: revoked.RevocationSk,
		},
		WitnessGen: dlctx.CommitPunish,
	}

	sweepTx, err := dlctx.BuildSweepTx([]dlctx.SweepInput{input}, w.destScript(dlc), w.feeRate, 0)
	if err != nil {
		return fmt.Errorf("building punish sweep for order %s: %w", orderId, err)
	}

	if err := w.wallet.Broadcast(ctx, sweepTx); err != nil {
		return fmt.Errorf("broadcasting punish sweep for order %s: %w", orderId, err)
	}

	log.Infof("order %s: broadcast punish sweep %s", orderId, sweepTx.TxHash())
	return nil
}

// findPunishOutput locates desc's output on the published transaction.
// A commit transaction has exactly one output paying the
// 2-of-2/punish descriptor; the rest (if any future generation grows
// extra outputs) are never the punish target.
func findPunishOutput(tx *wire.MsgTx, desc *dlctx.Descriptor) (uint32, error) {
	for i, out := range tx.TxOut {
		if string(out.PkScript) == string(desc.PkScript) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("published commit tx has no output matching the commit descriptor")
}

// destScript is where swept punish funds land: this process's own
// address, the same one its side of the lock output paid.
func (w *Watcher) destScript(dlc *dlctx.Dlc) []byte {
	if dlc.OwnRole == cfdcore.Maker {
		return dlc.MakerAddressScript
	}
	return dlc.TakerAddressScript
}
