package main

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/dlctx"
)

// defaultSweepFeeRate is the fee rate the punish watcher sweeps a
// breached commit output at. Punish sweeps race a CSV delay, so a
// conservative over-estimate beats waiting for a fee quote.
const defaultSweepFeeRate cfdcore.TxFeeRate = 10

// lockConfDepth is how many confirmations flip a lock/commit/CET/refund
// transaction to confirmed in the aggregate.
const lockConfDepth = 1

// watchDlc registers every chain- and oracle-driven transition for one
// DLC generation: lock and commit confirmation, the CET and refund timelocks
// hanging off the commit, CET/refund confirmation, the stale-commit
// punish watch, and the attestation subscription that decrypts the
// winning CET. Each registration runs in its own goroutine, the one
// goroutine-per-notification shape lnd's breach arbiter uses
// per channel; events flow back through the executor like every other
// state change.
func (s *server) watchDlc(orderId cfdcore.OrderId, dlc *dlctx.Dlc) {
	if s.chain == nil {
		return
	}
	ctx := context.Background()

	s.watchConfirmation(ctx, orderId, dlc.Lock.Tx.TxHash(), func() (cfdevent.Kind, interface{}) {
		return cfdevent.LockConfirmed, cfdaggregate.LockConfirmedPayload{Txid: dlc.Lock.Tx.TxHash().String()}
	})

	commitTxid := dlc.Commit.Tx.TxHash()
	s.watchConfirmation(ctx, orderId, commitTxid, func() (cfdevent.Kind, interface{}) {
		return cfdevent.CommitConfirmed, cfdaggregate.CommitConfirmedPayload{Txid: commitTxid.String()}
	})
	s.watchTimelock(ctx, orderId, commitTxid, dlctx.CetTimelock, func() (cfdevent.Kind, interface{}) {
		return cfdevent.CetTimelockExpired, cfdaggregate.CetTimelockExpiredPayload{}
	})
	s.watchTimelock(ctx, orderId, commitTxid, dlc.RefundTimelock, func() (cfdevent.Kind, interface{}) {
		return cfdevent.RefundTimelockExpired, cfdaggregate.RefundTimelockExpiredPayload{}
	})

	refundTxid := dlc.Refund.Tx.TxHash()
	s.watchConfirmation(ctx, orderId, refundTxid, func() (cfdevent.Kind, interface{}) {
		return cfdevent.RefundConfirmed, cfdaggregate.RefundConfirmedPayload{Txid: refundTxid.String()}
	})

	for eventId, cets := range dlc.Cets {
		for _, cet := range cets {
			txid, id := cet.Txid, eventId
			s.watchConfirmation(ctx, orderId, txid, func() (cfdevent.Kind, interface{}) {
				return cfdevent.CetConfirmed, cfdaggregate.CetConfirmedPayload{Txid: txid.String(), PriceEventId: id}
			})
		}
	}

	if s.punishWatcher != nil && len(dlc.RevokedCommit) > 0 {
		if err := s.punishWatcher.WatchOrder(ctx, orderId, dlc); err != nil {
			srvrLog.Errorf("arming punish watch for order %s: %v", orderId, err)
		}
	}

	s.wg.Add(1)
	go s.watchAttestation(ctx, orderId, dlc)
}

func (s *server) watchConfirmation(ctx context.Context, orderId cfdcore.OrderId, txid chainhash.Hash, event func() (cfdevent.Kind, interface{})) {
	conf, err := s.chain.RegisterConfirmationsNtfn(ctx, txid, lockConfDepth)
	if err != nil {
		srvrLog.Errorf("registering confirmation ntfn for %s: %v", txid, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.quit:
		case _, ok := <-conf.Confirmed:
			if !ok {
				return
			}
			kind, payload := event()
			if err := appendEvent(ctx, s.executor, orderId, kind, payload); err != nil {
				srvrLog.Errorf("appending %s for order %s: %v", kind, orderId, err)
			}
		}
	}()
}

func (s *server) watchTimelock(ctx context.Context, orderId cfdcore.OrderId, txid chainhash.Hash, relativeBlocks uint32, event func() (cfdevent.Kind, interface{})) {
	expiry, err := s.chain.RegisterTimelockNtfn(ctx, txid, 0, relativeBlocks)
	if err != nil {
		srvrLog.Errorf("registering timelock ntfn for %s: %v", txid, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.quit:
		case _, ok := <-expiry.Expired:
			if !ok {
				return
			}
			kind, payload := event()
			if err := appendEvent(ctx, s.executor, orderId, kind, payload); err != nil {
				srvrLog.Errorf("appending %s for order %s: %v", kind, orderId, err)
			}
		}
	}()
}

// watchAttestation subscribes to the DLC's settlement event and, when
// the oracle attests, decrypts exactly the CET whose price bucket the
// attested price falls into. The decrypted signature is
// verified before anything is recorded or broadcast -- a bad oracle
// delivery must not produce an unbroadcastable "ready" CET.
func (s *server) watchAttestation(ctx context.Context, orderId cfdcore.OrderId, dlc *dlctx.Dlc) {
	defer s.wg.Done()

	if s.oracle == nil {
		return
	}

	attestations, err := s.oracle.MonitorAttestations(ctx, dlc.SettlementEventId)
	if err != nil || attestations == nil {
		srvrLog.Errorf("subscribing to attestations for %s: %v", dlc.SettlementEventId, err)
		return
	}

	var att cfdcore.Attestation
	select {
	case <-s.quit:
		return
	case a, ok := <-attestations:
		if !ok || a.Id != dlc.SettlementEventId {
			return
		}
		att = a
	}

	cetTx, err := DecryptWinningCet(dlc, att)
	if err != nil {
		srvrLog.Errorf("decrypting CET for order %s: %v", orderId, err)
		return
	}

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.OracleAttestationReceived,
		cfdaggregate.OracleAttestationReceivedPayload{PriceEventId: att.Id, Price: att.Price}); err != nil {
		srvrLog.Errorf("appending attestation for order %s: %v", orderId, err)
		return
	}

	if s.wallet != nil {
		if err := s.wallet.Broadcast(ctx, cetTx); err != nil {
			srvrLog.Errorf("broadcasting CET for order %s: %v", orderId, err)
		}
	}
}

// DecryptWinningCet resolves the attested price to its payout bucket,
// folds the oracle's per-digit scalars into the attestation secret, and
// decrypts the counterparty's adaptor signature on that one CET. The
// decrypted signature is checked under the counterparty's identity key
// before the transaction is returned as broadcastable.
func DecryptWinningCet(dlc *dlctx.Dlc, att cfdcore.Attestation) (*wire.MsgTx, error) {
	cets := dlc.Cets[att.Id]
	if len(cets) == 0 {
		return nil, fmt.Errorf("dlc has no CETs for event %s", att.Id)
	}

	low := cets[0].PriceRange.Low.Float64()
	high := cets[len(cets)-1].PriceRange.High.Float64()
	bucket := adaptor.BucketForPrice(low, high, len(cets), att.Price.Float64())
	cet := cets[bucket]

	digits := adaptor.DigitsForInterval(bucket, cet.NBits)
	if len(att.Scalars) < len(digits) {
		return nil, fmt.Errorf("attestation has %d scalars, bucket needs %d", len(att.Scalars), len(digits))
	}
	secret, err := adaptor.AttestationScalar(att.Scalars[:len(digits)])
	if err != nil {
		return nil, err
	}

	decrypted := adaptor.Decrypt(cet.AdaptorSig, secret)

	sigHash, err := dlctx.CetSigHash(cet.Tx, dlc.Commit.Tx, dlc.Commit.Descriptor)
	if err != nil {
		return nil, err
	}
	if !adaptor.VerifyDecrypted(decrypted, dlc.CounterpartyIdentityPk, sigHash) {
		return nil, fmt.Errorf("attestation does not decrypt bucket %d's adaptor signature", bucket)
	}

	return cet.Tx, nil
}
