package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/coordinator"
	"github.com/cfdnet/cfdd/dlctx"
)

// fakeChain hands out confirmation/timelock/spend registrations whose
// channels the test fires by hand.
type fakeChain struct {
	mu            sync.Mutex
	confirmations map[chainhash.Hash]*cfdcore.ConfirmationEvent
	timelocks     map[chainhash.Hash][]*cfdcore.TimelockExpiry
	spends        map[wire.OutPoint]*cfdcore.SpendEvent
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		confirmations: make(map[chainhash.Hash]*cfdcore.ConfirmationEvent),
		timelocks:     make(map[chainhash.Hash][]*cfdcore.TimelockExpiry),
		spends:        make(map[wire.OutPoint]*cfdcore.SpendEvent),
	}
}

func (c *fakeChain) RegisterConfirmationsNtfn(ctx context.Context, txid chainhash.Hash, numConfs uint32) (*cfdcore.ConfirmationEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := &cfdcore.ConfirmationEvent{Confirmed: make(chan struct{}, 1)}
	c.confirmations[txid] = ev
	return ev, nil
}

func (c *fakeChain) RegisterTimelockNtfn(ctx context.Context, txid chainhash.Hash, outputIndex uint32, relativeBlocks uint32) (*cfdcore.TimelockExpiry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := &cfdcore.TimelockExpiry{Expired: make(chan struct{}, 1)}
	c.timelocks[txid] = append(c.timelocks[txid], ev)
	return ev, nil
}

func (c *fakeChain) RegisterSpendNtfn(ctx context.Context, outpoint wire.OutPoint) (*cfdcore.SpendEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := &cfdcore.SpendEvent{Spend: make(chan *cfdcore.SpendDetail, 1)}
	c.spends[outpoint] = ev
	return ev, nil
}

func (c *fakeChain) confirm(txid chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.confirmations[txid]; ok {
		ev.Confirmed <- struct{}{}
		return true
	}
	return false
}

// testDlc builds a self-consistent single-generation DLC from the
// maker's perspective, with the stored CET adaptor signatures produced
// by the counterparty (taker) key, the way a completed setup leaves
// them. Returns the dlc plus the oracle/nonce secrets needed to attest.
func testDlc(t *testing.T, nPayouts int) (*dlctx.Dlc, *secp256k1.PrivateKey, []*secp256k1.PrivateKey) {
	t.Helper()

	makerIdentity := mustPrivKey(t)
	takerIdentity := mustPrivKey(t)
	makerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	takerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	oracleSk := mustPrivKey(t)

	nBits := 0
	for n := nPayouts - 1; n > 0; n >>= 1 {
		nBits++
	}
	nonceSks := make([]*secp256k1.PrivateKey, nBits)
	noncePks := make([]*btcec.PublicKey, nBits)
	for i := range nonceSks {
		nonceSks[i] = mustPrivKey(t)
		noncePks[i] = nonceSks[i].PubKey()
	}

	eventId := cfdcore.NewPriceEventId(time.Now().Add(24*time.Hour), "btcusd", nBits)

	makerScript, err := dlctx.CetOutputScript(makerIdentity.PubKey())
	require.NoError(t, err)
	takerScript, err := dlctx.CetOutputScript(takerIdentity.PubKey())
	require.NoError(t, err)

	p := dlctx.BuildParams{
		MakerParams: cfdcore.PartyParams{
			LockAmount: 500_000, IdentityPk: makerIdentity.PubKey(),
			FundingInputs: []cfdcore.FundingInput{{OutPoint: wire.OutPoint{Index: 0}, Value: 500_000}},
		},
		TakerParams: cfdcore.PartyParams{
			LockAmount: 500_000, IdentityPk: takerIdentity.PubKey(),
			FundingInputs: []cfdcore.FundingInput{{OutPoint: wire.OutPoint{Index: 1}, Value: 500_000}},
		},
		MakerPunish: makerPunish.Params(),
		TakerPunish: takerPunish.Params(),
		OwnRole:     cfdcore.Maker,
		// Sign the CETs with the taker's key: from the maker's side,
		// the stored signatures are the counterparty's.
		OwnIdentitySk:   takerIdentity,
		OwnRevocationSk: makerPunish.RevocationSk,
		OwnPublishSk:    makerPunish.PublishSk,
		Oracle:          oracleSk.PubKey(),
		Announcement:    cfdcore.Announcement{Id: eventId, NoncePks: noncePks},
		Payout: dlctx.PayoutCurveParams{
			Position:      cfdcore.Short,
			Price:         cfdcore.NewPrice(50_000),
			Quantity:      cfdcore.NewUsd(100),
			LongLeverage:  2,
			ShortLeverage: 2,
			NPayouts:      nPayouts,
		},
		FeeRate:            1,
		RefundTimelock:     600_000,
		MakerAddressScript: makerScript,
		TakerAddressScript: takerScript,
	}

	lockTx, lockDesc, err := dlctx.BuildLock(p)
	require.NoError(t, err)
	commitTx, commitDesc, err := dlctx.BuildCommit(lockTx, lockDesc, p)
	require.NoError(t, err)
	cets, err := dlctx.BuildCets(commitTx, commitDesc, p)
	require.NoError(t, err)
	refundTx, err := dlctx.BuildRefund(commitTx, commitDesc, p)
	require.NoError(t, err)

	dlc := &dlctx.Dlc{
		OwnRole:                  cfdcore.Maker,
		OwnIdentitySk:            makerIdentity,
		CounterpartyIdentityPk:   takerIdentity.PubKey(),
		OwnRevocationSk:          makerPunish.RevocationSk,
		CounterpartyRevocationPk: takerPunish.Params().RevocationPk,
		OwnPublishSk:             makerPunish.PublishSk,
		CounterpartyPublishPk:    takerPunish.Params().PublishPk,
		MakerAddressScript:       makerScript,
		TakerAddressScript:       takerScript,
		Lock:                     dlctx.Lock{Tx: lockTx, Descriptor: lockDesc},
		Commit:                   dlctx.Commit{Tx: commitTx, Descriptor: commitDesc},
		Cets:                     map[cfdcore.PriceEventId][]dlctx.Cet{eventId: cets},
		Refund:                   dlctx.Refund{Tx: refundTx},
		MakerLockAmount:          500_000,
		TakerLockAmount:          500_000,
		SettlementEventId:        eventId,
		RefundTimelock:           600_000,
	}
	return dlc, oracleSk, nonceSks
}

// TestWatchDlcAppendsConfirmationEvents walks a CFD from PendingOpen
// to Open and then OpenCommitted purely off chain notifications.
func TestWatchDlcAppendsConfirmationEvents(t *testing.T) {
	chain := newFakeChain()
	oracle := &fakeOracle{attestations: make(chan cfdcore.Attestation)}
	s, _ := newTestServer(t, "maker", &fakeWallet{}, oracle, mustPrivKey(t).PubKey())
	s.chain = chain

	dlc, _, _ := testDlc(t, 8)
	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupStarted,
		cfdaggregate.ContractSetupStartedPayload{Role: cfdcore.Maker, Position: cfdcore.Short}))
	require.NoError(t, appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupCompleted,
		cfdaggregate.ContractSetupCompletedPayload{}))

	s.watchDlc(orderId, dlc)

	require.True(t, chain.confirm(dlc.Lock.Tx.TxHash()))
	require.Eventually(t, func() bool {
		cfd, err := coordinator.Rehydrate(ctx, s.executor, orderId)
		return err == nil && cfd.State == cfdaggregate.Open
	}, 2*time.Second, 10*time.Millisecond, "lock confirmation must drive the aggregate to Open")

	require.True(t, chain.confirm(dlc.Commit.Tx.TxHash()))
	require.Eventually(t, func() bool {
		cfd, err := coordinator.Rehydrate(ctx, s.executor, orderId)
		return err == nil && cfd.State == cfdaggregate.OpenCommitted
	}, 2*time.Second, 10*time.Millisecond, "commit confirmation must drive the aggregate to OpenCommitted")

	close(s.quit)
	s.wg.Wait()
}

// TestAttestationDecryptsExactlyTheWinningCet: an attestation for the
// DLC's settlement event yields exactly one
// broadcastable CET, the one whose price bucket contains the attested
// price, and its txid appears in the DLC's cets.
func TestAttestationDecryptsExactlyTheWinningCet(t *testing.T) {
	const nPayouts = 8
	dlc, oracleSk, nonceSks := testDlc(t, nPayouts)
	cets := dlc.Cets[dlc.SettlementEventId]
	require.Len(t, cets, nPayouts)

	// Attest to a price in the middle of bucket 5.
	bucket := 5
	mid := (cets[bucket].PriceRange.Low.Float64() + cets[bucket].PriceRange.High.Float64()) / 2
	digits := adaptor.DigitsForInterval(bucket, cets[bucket].NBits)
	scalars, err := adaptor.AttestDigits(oracleSk, nonceSks, digits)
	require.NoError(t, err)

	att := cfdcore.Attestation{
		Id:      dlc.SettlementEventId,
		Price:   cfdcore.NewPrice(mid),
		Scalars: scalars,
	}

	cetTx, err := DecryptWinningCet(dlc, att)
	require.NoError(t, err)
	require.Equal(t, cets[bucket].Txid, cetTx.TxHash(), "the decrypted CET must be the attested bucket's")

	// Scalars for a different outcome must not decrypt this bucket.
	wrongDigits := adaptor.DigitsForInterval((bucket+1)%nPayouts, cets[bucket].NBits)
	wrongScalars, err := adaptor.AttestDigits(oracleSk, nonceSks, wrongDigits)
	require.NoError(t, err)
	_, err = DecryptWinningCet(dlc, cfdcore.Attestation{
		Id:      dlc.SettlementEventId,
		Price:   cfdcore.NewPrice(mid),
		Scalars: wrongScalars,
	})
	require.Error(t, err)
}

// TestWatchAttestationBroadcastsTheCet drives the S6 path end to end
// through the server's watcher: deliver the attestation, expect the
// OracleAttestationReceived event and a broadcast of the winning CET.
func TestWatchAttestationBroadcastsTheCet(t *testing.T) {
	const nPayouts = 8
	dlc, oracleSk, nonceSks := testDlc(t, nPayouts)
	cets := dlc.Cets[dlc.SettlementEventId]

	wallet := &fakeWallet{}
	oracle := &fakeOracle{attestations: make(chan cfdcore.Attestation, 1)}
	s, store := newTestServer(t, "maker", wallet, oracle, oracleSk.PubKey())
	s.chain = newFakeChain()

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupStarted,
		cfdaggregate.ContractSetupStartedPayload{Role: cfdcore.Maker, Position: cfdcore.Short}))
	require.NoError(t, appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupCompleted,
		cfdaggregate.ContractSetupCompletedPayload{}))

	s.watchDlc(orderId, dlc)

	bucket := 2
	mid := (cets[bucket].PriceRange.Low.Float64() + cets[bucket].PriceRange.High.Float64()) / 2
	digits := adaptor.DigitsForInterval(bucket, cets[bucket].NBits)
	scalars, err := adaptor.AttestDigits(oracleSk, nonceSks, digits)
	require.NoError(t, err)

	oracle.attestations <- cfdcore.Attestation{
		Id:      dlc.SettlementEventId,
		Price:   cfdcore.NewPrice(mid),
		Scalars: scalars,
	}

	require.Eventually(t, func() bool {
		for _, tx := range wallet.broadcasts() {
			if tx.TxHash() == cets[bucket].Txid {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "the winning CET must be broadcast")

	events, err := store.Load(ctx, orderId)
	require.NoError(t, err)
	attested := 0
	for _, e := range events {
		if e.Kind == cfdevent.OracleAttestationReceived {
			attested++
		}
	}
	require.Equal(t, 1, attested, "exactly one attestation event must be appended")

	close(s.quit)
	s.wg.Wait()
}
