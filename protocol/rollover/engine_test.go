package rollover_test

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/feeaccount"
	"github.com/cfdnet/cfdd/protocol/rollover"
)

func mustPrivKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return sk
}

type chanSubstream struct {
	out chan cfdwire.Envelope
	in  chan cfdwire.Envelope
}

func newSubstreamPair() (a, b cfdwire.Substream) {
	ab := make(chan cfdwire.Envelope, 8)
	ba := make(chan cfdwire.Envelope, 8)
	return &chanSubstream{out: ab, in: ba}, &chanSubstream{out: ba, in: ab}
}

func (s *chanSubstream) Send(msg cfdwire.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.out <- cfdwire.Envelope{Type: msg.MsgType(), Payload: payload}
	return nil
}

func (s *chanSubstream) Next(ctx context.Context) (cfdwire.Envelope, error) {
	select {
	case env := <-s.in:
		return env, nil
	case <-ctx.Done():
		return cfdwire.Envelope{}, ctx.Err()
	}
}

func (s *chanSubstream) Close() error { return nil }

type fakeOracle struct {
	announcement cfdcore.Announcement
}

func (o *fakeOracle) GetAnnouncements(ctx context.Context, ids []cfdcore.PriceEventId) ([]cfdcore.Announcement, error) {
	return []cfdcore.Announcement{o.announcement}, nil
}

func (o *fakeOracle) MonitorAttestations(ctx context.Context, id cfdcore.PriceEventId) (<-chan cfdcore.Attestation, error) {
	return nil, nil
}

// buildGen0 assembles a self-consistent prior-generation Dlc pair (one
// value from each side's perspective, sharing the same lock/commit/
// cets/refund transactions), standing in for a DLC that already went
// through contract setup -- exactly what RunResponder's Resolve looks
// up and RunInitiator's CurrentDlc already holds.
func buildGen0(t *testing.T, makerIdentity, takerIdentity *secp256k1.PrivateKey,
	makerPunish, takerPunish cfdcore.PunishSecrets, oraclePk *secp256k1.PublicKey,
	eventId cfdcore.PriceEventId, noncePks []*btcec.PublicKey,
	makerScript, takerScript []byte) (makerDlc, takerDlc *dlctx.Dlc) {
	t.Helper()

	p := dlctx.BuildParams{
		MakerParams: cfdcore.PartyParams{LockAmount: 500_000, IdentityPk: makerIdentity.PubKey()},
		TakerParams: cfdcore.PartyParams{LockAmount: 500_000, IdentityPk: takerIdentity.PubKey()},
		MakerPunish: makerPunish.Params(), TakerPunish: takerPunish.Params(),
		OwnRole:         cfdcore.Maker,
		OwnIdentitySk:   makerIdentity,
		OwnRevocationSk: makerPunish.RevocationSk,
		OwnPublishSk:    makerPunish.PublishSk,
		Oracle:          oraclePk,
		Announcement:    cfdcore.Announcement{NoncePks: noncePks},
		Payout: dlctx.PayoutCurveParams{
			Position:      cfdcore.Long,
			Price:         cfdcore.NewPrice(20000),
			Quantity:      cfdcore.NewUsd(1000),
			LongLeverage:  2,
			ShortLeverage: 2,
			NPayouts:      4,
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

	lock := dlctx.Lock{Tx: lockTx, Descriptor: lockDesc}
	commit := dlctx.Commit{Tx: commitTx, Descriptor: commitDesc}
	refund := dlctx.Refund{Tx: refundTx}
	cetsByEvent := map[cfdcore.PriceEventId][]dlctx.Cet{eventId: cets}

	makerDlc = &dlctx.Dlc{
		OwnRole:                  cfdcore.Maker,
		OwnIdentitySk:            makerIdentity,
		CounterpartyIdentityPk:   takerIdentity.PubKey(),
		OwnRevocationSk:          makerPunish.RevocationSk,
		CounterpartyRevocationPk: takerPunish.Params().RevocationPk,
		OwnPublishSk:             makerPunish.PublishSk,
		CounterpartyPublishPk:    takerPunish.Params().PublishPk,
		MakerAddressScript:       makerScript,
		TakerAddressScript:       takerScript,
		Lock:                     lock,
		Commit:                   commit,
		Cets:                     cetsByEvent,
		Refund:                   refund,
		MakerLockAmount:          500_000,
		TakerLockAmount:          500_000,
		SettlementEventId:        eventId,
		RefundTimelock:           600_000,
	}

	takerDlc = &dlctx.Dlc{
		OwnRole:                  cfdcore.Taker,
		OwnIdentitySk:            takerIdentity,
		CounterpartyIdentityPk:   makerIdentity.PubKey(),
		OwnRevocationSk:          takerPunish.RevocationSk,
		CounterpartyRevocationPk: makerPunish.Params().RevocationPk,
		OwnPublishSk:             takerPunish.PublishSk,
		CounterpartyPublishPk:    makerPunish.Params().PublishPk,
		MakerAddressScript:       makerScript,
		TakerAddressScript:       takerScript,
		Lock:                     lock,
		Commit:                   commit,
		Cets:                     cetsByEvent,
		Refund:                   refund,
		MakerLockAmount:          500_000,
		TakerLockAmount:          500_000,
		SettlementEventId:        eventId,
		RefundTimelock:           600_000,
	}
	return makerDlc, takerDlc
}

// TestRunResponderResolvesPriorGenerationForRetry is a regression test
// for the retry-from-older-DLC path: the taker proposes using a
// commit_txid that is not the maker's
// current generation, Resolve must find it and the maker must settle
// fees from that matched generation's own saved balance -- and, since
// its settlement event has already matured, charge exactly one
// fallback funding period (24 hours), never double-charging for
// whatever rollovers happened after it.
func TestRunResponderResolvesPriorGenerationForRetry(t *testing.T) {
	makerIdentity, takerIdentity := mustPrivKey(t), mustPrivKey(t)
	makerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	takerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	oracleSk := mustPrivKey(t)

	const nBits = 2
	gen0Nonces := make([]*btcec.PublicKey, nBits)
	for i := range gen0Nonces {
		gen0Nonces[i] = mustPrivKey(t).PubKey()
	}
	// gen0's settlement event already matured, forcing RunResponder's
	// fundingHours fallback regardless of what event the
	// new generation settles against.
	gen0EventId := cfdcore.NewPriceEventId(time.Now().Add(-2*time.Hour), "btcusd", nBits)

	makerScript := []byte{0x00, 0x14}
	takerScript := []byte{0x00, 0x14}

	gen0Maker, gen0Taker := buildGen0(t, makerIdentity, takerIdentity, makerPunish, takerPunish,
		oracleSk.PubKey(), gen0EventId, gen0Nonces, makerScript, takerScript)

	newEventNonces := make([]*btcec.PublicKey, nBits)
	for i := range newEventNonces {
		newEventNonces[i] = mustPrivKey(t).PubKey()
	}
	newEventId := cfdcore.NewPriceEventId(time.Now().Add(48*time.Hour), "btcusd", nBits)
	oracle := &fakeOracle{announcement: cfdcore.Announcement{Id: newEventId, NoncePks: newEventNonces}}

	shared := rollover.SharedParams{
		OraclePk:           oracleSk.PubKey(),
		Position:           cfdcore.Long,
		Quantity:           cfdcore.NewUsd(1000),
		LongLeverage:       2,
		ShortLeverage:      2,
		NPayouts:           4,
		MakerAddressScript: makerScript,
		TakerAddressScript: takerScript,
	}

	const fundingRate = cfdcore.FundingRate(300) // 0.0003 scaled by usdScale
	const priorBalance = cfdcore.SignedAmount(5_000)

	staleTxid := gen0Taker.Commit.Tx.TxHash().String()
	var resolvedWith string

	resolve := func(fromCommitTxid string) (*dlctx.Dlc, feeaccount.CompleteFee, bool) {
		resolvedWith = fromCommitTxid
		if fromCommitTxid != gen0Maker.Commit.Tx.TxHash().String() {
			return nil, feeaccount.CompleteFee{}, false
		}
		return gen0Maker, feeaccount.CompleteFee{Balance: priorBalance}, true
	}

	makerEngine := &rollover.Engine{Oracle: oracle}
	takerEngine := &rollover.Engine{Oracle: oracle}

	makerStream, takerStream := newSubstreamPair()

	var makerResult, takerResult *rollover.Result
	var makerErr, takerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		makerResult, makerErr = makerEngine.RunResponder(context.Background(), makerStream, rollover.ResponderParams{
			SharedParams:         shared,
			OwnRole:              cfdcore.Maker,
			IsAcceptingRollovers: true,
			NewEventId:           newEventId,
			TxFeeRate:            1,
			FundingRate:          fundingRate,
			Version:              feeaccount.V3,
			Resolve:              resolve,
		})
	}()
	go func() {
		defer wg.Done()
		takerResult, takerErr = takerEngine.RunInitiator(context.Background(), takerStream, rollover.InitiatorParams{
			SharedParams: shared,
			CurrentDlc:   gen0Taker,
			OwnRole:      cfdcore.Taker,
		})
	}()
	wg.Wait()

	require.NoError(t, makerErr)
	require.NoError(t, takerErr)
	require.Equal(t, staleTxid, resolvedWith, "the taker's proposal must carry the stale pre-rollover commit txid")
	require.False(t, makerResult.Rejected)
	require.False(t, takerResult.Rejected)

	// One fallback period's worth of funding fee must have been folded
	// in on top of the matched generation's own balance -- not the
	// double-charge a naive "always 48 hours" or "always current
	// balance" implementation would produce.
	price := gen0Maker.Cets[gen0EventId][0].PriceRange.Low
	oneFallbackPeriod := feeaccount.CalculateFundingFee(price, shared.Quantity, shared.LongLeverage, shared.ShortLeverage, fundingRate, 24)
	twoFallbackPeriods := feeaccount.CalculateFundingFee(price, shared.Quantity, shared.LongLeverage, shared.ShortLeverage, fundingRate, 48)

	delta := math.Abs(float64(makerResult.SettledFee.Balance - priorBalance))
	require.InDelta(t, math.Abs(float64(oneFallbackPeriod.Amount)), delta, 1,
		"retry must charge exactly one fallback period on top of the resolved generation's own balance")
	require.NotEqual(t, math.Abs(float64(twoFallbackPeriods.Amount)), delta,
		"retry must not double-charge for the discarded intermediate rollover")

	require.Equal(t, makerResult.Dlc.Commit.Tx.TxHash(), takerResult.Dlc.Commit.Tx.TxHash())
	require.NotEqual(t, gen0Maker.Commit.Tx.TxHash(), makerResult.Dlc.Commit.Tx.TxHash(), "a new commit generation must have been built")

	// Exactly one more revoked generation than before, carrying the
	// superseded commit, its own descriptor, and both revocation
	// halves needed to punish its broadcast.
	require.Len(t, makerResult.Dlc.RevokedCommit, len(gen0Maker.RevokedCommit)+1)
	lastRevoked := makerResult.Dlc.RevokedCommit[len(makerResult.Dlc.RevokedCommit)-1]
	require.Equal(t, gen0Maker.Commit.Tx.TxHash(), lastRevoked.CommitTx.TxHash())
	require.Equal(t, gen0Maker.Commit.Descriptor, lastRevoked.Descriptor)
	require.True(t, gen0Taker.OwnRevocationSk.PubKey().IsEqual(lastRevoked.RevocationSk.PubKey()),
		"msg2 must have revealed the counterparty's revocation secret for the superseded generation")
}

// TestRunResponderThreadsRolloverVersion confirms the dispatched
// protocol name's feeaccount.RolloverVersion actually reaches
// FeeAccount.Settle: a V1 substream must preserve the under-charge bug
//, while V3 folds the pending period in.
func TestRunResponderThreadsRolloverVersion(t *testing.T) {
	makerIdentity, takerIdentity := mustPrivKey(t), mustPrivKey(t)
	makerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	takerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	oracleSk := mustPrivKey(t)

	const nBits = 2
	gen0Nonces := make([]*btcec.PublicKey, nBits)
	for i := range gen0Nonces {
		gen0Nonces[i] = mustPrivKey(t).PubKey()
	}
	gen0EventId := cfdcore.NewPriceEventId(time.Now().Add(-2*time.Hour), "btcusd", nBits)
	makerScript := []byte{0x00, 0x14}
	takerScript := []byte{0x00, 0x14}

	gen0Maker, gen0Taker := buildGen0(t, makerIdentity, takerIdentity, makerPunish, takerPunish,
		oracleSk.PubKey(), gen0EventId, gen0Nonces, makerScript, takerScript)

	shared := rollover.SharedParams{
		OraclePk:           oracleSk.PubKey(),
		Position:           cfdcore.Long,
		Quantity:           cfdcore.NewUsd(1000),
		LongLeverage:       2,
		ShortLeverage:      2,
		NPayouts:           4,
		MakerAddressScript: makerScript,
		TakerAddressScript: takerScript,
	}
	const fundingRate = cfdcore.FundingRate(300)
	const priorBalance = cfdcore.SignedAmount(1_000)

	resolve := func(fromCommitTxid string) (*dlctx.Dlc, feeaccount.CompleteFee, bool) {
		return gen0Maker, feeaccount.CompleteFee{Balance: priorBalance}, true
	}

	run := func(t *testing.T, version feeaccount.RolloverVersion) *rollover.Result {
		newEventNonces := make([]*btcec.PublicKey, nBits)
		for i := range newEventNonces {
			newEventNonces[i] = mustPrivKey(t).PubKey()
		}
		newEventId := cfdcore.NewPriceEventId(time.Now().Add(48*time.Hour), "btcusd", nBits)
		oracle := &fakeOracle{announcement: cfdcore.Announcement{Id: newEventId, NoncePks: newEventNonces}}

		makerEngine := &rollover.Engine{Oracle: oracle}
		takerEngine := &rollover.Engine{Oracle: oracle}
		makerStream, takerStream := newSubstreamPair()

		var result *rollover.Result
		var makerErr, takerErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			result, makerErr = makerEngine.RunResponder(context.Background(), makerStream, rollover.ResponderParams{
				SharedParams:         shared,
				OwnRole:              cfdcore.Maker,
				IsAcceptingRollovers: true,
				NewEventId:           newEventId,
				TxFeeRate:            1,
				FundingRate:          fundingRate,
				Version:              version,
				Resolve:              resolve,
			})
		}()
		go func() {
			defer wg.Done()
			_, takerErr = takerEngine.RunInitiator(context.Background(), takerStream, rollover.InitiatorParams{
				SharedParams: shared,
				CurrentDlc:   gen0Taker,
				OwnRole:      cfdcore.Taker,
			})
		}()
		wg.Wait()

		require.NoError(t, makerErr)
		require.NoError(t, takerErr)
		return result
	}

	v1Result := run(t, feeaccount.V1)
	require.Equal(t, feeaccount.V1, v1Result.Version)
	require.EqualValues(t, priorBalance, v1Result.SettledFee.Balance, "V1 must drop the pending period entirely")

	v3Result := run(t, feeaccount.V3)
	require.Equal(t, feeaccount.V3, v3Result.Version)
	require.NotEqual(t, int64(priorBalance), int64(v3Result.SettledFee.Balance), "V3 must fold the pending period in")
}
