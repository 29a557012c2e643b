package settlement_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/protocol/settlement"
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

// fixture assembles a lock output both sides can spend via a
// collaborative settlement, independent of any commit/CET machinery.
type fixture struct {
	lockTx        *wire.MsgTx
	lockDesc      *dlctx.Descriptor
	makerIdentity *secp256k1.PrivateKey
	takerIdentity *secp256k1.PrivateKey
	payout        dlctx.PayoutCurveParams
}

func buildFixture(t *testing.T) fixture {
	t.Helper()

	makerIdentity := mustPrivKey(t)
	takerIdentity := mustPrivKey(t)

	lockDesc, err := dlctx.LockDescriptor(makerIdentity.PubKey(), takerIdentity.PubKey())
	require.NoError(t, err)

	lockTx := wire.NewMsgTx(2)
	lockTx.AddTxOut(wire.NewTxOut(1_000_000, lockDesc.PkScript))

	payout := dlctx.PayoutCurveParams{
		Position:      cfdcore.Long,
		Price:         cfdcore.NewPrice(20000),
		Quantity:      cfdcore.NewUsd(1000),
		LongLeverage:  2,
		ShortLeverage: 2,
	}

	return fixture{lockTx: lockTx, lockDesc: lockDesc, makerIdentity: makerIdentity, takerIdentity: takerIdentity, payout: payout}
}

func (f fixture) makerCtx(t *testing.T) settlement.LockContext {
	t.Helper()
	makerScript, err := dlctx.CetOutputScript(f.makerIdentity.PubKey())
	require.NoError(t, err)
	takerScript, err := dlctx.CetOutputScript(f.takerIdentity.PubKey())
	require.NoError(t, err)
	return settlement.LockContext{
		LockTx: f.lockTx, LockDescriptor: f.lockDesc,
		OwnIdentitySk: f.makerIdentity, CounterpartyIdentityPk: f.takerIdentity.PubKey(),
		MakerAddressScript: makerScript, TakerAddressScript: takerScript,
	}
}

func (f fixture) takerCtx(t *testing.T) settlement.LockContext {
	t.Helper()
	makerScript, err := dlctx.CetOutputScript(f.makerIdentity.PubKey())
	require.NoError(t, err)
	takerScript, err := dlctx.CetOutputScript(f.takerIdentity.PubKey())
	require.NoError(t, err)
	return settlement.LockContext{
		LockTx: f.lockTx, LockDescriptor: f.lockDesc,
		OwnIdentitySk: f.takerIdentity, CounterpartyIdentityPk: f.makerIdentity.PubKey(),
		MakerAddressScript: makerScript, TakerAddressScript: takerScript,
	}
}

// TestRunEndToEndAgreesOnSettlementTx drives both halves of the
// collaborative-settlement protocol over an in-memory substream pair
// and checks they converge on the same signed transaction.
func TestRunEndToEndAgreesOnSettlementTx(t *testing.T) {
	f := buildFixture(t)
	quote := cfdcore.Quote{Bid: cfdcore.NewPrice(19900), Ask: cfdcore.NewPrice(20100), AtUTC: time.Now().Unix()}

	settlePrice := quote.Ask // Position is Long, so the maker settles against the ask
	wantMaker, wantTaker := dlctx.SettlementSplit(f.payout, settlePrice)

	makerEngine := &settlement.Engine{}
	takerEngine := &settlement.Engine{}
	makerStream, takerStream := newSubstreamPair()

	var makerResult, takerResult *settlement.Result
	var makerErr, takerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		makerResult, makerErr = makerEngine.RunResponder(context.Background(), makerStream, settlement.ResponderParams{
			LockContext:          f.makerCtx(t),
			OwnQuote:             quote,
			QuoteIntervalMinutes: 10,
			Payout:               f.payout,
			FeeRate:              1,
		})
	}()
	go func() {
		defer wg.Done()
		takerResult, takerErr = takerEngine.RunInitiator(context.Background(), takerStream, settlement.InitiatorParams{
			LockContext:         f.takerCtx(t),
			Quote:               quote,
			ProposedMakerOutput: wantMaker,
			ProposedTakerOutput: wantTaker,
			FeeRate:             1,
		})
	}()
	wg.Wait()

	require.NoError(t, makerErr)
	require.NoError(t, takerErr)
	require.False(t, makerResult.Rejected)
	require.False(t, takerResult.Rejected)
	require.NotNil(t, makerResult.Tx)
	require.NotNil(t, takerResult.Tx)

	require.Equal(t, makerResult.Tx.TxHash(), takerResult.Tx.TxHash())
	require.NotEmpty(t, makerResult.Tx.TxIn[0].Witness)
	require.NotEmpty(t, takerResult.Tx.TxIn[0].Witness)
}

// TestRunResponderRejectsStaleQuote exercises the quote freshness
// rule: a proposal built from a quote older than 2x the quote interval
// must be rejected before any transaction is built.
func TestRunResponderRejectsStaleQuote(t *testing.T) {
	f := buildFixture(t)
	staleQuote := cfdcore.Quote{
		Bid: cfdcore.NewPrice(19900), Ask: cfdcore.NewPrice(20100),
		AtUTC: time.Now().Add(-1 * time.Hour).Unix(),
	}
	wantMaker, wantTaker := dlctx.SettlementSplit(f.payout, staleQuote.Ask)

	makerEngine := &settlement.Engine{}
	takerEngine := &settlement.Engine{}
	makerStream, takerStream := newSubstreamPair()

	var makerResult, takerResult *settlement.Result
	var makerErr, takerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		makerResult, makerErr = makerEngine.RunResponder(context.Background(), makerStream, settlement.ResponderParams{
			LockContext:          f.makerCtx(t),
			OwnQuote:             cfdcore.Quote{Bid: cfdcore.NewPrice(19900), Ask: cfdcore.NewPrice(20100), AtUTC: time.Now().Unix()},
			QuoteIntervalMinutes: 1,
			Payout:               f.payout,
			FeeRate:              1,
			Now:                  time.Now(),
		})
	}()
	go func() {
		defer wg.Done()
		takerResult, takerErr = takerEngine.RunInitiator(context.Background(), takerStream, settlement.InitiatorParams{
			LockContext:         f.takerCtx(t),
			Quote:               staleQuote,
			ProposedMakerOutput: wantMaker,
			ProposedTakerOutput: wantTaker,
			FeeRate:             1,
		})
	}()
	wg.Wait()

	require.NoError(t, makerErr)
	require.NoError(t, takerErr)
	require.True(t, makerResult.Rejected)
	require.True(t, takerResult.Rejected)
	require.Contains(t, makerResult.RejectReason, "old")
}

// TestRunResponderRejectsMismatchedSplit confirms the maker checks the
// proposed outputs against its own independently computed split rather
// than trusting the taker's numbers outright.
func TestRunResponderRejectsMismatchedSplit(t *testing.T) {
	f := buildFixture(t)
	quote := cfdcore.Quote{Bid: cfdcore.NewPrice(19900), Ask: cfdcore.NewPrice(20100), AtUTC: time.Now().Unix()}

	// Swapping the two legs is guaranteed to miss tolerance for any
	// non-even split.
	wantMaker, wantTaker := dlctx.SettlementSplit(f.payout, quote.Ask)

	makerEngine := &settlement.Engine{}
	takerEngine := &settlement.Engine{}
	makerStream, takerStream := newSubstreamPair()

	var makerResult, takerResult *settlement.Result
	var makerErr, takerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		makerResult, makerErr = makerEngine.RunResponder(context.Background(), makerStream, settlement.ResponderParams{
			LockContext:          f.makerCtx(t),
			OwnQuote:             quote,
			QuoteIntervalMinutes: 10,
			Payout:               f.payout,
			FeeRate:              1,
		})
	}()
	go func() {
		defer wg.Done()
		takerResult, takerErr = takerEngine.RunInitiator(context.Background(), takerStream, settlement.InitiatorParams{
			LockContext:         f.takerCtx(t),
			Quote:               quote,
			ProposedMakerOutput: wantTaker, // deliberately swapped
			ProposedTakerOutput: wantMaker,
			FeeRate:             1,
		})
	}()
	wg.Wait()

	require.NoError(t, makerErr)
	require.NoError(t, takerErr)
	require.True(t, makerResult.Rejected)
	require.True(t, takerResult.Rejected)
	require.Contains(t, makerResult.RejectReason, "does not match")
}
