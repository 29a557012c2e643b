package punisher

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/dlctx"
)

func commitTxPaying(value int64, script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(wire.NewTxOut(value, script))
	return tx
}

func TestMatchRevokedCommitFindsStaleGeneration(t *testing.T) {
	staleCommit := commitTxPaying(50000, []byte{0xde, 0xad})
	dlc := &dlctx.Dlc{
		RevokedCommit: []dlctx.RevokedCommit{
			{CommitTx: staleCommit},
		},
	}

	revoked, isBreach := matchRevokedCommit(dlc, staleCommit)
	require.True(t, isBreach)
	require.Same(t, &dlc.RevokedCommit[0], revoked)
}

func TestMatchRevokedCommitIgnoresUnrelatedTx(t *testing.T) {
	staleCommit := commitTxPaying(50000, []byte{0xde, 0xad})
	latestCommit := commitTxPaying(50000, []byte{0xbe, 0xef})
	dlc := &dlctx.Dlc{
		RevokedCommit: []dlctx.RevokedCommit{
			{CommitTx: staleCommit},
		},
	}

	_, isBreach := matchRevokedCommit(dlc, latestCommit)
	require.False(t, isBreach)
}

func TestFindPunishOutputLocatesStaleGenerationOutput(t *testing.T) {
	staleScript := []byte{0x51, 0x52}
	staleDesc := &dlctx.Descriptor{PkScript: staleScript}

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x01}))
	tx.AddTxOut(wire.NewTxOut(50000, staleScript))

	idx, err := findPunishOutput(tx, staleDesc)
	require.NoError(t, err)
	require.EqualValues(t, 1, idx)

	// The current generation's rotated descriptor must NOT match the
	// stale broadcast: punish always targets the revoked generation's
	// own script.
	currentDesc := &dlctx.Descriptor{PkScript: []byte{0x53, 0x54}}
	_, err = findPunishOutput(tx, currentDesc)
	require.Error(t, err)
}

func TestFindPunishOutputErrorsWhenNoMatch(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x01}))

	_, err := findPunishOutput(tx, &dlctx.Descriptor{PkScript: []byte{0xff}})
	require.Error(t, err)
}
