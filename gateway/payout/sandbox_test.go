package payout

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTxHashFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		h := NewTxHash()
		require.Len(t, h, 66)
		require.True(t, strings.HasPrefix(h, "0x"))
		_, err := hex.DecodeString(h[2:])
		require.NoError(t, err)
		require.False(t, seen[h], "hashes must not repeat")
		seen[h] = true
	}
}

func TestSandboxSubmitIdempotentByRef(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	ins := trc20Instruction()

	first, err := s.Submit(ctx, ins)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, first.Status)

	second, err := s.Submit(ctx, ins)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)

	conf, err := s.Status(ctx, ins.Ref)
	require.NoError(t, err)
	require.Equal(t, first.Hash, conf.Hash)
}

func TestSandboxRejectsBadInstructions(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()

	ins := trc20Instruction()
	ins.Wallet = ""
	_, err := s.Submit(ctx, ins)
	require.Error(t, err)
	require.False(t, IsTransient(err))

	ins = trc20Instruction()
	ins.Amount = SettlementAmount(0)
	_, err = s.Submit(ctx, ins)
	require.Error(t, err)
}

func TestSandboxHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	s.HoldConfirmations(true)

	ins := trc20Instruction()
	sub, err := s.Submit(ctx, ins)
	require.NoError(t, err)
	require.Equal(t, StatusPending, sub.Status)
	require.Empty(t, sub.Hash)

	conf, err := s.Release(ins.Ref)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, conf.Status)
	require.NotEmpty(t, conf.Hash)

	got, err := s.Status(ctx, ins.Ref)
	require.NoError(t, err)
	require.Equal(t, conf.Hash, got.Hash)
}

func TestSandboxHoldAndFail(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()
	s.HoldConfirmations(true)

	ins := trc20Instruction()
	_, err := s.Submit(ctx, ins)
	require.NoError(t, err)

	conf, err := s.Fail(ins.Ref, "chain congestion")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, conf.Status)
	require.Equal(t, "chain congestion", conf.Reason)
}

func TestSandboxReverse(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox()

	ins := trc20Instruction()
	_, err := s.Submit(ctx, ins)
	require.NoError(t, err)

	require.NoError(t, s.Reverse(ctx, ins.Ref))
	conf, err := s.Status(ctx, ins.Ref)
	require.NoError(t, err)
	require.Equal(t, StatusReversed, conf.Status)

	require.Error(t, s.Reverse(ctx, "no-such-ref"))
}
