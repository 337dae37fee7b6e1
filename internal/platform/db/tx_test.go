package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	opts pgx.TxOptions
	err  error
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	require.NoError(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }))
	require.True(t, b.tx.committed)
	require.False(t, b.tx.rolledBack)
	require.Equal(t, pgx.ReadCommitted, b.opts.IsoLevel)
}

func TestWithTxRollsBackAndKeepsSentinel(t *testing.T) {
	sentinel := errors.New("version conflict")
	b := &fakeBeginner{tx: &fakeTx{}}
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	require.True(t, b.tx.rolledBack)
	require.False(t, b.tx.committed)
}

func TestWithTxWrapsBeginAndCommitErrors(t *testing.T) {
	err := WithTx(context.Background(), &fakeBeginner{err: errors.New("pool closed")}, func(pgx.Tx) error { return nil })
	require.ErrorContains(t, err, "platform/db: begin tx")

	b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
	err = WithTxOptions(context.Background(), b, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(pgx.Tx) error { return nil })
	require.ErrorContains(t, err, "platform/db: commit tx")
	require.Equal(t, pgx.Serializable, b.opts.IsoLevel)
}
