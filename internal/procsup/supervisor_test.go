//go:build !windows

package procsup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisor_SpawnAndWait(t *testing.T) {
	s := NewSupervisor()

	p, err := s.Spawn(context.Background(), SpawnSpec{
		Name:        "sh",
		Args:        []string{"-c", "echo to-stderr >&2"},
		OwnerNodeID: "node-1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())
	require.Equal(t, "node-1", p.Record().OwnerNodeID)
	require.NotZero(t, p.Record().PID)

	require.NoError(t, p.Wait())
	require.Equal(t, 0, s.Count(), "record removed after exit")
	require.Contains(t, p.StderrTail(), "to-stderr")

	// Wait is memoized.
	require.NoError(t, p.Wait())
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	s := NewSupervisor()

	_, err := s.Spawn(context.Background(), SpawnSpec{Name: "definitely-not-a-binary-xyz"})
	require.Error(t, err)
	require.Equal(t, 0, s.Count())
}

func TestSupervisor_Timeout(t *testing.T) {
	s := NewSupervisor()

	p, err := s.Spawn(context.Background(), SpawnSpec{
		Name:    "sleep",
		Args:    []string{"10"},
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	err = p.Wait()
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, 0, s.Count())
}

func TestSupervisor_NonZeroExit(t *testing.T) {
	s := NewSupervisor()

	p, err := s.Spawn(context.Background(), SpawnSpec{
		Name: "sh",
		Args: []string{"-c", "echo failing >&2; exit 3"},
	})
	require.NoError(t, err)

	err = p.Wait()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTimeout)
	require.Contains(t, p.StderrTail(), "failing")
}

func TestSupervisor_TerminateAll(t *testing.T) {
	s := NewSupervisor()

	p, err := s.Spawn(context.Background(), SpawnSpec{
		Name: "sleep",
		Args: []string{"30"},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	s.TerminateAll()

	select {
	case err := <-done:
		require.Error(t, err, "terminated process reports a signal exit")
	case <-time.After(5 * time.Second):
		require.Fail(t, "process survived TerminateAll")
	}
	require.Equal(t, 0, s.Count())
}

func TestSupervisor_ProgressCallback(t *testing.T) {
	s := NewSupervisor()

	got := make(chan Progress, 1)
	p, err := s.Spawn(context.Background(), SpawnSpec{
		Name: "sh",
		Args: []string{"-c", `printf 'time=00:00:05.00 size= 100kB speed=1.00x\r' >&2`},
		OnProgress: func(prog Progress) {
			select {
			case got <- prog:
			default:
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	select {
	case prog := <-got:
		require.Equal(t, 5*time.Second, prog.Elapsed)
		require.Equal(t, int64(100), prog.SizeKB)
	default:
		require.Fail(t, "no progress update parsed from stderr")
	}
}
