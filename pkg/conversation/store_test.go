package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaybot/pkg/upstream/upstreamtest"
)

func newTestStore(t *testing.T) (*Store, *upstreamtest.Factory) {
	t.Helper()
	f := &upstreamtest.Factory{}
	return NewStore(f, Options{}), f
}

func TestGetOrCreate_OpensOnceAndMarksCurrent(t *testing.T) {
	s, f := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "sess0001", conv.ID)

	again, err := s.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	require.Same(t, conv, again)
	require.Equal(t, 1, f.Opens())

	cur, ok := s.Current(42)
	require.True(t, ok)
	require.Same(t, conv, cur)
}

func TestGetOrCreate_ConcurrentCallersShareOneOpen(t *testing.T) {
	s, f := newTestStore(t)
	var wg sync.WaitGroup
	convs := make([]*Conversation, 16)
	errs := make([]error, len(convs))
	for i := range convs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			convs[i], errs[i] = s.GetOrCreate(context.Background(), 7)
		}(i)
	}
	wg.Wait()
	for i, c := range convs {
		require.NoError(t, errs[i])
		require.Same(t, convs[0], c)
	}
	require.Equal(t, 1, f.Opens())
	require.Equal(t, 1, s.Len())
}

func TestGetOrCreate_FailureLeavesNoState(t *testing.T) {
	s, f := newTestStore(t)
	f.OpenErr = errors.New("dial tcp: refused")

	_, err := s.GetOrCreate(context.Background(), 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBackendUnavailable))
	require.Contains(t, err.Error(), "refused")
	require.Equal(t, 0, s.Len())
	_, ok := s.Current(1)
	require.False(t, ok)
	require.Empty(t, s.List(1))
}

func TestNew_KeepsPreviousConversationsOpen(t *testing.T) {
	s, f := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	second, err := s.New(ctx, 1)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	cur, _ := s.Current(1)
	require.Same(t, second, cur)
	require.Len(t, s.List(1), 2)
	require.Equal(t, 0, f.Sessions[0].Closes())

	require.NoError(t, s.SwitchCurrent(1, first.ID))
	cur, _ = s.Current(1)
	require.Same(t, first, cur)

	err = s.SwitchCurrent(1, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestCloseExactlyOnceOnEveryPath(t *testing.T) {
	s, f := newTestStore(t)
	ctx := context.Background()
	var removed []string
	s.onRemove = func(conv *Conversation) { removed = append(removed, conv.ID) }

	finished, err := s.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	deleted, err := s.New(ctx, 1)
	require.NoError(t, err)
	expired, err := s.New(ctx, 1)
	require.NoError(t, err)
	drained, err := s.New(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, s.Finish(1, finished.ID))
	require.NoError(t, s.Delete(1, deleted.ID))
	require.NoError(t, s.Expire(1, expired.ID))

	require.True(t, errors.Is(s.Finish(1, finished.ID), ErrNotFound))
	require.True(t, errors.Is(s.Delete(1, deleted.ID), ErrNotFound))
	require.True(t, errors.Is(s.Expire(1, expired.ID), ErrNotFound))

	records := s.Drain(ctx)
	require.Len(t, records, 1)
	require.Equal(t, drained.ID, records[0].ConversationID)
	require.True(t, records[0].Current)

	for _, sess := range f.Sessions {
		require.Equal(t, 1, sess.Closes(), sess.ID())
	}
	require.ElementsMatch(t, []string{finished.ID, deleted.ID, expired.ID, drained.ID}, removed)
	require.Equal(t, 0, s.Len())
	require.True(t, drained.Removed())
}

func TestFinishClearsCurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := s.GetOrCreate(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.Finish(1, conv.ID))
	_, ok := s.Current(1)
	require.False(t, ok)

	next, err := s.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	require.NotEqual(t, conv, next)
}

func TestDoubleCloseOfHandlePanics(t *testing.T) {
	s, _ := newTestStore(t)
	conv, err := s.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, conv.session.close())
	require.Panics(t, func() { _ = conv.session.close() })
}

func TestDrainAndRestore(t *testing.T) {
	s, f := newTestStore(t)
	ctx := context.Background()
	a, err := s.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	s.Touch(a, "what is go")
	b, err := s.New(ctx, 1)
	require.NoError(t, err)
	s.Touch(b, "and rust")

	records := s.Drain(ctx)
	require.Len(t, records, 2)

	restored := NewStore(f, Options{})
	require.Equal(t, 2, restored.Restore(ctx, records))
	require.Equal(t, 2, f.Resumes())

	ra, ok := restored.Get(1, a.ID)
	require.True(t, ok)
	require.Equal(t, "what is go", ra.LastPrompt())
	cur, ok := restored.Current(1)
	require.True(t, ok)
	require.Equal(t, b.ID, cur.ID)
}

func TestRestoreSkipsFailures(t *testing.T) {
	f := &upstreamtest.Factory{OpenErr: errors.New("gone")}
	s := NewStore(f, Options{})
	n := s.Restore(context.Background(), []ResumeRecord{{ChatID: 1, ConversationID: "x"}})
	require.Equal(t, 0, n)
	require.Equal(t, 0, s.Len())
}

func TestShortID(t *testing.T) {
	require.Equal(t, "abcdefghij", ShortID("51D|BingProd|abcdefghijklmnop"))
	require.Equal(t, "abc123", ShortID("abc-123"))
	require.Len(t, ShortID("|||"), 10)
}

func TestIDCollisionGetsSuffix(t *testing.T) {
	f := &upstreamtest.Factory{}
	s := NewStore(f, Options{})
	ctx := context.Background()
	require.Equal(t, 2, s.Restore(ctx, []ResumeRecord{
		{ChatID: 1, ConversationID: "same"},
		{ChatID: 1, ConversationID: "same"},
	}))
	var ids []string
	for _, c := range s.List(1) {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"same", "same2"}, ids)
}

func TestRecordExchange(t *testing.T) {
	s, _ := newTestStore(t)
	conv, err := s.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	s.RecordExchange(conv, "hi", "**hello**")
	s.RecordExchange(conv, "bye", "later")
	require.Equal(t, "later", conv.LastAnswer())
	require.Equal(t, []Exchange{{Prompt: "hi", Answer: "**hello**"}, {Prompt: "bye", Answer: "later"}}, conv.Transcript())
}
